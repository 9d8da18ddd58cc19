package console

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
	"consensus-room/internal/session"
	"consensus-room/internal/statesync"
)

func helpText() string {
	rows := pterm.TableData{
		{"command", "who", "effect"},
		{"discuss <scenario> <a,b,...>", "host", "open discussion on a scenario"},
		{"voting [scenario] [a,b,...]", "host", "open (or reopen) voting"},
		{"check", "host", "tally the current votes"},
		{"next", "host", "advance to the next level"},
		{"vote <option> [reasoning]", "all", "cast a vote"},
		{"chat <text>", "all", "send a chat message"},
		{"action <type> [json]", "all", "record a player action"},
		{"status | players | stats", "all", "show session details"},
		{"sync | rollback [n]", "guest", "request a full state or roll back"},
		{"quit", "all", "leave the room"},
	}
	return renderTable(rows)
}

func renderTable(rows pterm.TableData) string {
	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return pterm.Error.Sprintfln("render table: %v", err)
	}
	return out + "\n"
}

func renderStatus(st session.Status) string {
	role := "guest"
	if st.IsHost {
		role = "host"
	}
	conn := pterm.LightRed("disconnected")
	if st.Connected {
		conn = pterm.LightGreen("connected")
	}
	rows := pterm.TableData{
		{"field", "value"},
		{"player", fmt.Sprintf("%s (%s)", st.PlayerName, role)},
		{"room", st.RoomCode},
		{"link", conn},
		{"players", fmt.Sprintf("%d/%d", st.ConnectedPlayers, st.MaxPlayers)},
		{"level", strconv.Itoa(st.LevelID)},
		{"phase", string(st.Phase)},
		{"scenario", st.ScenarioID},
		{"options", strings.Join(st.Options, ", ")},
		{"votes", strconv.Itoa(st.TotalVotes)},
		{"remaining", st.TimeRemaining.Round(time.Second).String()},
	}
	return renderTable(rows)
}

func renderPlayers(players []protocol.Peer) string {
	rows := pterm.TableData{{"name", "id", "role"}}
	for _, p := range players {
		role := ""
		if p.IsHost {
			role = "host"
		}
		name := p.DisplayName
		if p.IsLocal {
			name = pterm.LightCyan(name + " (you)")
		}
		rows = append(rows, []string{name, p.ID, role})
	}
	return renderTable(rows)
}

func renderStats(st statesync.Stats) string {
	rows := pterm.TableData{
		{"metric", "value"},
		{"messages sent", strconv.Itoa(st.MessagesSent)},
		{"messages received", strconv.Itoa(st.MessagesReceived)},
		{"average latency", st.AverageLatency.String()},
		{"conflicts resolved", strconv.Itoa(st.ConflictsResolved)},
		{"rollbacks", strconv.Itoa(st.RollbacksPerformed)},
		{"queued", strconv.Itoa(st.QueuedMessages)},
		{"history", strconv.Itoa(st.HistoryDepth)},
	}
	return renderTable(rows)
}

func renderTally(t session.Tally, reached bool) string {
	verdict := pterm.Warning.Sprintfln("no consensus yet (%d/%d votes, ratio %.2f)", t.TotalVotes, t.TotalPlayers, t.Ratio)
	if reached {
		verdict = pterm.Success.Sprintfln("consensus on %s (ratio %.2f)", t.Decision, t.Ratio)
	}
	return verdict + renderCounts(t.Counts)
}

func renderCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	options := make([]string, 0, len(counts))
	for opt := range counts {
		options = append(options, opt)
	}
	sort.Strings(options)
	rows := pterm.TableData{{"option", "votes"}}
	for _, opt := range options {
		rows = append(rows, []string{opt, strconv.Itoa(counts[opt])})
	}
	return renderTable(rows)
}

func renderEvent(ev eventbus.Event) string {
	switch e := ev.(type) {
	case eventbus.SessionCreated:
		return pterm.Success.Sprintfln("room %s created, share the code with the other players", pterm.LightYellow(e.RoomCode))
	case eventbus.SessionJoined:
		return pterm.Success.Sprintfln("joined room %s", pterm.LightYellow(e.RoomCode))
	case eventbus.SessionTerminated:
		return pterm.Warning.Sprintfln("session ended (%s)", e.Reason)
	case eventbus.PlayerJoined:
		return pterm.Info.Sprintfln("%s joined (%d players)", pterm.LightCyan(e.DisplayName), e.TotalPlayers)
	case eventbus.PlayerLeft:
		return pterm.Info.Sprintfln("%s left (%d players)", pterm.LightCyan(e.DisplayName), e.TotalPlayers)
	case eventbus.DiscussionStarted:
		return pterm.Info.Sprintfln("discuss %s: %s (%s)", e.ScenarioID, strings.Join(e.Options, ", "), e.TimeLimit)
	case eventbus.VotingStarted:
		return pterm.Info.Sprintfln("vote on %s: %s (%s)", e.ScenarioID, strings.Join(e.Options, ", "), e.TimeLimit)
	case eventbus.VoteCast:
		return pterm.Info.Sprintfln("you voted %s", e.OptionID)
	case eventbus.VoteReceived:
		if e.Reasoning != "" {
			return pterm.Info.Sprintfln("%s voted %s: %s", pterm.LightCyan(e.PlayerName), e.OptionID, e.Reasoning)
		}
		return pterm.Info.Sprintfln("%s voted %s", pterm.LightCyan(e.PlayerName), e.OptionID)
	case eventbus.ConsensusReached:
		return pterm.Success.Sprintfln("decision on %s: %s (ratio %.2f)", e.ScenarioID, pterm.LightGreen(e.Decision), e.ConsensusRatio) +
			renderCounts(e.VoteCounts)
	case eventbus.ConsensusNotReached:
		return pterm.Warning.Sprintfln("time is up without agreement on %s (ratio %.2f)", e.ScenarioID, e.ConsensusRatio) +
			renderCounts(e.VoteCounts)
	case eventbus.LevelProgressed:
		return pterm.Success.Sprintfln("level %d", e.NewLevel)
	case eventbus.ChatReceived:
		return pterm.Sprintfln("%s: %s", pterm.LightCyan(e.PlayerName), e.Text)
	case eventbus.SyncRejected:
		return pterm.Warning.Sprintfln("update rejected by %s: %s", e.SenderID, e.Reason)
	case eventbus.RolledBack:
		return pterm.Warning.Sprintfln("rolled back %d step(s) to level %d, %s", e.Steps, e.LevelID, e.Phase)
	case eventbus.Warning:
		return pterm.Warning.Sprintfln("%s failed: %v", e.Op, e.Err)
	}
	return ""
}
