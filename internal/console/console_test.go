package console

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consensus-room/internal/errs"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
	"consensus-room/internal/session"
	"consensus-room/internal/statesync"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

type call struct {
	name string
	args []any
}

type fakeController struct {
	status session.Status
	calls  []call
	err    error
}

func (f *fakeController) record(name string, args ...any) error {
	f.calls = append(f.calls, call{name: name, args: args})
	return f.err
}

func (f *fakeController) Status() session.Status { return f.status }

func (f *fakeController) Players() []protocol.Peer {
	return []protocol.Peer{
		{ID: "h1", DisplayName: "Ada", IsHost: true},
		{ID: "p2", DisplayName: "Bea", IsLocal: true},
	}
}

func (f *fakeController) StartDiscussion(scenarioID string, options []string) error {
	return f.record("discuss", scenarioID, options)
}

func (f *fakeController) StartVoting(scenarioID string, options []string) error {
	return f.record("voting", scenarioID, options)
}

func (f *fakeController) CastVote(scenarioID, optionID, reasoning string) error {
	return f.record("vote", scenarioID, optionID, reasoning)
}

func (f *fakeController) CheckForConsensus(scenarioID string) (session.Tally, bool, error) {
	err := f.record("check", scenarioID)
	return session.Tally{ScenarioID: scenarioID, Decision: "x", Counts: map[string]int{"x": 2}, Ratio: 1, TotalVotes: 2, TotalPlayers: 2}, true, err
}

func (f *fakeController) ProgressToNextLevel() (int, error) {
	return 2, f.record("next")
}

func (f *fakeController) SendChat(text string) error { return f.record("chat", text) }

func (f *fakeController) RecordAction(actionType string, data any) error {
	return f.record("action", actionType, data)
}

func (f *fakeController) RequestSync() error { return f.record("sync") }

func (f *fakeController) Rollback(steps int) error { return f.record("rollback", steps) }

func (f *fakeController) Stats() statesync.Stats {
	return statesync.Stats{MessagesSent: 7, HistoryDepth: 3}
}

func TestExecuteDispatchesCommands(t *testing.T) {
	ctrl := &fakeController{status: session.Status{ScenarioID: "s1"}}
	var out bytes.Buffer
	c := New(ctrl, &out)

	require.NoError(t, c.Execute("discuss s1 x,y z"))
	require.NoError(t, c.Execute("voting"))
	require.NoError(t, c.Execute("voting s2 a,b"))
	require.NoError(t, c.Execute("vote x because it is safer"))
	require.NoError(t, c.Execute("chat  hello  all"))
	require.NoError(t, c.Execute(`action select {"tile":"a3"}`))
	require.NoError(t, c.Execute("action ready"))
	require.NoError(t, c.Execute("sync"))
	require.NoError(t, c.Execute("rollback 2"))
	require.NoError(t, c.Execute("ROLLBACK"))
	require.NoError(t, c.Execute("   "))

	want := []call{
		{"discuss", []any{"s1", []string{"x", "y", "z"}}},
		{"voting", []any{"s1", []string(nil)}},
		{"voting", []any{"s2", []string{"a", "b"}}},
		{"vote", []any{"s1", "x", "because it is safer"}},
		{"chat", []any{"hello all"}},
		{"action", []any{"select", map[string]any{"tile": "a3"}}},
		{"action", []any{"ready", nil}},
		{"sync", nil},
		{"rollback", []any{2}},
		{"rollback", []any{1}},
	}
	assert.Equal(t, want, ctrl.calls)
}

func TestExecuteReportsErrors(t *testing.T) {
	ctrl := &fakeController{err: errs.PermissionError("start discussion")}
	c := New(ctrl, &bytes.Buffer{})

	assert.ErrorIs(t, c.Execute("discuss s1 x"), errs.ErrPermission)
	assert.ErrorContains(t, c.Execute("discuss s1"), "usage")
	assert.ErrorContains(t, c.Execute("vote"), "usage")
	assert.ErrorContains(t, c.Execute("rollback many"), "invalid step count")
	assert.ErrorContains(t, c.Execute("dance"), "unknown command")
	assert.ErrorIs(t, c.Execute("quit"), ErrQuit)
}

func TestExecuteRendersTables(t *testing.T) {
	ctrl := &fakeController{status: session.Status{PlayerName: "Bea", RoomCode: "ABCDEF", Phase: protocol.PhaseVoting, ScenarioID: "s1"}}
	var out bytes.Buffer
	c := New(ctrl, &out)

	require.NoError(t, c.Execute("status"))
	require.NoError(t, c.Execute("players"))
	require.NoError(t, c.Execute("stats"))
	require.NoError(t, c.Execute("check"))
	require.NoError(t, c.Execute("next"))

	text := out.String()
	assert.Contains(t, text, "ABCDEF")
	assert.Contains(t, text, "Bea (you)")
	assert.Contains(t, text, "messages sent")
	assert.Contains(t, text, "consensus on x")
	assert.Contains(t, text, "advanced to level 2")
}

func TestRunStopsOnQuit(t *testing.T) {
	ctrl := &fakeController{err: errors.New("boom")}
	var out bytes.Buffer
	c := New(ctrl, &out)

	in := strings.NewReader("chat hi\nquit\nchat never\n")
	require.NoError(t, c.Run(context.Background(), in))

	require.Len(t, ctrl.calls, 1)
	assert.Contains(t, out.String(), "boom")
}

func TestAttachPrintsEvents(t *testing.T) {
	bus := eventbus.New()
	var out bytes.Buffer
	c := New(&fakeController{}, &out)
	c.Attach(bus)

	bus.Emit(eventbus.ConsensusReached{ScenarioID: "s1", Decision: "x", VoteCounts: map[string]int{"x": 3, "y": 1}, ConsensusRatio: 0.75})
	bus.Emit(eventbus.ChatReceived{PlayerName: "Ada", Text: "hi"})
	bus.Emit(eventbus.StateUpdated{})

	text := out.String()
	assert.Contains(t, text, "decision on s1: x")
	assert.Contains(t, text, "Ada: hi")
}
