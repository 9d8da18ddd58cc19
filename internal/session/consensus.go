package session

import (
	"cmp"
	"log"
	"maps"
	"slices"
	"strings"

	"consensus-room/internal/errs"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
)

// Tally summarizes the votes of one round.
type Tally struct {
	ScenarioID   string
	Counts       map[string]int
	Decision     string
	MaxVotes     int
	TotalVotes   int
	TotalPlayers int
	Ratio        float64
	Forced       bool
}

// tallyVotes counts votes in cast order. Options are ranked by first
// appearance, so ties go to the option that was voted for first.
func tallyVotes(votes map[string]protocol.Vote, totalPlayers int) Tally {
	ordered := slices.SortedFunc(maps.Values(votes), func(a, b protocol.Vote) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), strings.Compare(a.VoterID, b.VoterID))
	})
	t := Tally{Counts: make(map[string]int), TotalVotes: len(votes), TotalPlayers: totalPlayers}
	var order []string
	for _, v := range ordered {
		if t.Counts[v.OptionID] == 0 {
			order = append(order, v.OptionID)
		}
		t.Counts[v.OptionID]++
	}
	for _, option := range order {
		if t.Counts[option] > t.MaxVotes {
			t.MaxVotes = t.Counts[option]
			t.Decision = option
		}
	}
	if totalPlayers > 0 {
		t.Ratio = float64(t.MaxVotes) / float64(totalPlayers)
	}
	return t
}

// reached decides a tally. Until forced, every player must have voted.
// Majority mode accepts the leading option regardless of the threshold.
func reached(t Tally, threshold float64, mode CollaborationMode, forced bool) bool {
	if t.TotalVotes == 0 {
		return false
	}
	if !forced && t.TotalVotes < t.TotalPlayers {
		return false
	}
	return t.Ratio >= threshold || mode == ModeMajority
}

// CheckForConsensus evaluates the current votes and, when they agree,
// closes the round. Host only.
func (s *Session) CheckForConsensus(scenarioID string) (Tally, bool, error) {
	s.mu.Lock()
	if err := s.requireHostLocked("check for consensus"); err != nil {
		s.mu.Unlock()
		return Tally{}, false, err
	}
	if phase := s.engine.Phase(); phase != protocol.PhaseVoting {
		s.mu.Unlock()
		return Tally{}, false, errs.InvalidPhaseError("check for consensus", string(phase))
	}
	if scenarioID != s.engine.ScenarioID() {
		s.mu.Unlock()
		return Tally{}, false, errs.ValidationError("scenario "+scenarioID+" is not being voted on", nil)
	}
	t, ok := s.checkConsensusLocked(false)
	s.unlockAndFlush()
	return t, ok, nil
}

func (s *Session) checkConsensusLocked(forced bool) (Tally, bool) {
	t := tallyVotes(s.engine.Votes(), s.roster.len())
	t.ScenarioID = s.engine.ScenarioID()
	t.Forced = forced
	if !reached(t, s.cfg.ConsensusThreshold, s.cfg.CollaborationMode, forced) {
		if forced {
			s.emit(eventbus.ConsensusNotReached{
				ScenarioID:     t.ScenarioID,
				VoteCounts:     t.Counts,
				ConsensusRatio: t.Ratio,
				TotalVotes:     t.TotalVotes,
				TotalPlayers:   t.TotalPlayers,
			})
			log.Printf("consensus not reached room=%s scenario=%s votes=%d players=%d ratio=%.2f",
				s.roomCode, t.ScenarioID, t.TotalVotes, t.TotalPlayers, t.Ratio)
		}
		return t, false
	}
	s.reachConsensusLocked(t)
	return t, true
}

func (s *Session) reachConsensusLocked(t Tally) {
	s.cancelTimerLocked()
	s.engine.SetPhase(protocol.PhaseConsensus)
	s.broadcast(&protocol.ConsensusReached{
		Decision:   t.Decision,
		ScenarioID: t.ScenarioID,
		VoteData: protocol.VoteData{
			VoteCounts:     t.Counts,
			ConsensusRatio: t.Ratio,
			TotalVotes:     t.TotalVotes,
			TotalPlayers:   t.TotalPlayers,
			Forced:         t.Forced,
		},
	})
	s.emit(eventbus.ConsensusReached{
		ScenarioID:     t.ScenarioID,
		Decision:       t.Decision,
		VoteCounts:     maps.Clone(t.Counts),
		ConsensusRatio: t.Ratio,
		TotalVotes:     t.TotalVotes,
		TotalPlayers:   t.TotalPlayers,
		Forced:         t.Forced,
	})
	log.Printf("consensus reached room=%s scenario=%s decision=%s ratio=%.2f forced=%t",
		s.roomCode, t.ScenarioID, t.Decision, t.Ratio, t.Forced)
}
