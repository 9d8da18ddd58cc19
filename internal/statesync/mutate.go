package statesync

import (
	"maps"

	"consensus-room/internal/protocol"
)

// The mutators below change the local replica directly. Each one refreshes
// the state timestamp.

func (e *Engine) SetPhase(phase protocol.Phase) {
	e.state.GamePhase = phase
	e.touch()
}

func (e *Engine) SetScenario(scenarioID string) {
	e.state.CurrentScenarioID = scenarioID
	e.touch()
}

func (e *Engine) ClearVotes() {
	clear(e.state.Votes)
	e.touch()
}

func (e *Engine) RecordVote(vote protocol.Vote) {
	e.state.Votes[vote.VoterID] = vote
	e.touch()
}

func (e *Engine) Vote(peerID string) (protocol.Vote, bool) {
	vote, ok := e.state.Votes[peerID]
	return vote, ok
}

// Votes returns a copy of the recorded votes.
func (e *Engine) Votes() map[string]protocol.Vote {
	return maps.Clone(e.state.Votes)
}

func (e *Engine) RecordAction(action protocol.Action) {
	e.state.PlayerActions[action.PlayerID] = action
	e.touch()
}

// RemovePeer drops the peer's vote and action. It reports whether anything
// was removed.
func (e *Engine) RemovePeer(peerID string) bool {
	_, hadVote := e.state.Votes[peerID]
	_, hadAction := e.state.PlayerActions[peerID]
	if !hadVote && !hadAction {
		return false
	}
	delete(e.state.Votes, peerID)
	delete(e.state.PlayerActions, peerID)
	e.touch()
	return true
}

// AdvanceLevel moves to the next level in the progression phase and clears
// per-round data. It returns the new level.
func (e *Engine) AdvanceLevel() int {
	e.SetLevel(e.state.LevelID + 1)
	return e.state.LevelID
}

// SetLevel is used by replicas applying a level_progression message.
func (e *Engine) SetLevel(level int) {
	e.state.LevelID = level
	e.state.GamePhase = protocol.PhaseProgression
	e.state.CurrentScenarioID = ""
	clear(e.state.Votes)
	clear(e.state.PlayerActions)
	e.touch()
}
