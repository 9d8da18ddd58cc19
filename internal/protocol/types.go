package protocol

import (
	"encoding/json"
	"maps"
)

// Phase is one stage of the decision protocol.
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseDiscussion  Phase = "discussion"
	PhaseVoting      Phase = "voting"
	PhaseConsensus   Phase = "consensus"
	PhaseProgression Phase = "progression"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseWaiting, PhaseDiscussion, PhaseVoting, PhaseConsensus, PhaseProgression:
		return true
	default:
		return false
	}
}

type Peer struct {
	ID          string `json:"playerId" validate:"required"`
	DisplayName string `json:"playerName"`
	IsHost      bool   `json:"isHost"`
	IsLocal     bool   `json:"isLocal,omitempty"`
}

type Vote struct {
	VoterID   string `json:"voterId"`
	OptionID  string `json:"option" validate:"required"`
	Reasoning string `json:"reasoning,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type Action struct {
	PlayerID   string          `json:"playerId"`
	ActionType string          `json:"actionType"`
	Data       json.RawMessage `json:"actionData,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// GameState is the replicated, host-authoritative state.
type GameState struct {
	LevelID           int
	CurrentScenarioID string
	GamePhase         Phase
	PlayerActions     map[string]Action
	Votes             map[string]Vote
	Timestamp         int64
	SequenceID        string
}

// NewGameState returns the state a freshly created session starts from.
func NewGameState(now int64) GameState {
	return GameState{
		LevelID:       1,
		GamePhase:     PhaseWaiting,
		PlayerActions: make(map[string]Action),
		Votes:         make(map[string]Vote),
		Timestamp:     now,
	}
}

// Clone returns a deep copy.
func (s GameState) Clone() GameState {
	out := s
	out.PlayerActions = make(map[string]Action, len(s.PlayerActions))
	for id, action := range s.PlayerActions {
		if action.Data != nil {
			action.Data = append(json.RawMessage(nil), action.Data...)
		}
		out.PlayerActions[id] = action
	}
	out.Votes = maps.Clone(s.Votes)
	if out.Votes == nil {
		out.Votes = make(map[string]Vote)
	}
	return out
}

// WireState is the serialized form of GameState. Required fields are
// pointers so that a missing key is distinguishable from a zero value.
type WireState struct {
	LevelID           *int              `json:"levelId" validate:"required"`
	CurrentScenarioID string            `json:"currentScenarioId"`
	GamePhase         *Phase            `json:"gamePhase" validate:"required,oneof=waiting discussion voting consensus progression"`
	PlayerActions     map[string]Action `json:"playerActions"`
	Votes             map[string]Vote   `json:"votes"`
	Timestamp         *int64            `json:"timestamp" validate:"required"`
	SequenceID        string            `json:"sequenceId,omitempty"`
}

// Wire converts the state into its serialized form.
func (s GameState) Wire() *WireState {
	c := s.Clone()
	return &WireState{
		LevelID:           &c.LevelID,
		CurrentScenarioID: c.CurrentScenarioID,
		GamePhase:         &c.GamePhase,
		PlayerActions:     c.PlayerActions,
		Votes:             c.Votes,
		Timestamp:         &c.Timestamp,
		SequenceID:        c.SequenceID,
	}
}

// State converts a validated wire state back into a GameState.
func (w *WireState) State() GameState {
	s := GameState{
		CurrentScenarioID: w.CurrentScenarioID,
		PlayerActions:     w.PlayerActions,
		Votes:             w.Votes,
		SequenceID:        w.SequenceID,
	}
	if w.LevelID != nil {
		s.LevelID = *w.LevelID
	}
	if w.GamePhase != nil {
		s.GamePhase = *w.GamePhase
	}
	if w.Timestamp != nil {
		s.Timestamp = *w.Timestamp
	}
	return s.Clone()
}
