package protocol

import "encoding/json"

// Type is the wire discriminator carried in every envelope.
type Type string

const (
	TypeStateUpdate      Type = "game_state_update"
	TypeDelta            Type = "sync_delta_update"
	TypeBatch            Type = "sync_batch_update"
	TypeGameEvent        Type = "sync_game_event"
	TypeSyncRequest      Type = "sync_request"
	TypeRejection        Type = "sync_rejection"
	TypeStartDiscussion  Type = "start_discussion"
	TypeStartVoting      Type = "start_voting"
	TypeVoteCast         Type = "vote_cast"
	TypeConsensusReached Type = "consensus_reached"
	TypeLevelProgression Type = "level_progression"
	TypeChat             Type = "chat_message"
)

// Rejection reasons.
const (
	ReasonConflict = "conflict_resolved_locally"
	ReasonRoomFull = "room_full"
	ReasonPhase    = "phase_mismatch"
)

// Header is the envelope shared by all messages.
type Header struct {
	Type       Type   `json:"type"`
	SenderID   string `json:"senderId" validate:"required"`
	Timestamp  int64  `json:"timestamp" validate:"required"`
	SequenceID string `json:"sequenceId,omitempty"`
}

// Head gives access to the envelope of any message.
func (h *Header) Head() *Header { return h }

// Message is the closed set of wire messages. Every implementation lives in
// this file.
type Message interface {
	MessageType() Type
	Head() *Header
}

type StateUpdate struct {
	Header
	GameState *WireState `json:"gameState" validate:"required"`
	Players   []Peer     `json:"players,omitempty" validate:"dive"`
}

type DeltaUpdate struct {
	Header
	Changes map[string]json.RawMessage `json:"changes" validate:"required"`
}

type BatchUpdate struct {
	Header
	Events  []json.RawMessage `json:"events" validate:"required"`
	Members []Message         `json:"-"`
}

type GameEvent struct {
	Header
	EventType string          `json:"eventType" validate:"required"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

type SyncRequest struct {
	Header
	PlayerName string `json:"playerName,omitempty"`
}

type SyncRejection struct {
	Header
	RejectedSequenceID string `json:"rejectedSequenceId"`
	Reason             string `json:"reason" validate:"required"`
}

type StartDiscussion struct {
	Header
	ScenarioID string   `json:"scenarioId" validate:"required"`
	Options    []string `json:"options"`
	TimeLimit  int64    `json:"timeLimit"`
}

type StartVoting struct {
	Header
	ScenarioID string   `json:"scenarioId" validate:"required"`
	Options    []string `json:"options"`
	TimeLimit  int64    `json:"timeLimit"`
}

type VoteCast struct {
	Header
	PlayerID   string `json:"playerId" validate:"required"`
	PlayerName string `json:"playerName,omitempty"`
	ScenarioID string `json:"scenarioId" validate:"required"`
	Vote       Vote   `json:"vote"`
}

type VoteData struct {
	VoteCounts     map[string]int `json:"voteCounts"`
	ConsensusRatio float64        `json:"consensusRatio"`
	TotalVotes     int            `json:"totalVotes"`
	TotalPlayers   int            `json:"totalPlayers"`
	Forced         bool           `json:"forced,omitempty"`
}

type ConsensusReached struct {
	Header
	Decision   string   `json:"decision" validate:"required"`
	ScenarioID string   `json:"scenarioId" validate:"required"`
	VoteData   VoteData `json:"voteData"`
}

type LevelProgression struct {
	Header
	NewLevel int `json:"newLevel" validate:"required,min=1"`
}

type ChatMessage struct {
	Header
	PlayerID   string `json:"playerId" validate:"required"`
	PlayerName string `json:"playerName"`
	Text       string `json:"text" validate:"required"`
}

func (*StateUpdate) MessageType() Type { return TypeStateUpdate }
func (*DeltaUpdate) MessageType() Type { return TypeDelta }
func (*BatchUpdate) MessageType() Type { return TypeBatch }
func (*GameEvent) MessageType() Type { return TypeGameEvent }
func (*SyncRequest) MessageType() Type { return TypeSyncRequest }
func (*SyncRejection) MessageType() Type { return TypeRejection }
func (*StartDiscussion) MessageType() Type { return TypeStartDiscussion }
func (*StartVoting) MessageType() Type { return TypeStartVoting }
func (*VoteCast) MessageType() Type { return TypeVoteCast }
func (*ConsensusReached) MessageType() Type { return TypeConsensusReached }
func (*LevelProgression) MessageType() Type { return TypeLevelProgression }
func (*ChatMessage) MessageType() Type { return TypeChat }

func newMessage(t Type) (Message, bool) {
	switch t {
	case TypeStateUpdate:
		return &StateUpdate{}, true
	case TypeDelta:
		return &DeltaUpdate{}, true
	case TypeBatch:
		return &BatchUpdate{}, true
	case TypeGameEvent:
		return &GameEvent{}, true
	case TypeSyncRequest:
		return &SyncRequest{}, true
	case TypeRejection:
		return &SyncRejection{}, true
	case TypeStartDiscussion:
		return &StartDiscussion{}, true
	case TypeStartVoting:
		return &StartVoting{}, true
	case TypeVoteCast:
		return &VoteCast{}, true
	case TypeConsensusReached:
		return &ConsensusReached{}, true
	case TypeLevelProgression:
		return &LevelProgression{}, true
	case TypeChat:
		return &ChatMessage{}, true
	default:
		return nil, false
	}
}

// batchable reports whether t may appear inside a batch.
func batchable(t Type) bool {
	return t == TypeDelta || t == TypeGameEvent
}
