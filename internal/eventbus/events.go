package eventbus

import (
	"encoding/json"
	"time"

	"consensus-room/internal/protocol"
)

// Name identifies an event kind.
type Name string

const (
	NameSessionCreated       Name = "session_created"
	NameSessionJoined        Name = "session_joined"
	NameSessionTerminated    Name = "session_terminated"
	NamePlayerJoined         Name = "player_joined"
	NamePlayerLeft           Name = "player_left"
	NameDiscussionStarted    Name = "discussion_started"
	NameVotingStarted        Name = "voting_started"
	NameVoteCast             Name = "vote_cast"
	NameVoteReceived         Name = "vote_received"
	NameConsensusReached     Name = "consensus_reached"
	NameConsensusNotReached  Name = "consensus_not_reached"
	NameLevelProgressed      Name = "level_progressed"
	NameChatReceived         Name = "chat_received"
	NamePlayerActionRecorded Name = "player_action_recorded"
	NameGameEventReceived    Name = "game_event_received"
	NameStateUpdated         Name = "state_updated"
	NameSyncConflict         Name = "sync_conflict"
	NameSyncRejected         Name = "sync_rejected"
	NameRolledBack           Name = "rolled_back"
	NameWarning              Name = "warning"
)

// Event is implemented by every struct in this file.
type Event interface {
	Name() Name
}

type SessionCreated struct {
	RoomCode   string
	HostID     string
	PlayerName string
}

type SessionJoined struct {
	RoomCode string
	PeerID   string
	HostID   string
}

// Reasons carried by SessionTerminated.
const (
	ReasonLeft             = "left"
	ReasonHostDisconnected = "host_disconnected"
)

type SessionTerminated struct {
	RoomCode string
	Reason   string
}

type PlayerJoined struct {
	PeerID       string
	DisplayName  string
	TotalPlayers int
}

type PlayerLeft struct {
	PeerID       string
	DisplayName  string
	TotalPlayers int
}

type DiscussionStarted struct {
	ScenarioID string
	Options    []string
	TimeLimit  time.Duration
}

type VotingStarted struct {
	ScenarioID string
	Options    []string
	TimeLimit  time.Duration
}

// VoteCast is emitted for the local peer's own vote.
type VoteCast struct {
	PeerID     string
	ScenarioID string
	OptionID   string
}

// VoteReceived is emitted for votes arriving from other peers.
type VoteReceived struct {
	PeerID     string
	PlayerName string
	ScenarioID string
	OptionID   string
	Reasoning  string
}

type ConsensusReached struct {
	ScenarioID     string
	Decision       string
	VoteCounts     map[string]int
	ConsensusRatio float64
	TotalVotes     int
	TotalPlayers   int
	Forced         bool
}

type ConsensusNotReached struct {
	ScenarioID     string
	VoteCounts     map[string]int
	ConsensusRatio float64
	TotalVotes     int
	TotalPlayers   int
}

type LevelProgressed struct {
	NewLevel int
}

type ChatReceived struct {
	PeerID     string
	PlayerName string
	Text       string
}

type PlayerActionRecorded struct {
	PeerID     string
	ActionType string
	Data       json.RawMessage
}

type GameEventReceived struct {
	SenderID  string
	EventType string
	EventData json.RawMessage
}

type StateUpdated struct {
	SenderID   string
	LevelID    int
	Phase      protocol.Phase
	ScenarioID string
}

type SyncConflict struct {
	SenderID string
	Strategy string
	Reasons  []string
	Accepted bool
}

type SyncRejected struct {
	SenderID           string
	RejectedSequenceID string
	Reason             string
}

type RolledBack struct {
	Steps   int
	LevelID int
	Phase   protocol.Phase
}

// Warning reports a non-fatal failure, such as a send to one peer.
type Warning struct {
	PeerID string
	Op     string
	Err    error
}

func (SessionCreated) Name() Name { return NameSessionCreated }
func (SessionJoined) Name() Name { return NameSessionJoined }
func (SessionTerminated) Name() Name { return NameSessionTerminated }
func (PlayerJoined) Name() Name { return NamePlayerJoined }
func (PlayerLeft) Name() Name { return NamePlayerLeft }
func (DiscussionStarted) Name() Name { return NameDiscussionStarted }
func (VotingStarted) Name() Name { return NameVotingStarted }
func (VoteCast) Name() Name { return NameVoteCast }
func (VoteReceived) Name() Name { return NameVoteReceived }
func (ConsensusReached) Name() Name { return NameConsensusReached }
func (ConsensusNotReached) Name() Name { return NameConsensusNotReached }
func (LevelProgressed) Name() Name { return NameLevelProgressed }
func (ChatReceived) Name() Name { return NameChatReceived }
func (PlayerActionRecorded) Name() Name { return NamePlayerActionRecorded }
func (GameEventReceived) Name() Name { return NameGameEventReceived }
func (StateUpdated) Name() Name { return NameStateUpdated }
func (SyncConflict) Name() Name { return NameSyncConflict }
func (SyncRejected) Name() Name { return NameSyncRejected }
func (RolledBack) Name() Name { return NameRolledBack }
func (Warning) Name() Name { return NameWarning }
