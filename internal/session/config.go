package session

import (
	"fmt"
	"time"

	"consensus-room/internal/statesync"
)

// CollaborationMode changes how votes turn into a decision.
type CollaborationMode string

const (
	ModeConsensus  CollaborationMode = "consensus"
	ModeMajority   CollaborationMode = "majority"
	ModeDiscussion CollaborationMode = "discussion"
)

func (m CollaborationMode) Valid() bool {
	switch m {
	case ModeConsensus, ModeMajority, ModeDiscussion:
		return true
	default:
		return false
	}
}

type Config struct {
	MinPlayers          int
	MaxPlayers          int
	DiscussionTimeLimit time.Duration
	VotingTimeLimit     time.Duration
	ConsensusThreshold  float64
	CollaborationMode   CollaborationMode
	AllowRevoting       bool
	EnableTextChat      bool
	ConnectTimeout      time.Duration
	Sync                statesync.Config
}

func DefaultConfig() Config {
	return Config{
		MinPlayers:          2,
		MaxPlayers:          4,
		DiscussionTimeLimit: 120 * time.Second,
		VotingTimeLimit:     60 * time.Second,
		ConsensusThreshold:  0.75,
		CollaborationMode:   ModeConsensus,
		AllowRevoting:       true,
		EnableTextChat:      true,
		ConnectTimeout:      10 * time.Second,
		Sync:                statesync.DefaultConfig(),
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.MinPlayers < 1 {
		return fmt.Errorf("min players must be at least 1")
	}
	if c.MaxPlayers < c.MinPlayers {
		return fmt.Errorf("max players %d is below min players %d", c.MaxPlayers, c.MinPlayers)
	}
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus threshold must be in (0, 1], got %v", c.ConsensusThreshold)
	}
	if !c.CollaborationMode.Valid() {
		return fmt.Errorf("unknown collaboration mode %q", c.CollaborationMode)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}
