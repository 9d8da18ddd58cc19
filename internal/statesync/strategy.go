package statesync

import (
	"fmt"
	"strings"
)

// ConflictStrategy selects how a conflicting full state is resolved.
type ConflictStrategy int

const (
	StrategyHost ConflictStrategy = iota
	StrategyTimestamp
	StrategyVote
	StrategyLastWriterWins
)

func (s ConflictStrategy) String() string {
	switch s {
	case StrategyHost:
		return "host"
	case StrategyTimestamp:
		return "timestamp"
	case StrategyVote:
		return "vote"
	case StrategyLastWriterWins:
		return "last_writer_wins"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy accepts the names produced by String.
func ParseStrategy(value string) (ConflictStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "host":
		return StrategyHost, nil
	case "timestamp":
		return StrategyTimestamp, nil
	case "vote":
		return StrategyVote, nil
	case "last_writer_wins", "lww":
		return StrategyLastWriterWins, nil
	default:
		return StrategyHost, fmt.Errorf("unknown conflict strategy %q", value)
	}
}

// UnmarshalText lets env parsers decode a strategy name.
func (s *ConflictStrategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type verdict int

const (
	verdictAccept verdict = iota
	verdictReject
	verdictDiscard
)

// resolve decides what to do with a conflicting state from sender. Reject
// answers the sender with a sync_rejection, discard drops silently.
func (e *Engine) resolve(incomingTimestamp int64, sender string) verdict {
	switch e.cfg.Strategy {
	case StrategyHost:
		if sender == e.hostID {
			return verdictAccept
		}
		if e.isHost() {
			return verdictReject
		}
		return verdictDiscard
	case StrategyTimestamp:
		if incomingTimestamp > e.state.Timestamp {
			return verdictAccept
		}
		return verdictReject
	case StrategyVote:
		// Peer voting on conflicting states is not implemented; keep local.
		return verdictDiscard
	case StrategyLastWriterWins:
		return verdictAccept
	}
	return verdictDiscard
}
