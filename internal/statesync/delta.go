package statesync

import (
	"encoding/json"
	"errors"
	"log"
	"maps"
	"slices"

	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
)

// Delta keys understood by the engine.
const (
	KeyLevelID       = "levelId"
	KeyScenarioID    = "currentScenarioId"
	KeyGamePhase     = "gamePhase"
	KeyPlayerActions = "playerActions"
	KeyVotes         = "votes"
)

// NewDelta builds an unstamped delta from Go values.
func NewDelta(changes map[string]any) (*protocol.DeltaUpdate, error) {
	out := make(map[string]json.RawMessage, len(changes))
	for key, value := range changes {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		out[key] = data
	}
	return &protocol.DeltaUpdate{Changes: out}, nil
}

// applyDelta overwrites scalar keys and merges the per-peer maps entry by
// entry. Only the host may change scalar keys and votes; other senders may
// only touch their own player actions.
func (e *Engine) applyDelta(msg *protocol.DeltaUpdate, sender string) Result {
	fromHost := sender == e.hostID
	changed := false
	var events []eventbus.Event

	for _, key := range slices.Sorted(maps.Keys(msg.Changes)) {
		raw := msg.Changes[key]
		switch key {
		case KeyLevelID:
			var level int
			if !fromHost || decodeJSON(raw, &level) != nil || level < 1 {
				continue
			}
			e.state.LevelID = level
			changed = true
		case KeyScenarioID:
			var scenario string
			if !fromHost || decodeJSON(raw, &scenario) != nil {
				continue
			}
			e.state.CurrentScenarioID = scenario
			changed = true
		case KeyGamePhase:
			var phase protocol.Phase
			if !fromHost || decodeJSON(raw, &phase) != nil || !phase.Valid() {
				continue
			}
			e.state.GamePhase = phase
			changed = true
		case KeyPlayerActions:
			var entries map[string]*protocol.Action
			if err := decodeJSON(raw, &entries); err != nil {
				log.Printf("sync delta skipped peer=%s from=%s key=%s err=%v", e.localID, sender, key, err)
				continue
			}
			for _, id := range slices.Sorted(maps.Keys(entries)) {
				if !fromHost && id != sender {
					continue
				}
				action := entries[id]
				if action == nil {
					delete(e.state.PlayerActions, id)
					changed = true
					continue
				}
				action.PlayerID = id
				e.state.PlayerActions[id] = *action
				changed = true
				events = append(events, eventbus.PlayerActionRecorded{
					PeerID:     id,
					ActionType: action.ActionType,
					Data:       action.Data,
				})
			}
		case KeyVotes:
			// Peers cast votes with vote_cast so the host can check them.
			if !fromHost {
				continue
			}
			var entries map[string]*protocol.Vote
			if err := decodeJSON(raw, &entries); err != nil {
				log.Printf("sync delta skipped peer=%s from=%s key=%s err=%v", e.localID, sender, key, err)
				continue
			}
			for _, id := range slices.Sorted(maps.Keys(entries)) {
				vote := entries[id]
				if vote == nil {
					delete(e.state.Votes, id)
					changed = true
					continue
				}
				if e.state.GamePhase != protocol.PhaseVoting || vote.OptionID == "" {
					continue
				}
				vote.VoterID = id
				e.state.Votes[id] = *vote
				changed = true
			}
		default:
			if e.cfg.Debug {
				log.Printf("sync delta unknown key peer=%s from=%s key=%s", e.localID, sender, key)
			}
		}
	}

	if !changed {
		return Result{Events: events}
	}
	e.touch()
	events = append(events, e.stateUpdated(sender))
	return Result{Applied: true, Events: events}
}

func decodeJSON(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("empty value")
	}
	return json.Unmarshal(raw, v)
}
