package session

import (
	"encoding/json"
	"log"

	"consensus-room/internal/errs"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
	"consensus-room/internal/statesync"
)

// RecordAction stores an action for the local player and propagates it as
// a delta.
func (s *Session) RecordAction(actionType string, data any) error {
	if actionType == "" {
		return errs.ValidationError("action type is required", nil)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return errs.ValidationError("action data is not serializable", err)
	}
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	action := protocol.Action{
		PlayerID:   s.localID,
		ActionType: actionType,
		Data:       payload,
		Timestamp:  protocol.Millis(s.now()),
	}
	s.engine.RecordAction(action)
	delta, err := statesync.NewDelta(map[string]any{
		statesync.KeyPlayerActions: map[string]protocol.Action{s.localID: action},
	})
	if err != nil {
		s.mu.Unlock()
		return errs.ValidationError("build delta", err)
	}
	s.submitLocked(delta)
	s.emit(eventbus.PlayerActionRecorded{PeerID: s.localID, ActionType: actionType, Data: payload})
	s.unlockAndFlush()
	return nil
}

// SyncGameEvent shares an application event with the room.
func (s *Session) SyncGameEvent(eventType string, data any) error {
	if eventType == "" {
		return errs.ValidationError("event type is required", nil)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return errs.ValidationError("event data is not serializable", err)
	}
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.submitLocked(&protocol.GameEvent{EventType: eventType, EventData: payload})
	s.unlockAndFlush()
	return nil
}

// submitLocked stamps msg and either sends it now or leaves it queued for
// the next batch.
func (s *Session) submitLocked(msg protocol.Message) {
	protocol.Stamp(msg, s.localID, s.now())
	if out := s.engine.Submit(msg); out != nil {
		s.publish(out)
	}
}

func (s *Session) flushBatch() {
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return
	}
	if batch := s.engine.Flush(); batch != nil {
		s.publish(batch)
	}
	s.unlockAndFlush()
}

// periodicSync pushes the authoritative state to every replica.
func (s *Session) periodicSync() {
	s.mu.Lock()
	if s.state != stateActive || !s.isHost {
		s.mu.Unlock()
		return
	}
	s.broadcastStateLocked()
	s.unlockAndFlush()
}

// RequestSync asks the host for a fresh full state.
func (s *Session) RequestSync() error {
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.isHost {
		s.mu.Unlock()
		return nil
	}
	s.sendTo(s.hostID, &protocol.SyncRequest{PlayerName: s.name})
	s.unlockAndFlush()
	return nil
}

// Rollback restores an earlier replica state. The host state is
// authoritative and is never rolled back.
func (s *Session) Rollback(steps int) error {
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.isHost {
		s.mu.Unlock()
		return errs.New(errs.CodeValidation, "host state cannot be rolled back")
	}
	ev, err := s.engine.Rollback(steps)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.emit(ev)
	log.Printf("state rolled back room=%s peer=%s steps=%d", s.roomCode, s.localID, steps)
	s.unlockAndFlush()
	return nil
}

// Stats reports synchronization counters.
func (s *Session) Stats() statesync.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return statesync.Stats{}
	}
	return s.engine.Stats()
}
