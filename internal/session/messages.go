package session

import (
	"context"
	"log"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"consensus-room/internal/errs"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
)

// OnData decodes and routes one inbound message.
func (s *Session) OnData(peerID string, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Printf("message dropped room=%s from=%s err=%v", s.RoomCode(), peerID, err)
		return
	}
	h := msg.Head()
	_, span := s.tracer.Start(context.Background(), "session.receive", trace.WithAttributes(
		attribute.String("message.type", string(h.Type)),
		attribute.String("peer.id", peerID),
	))
	defer span.End()

	s.mu.Lock()
	if s.awaitingHostLocked() {
		s.early = append(s.early, inbound{peerID: peerID, msg: msg, data: data})
		s.mu.Unlock()
		return
	}
	s.receiveLocked(peerID, msg, data)
	s.unlockAndFlush()
}

func (s *Session) receiveLocked(peerID string, msg protocol.Message, data []byte) {
	if s.engine == nil || (s.state != stateActive && s.state != stateJoining) {
		return
	}
	h := msg.Head()
	// Everything the host receives comes straight from the author.
	if s.isHost && h.SenderID != peerID {
		log.Printf("spoofed sender dropped room=%s link=%s sender=%s type=%s", s.roomCode, peerID, h.SenderID, h.Type)
		return
	}

	switch m := msg.(type) {
	case *protocol.StateUpdate, *protocol.DeltaUpdate, *protocol.BatchUpdate, *protocol.GameEvent:
		s.handleSyncLocked(peerID, m, data)
	default:
		if reason := s.engine.Admit(h); reason != "" {
			if s.cfg.Sync.Debug {
				log.Printf("message dropped room=%s from=%s type=%s reason=%s", s.roomCode, h.SenderID, h.Type, reason)
			}
			return
		}
		s.routeLocked(peerID, m, data)
	}
}

func (s *Session) handleSyncLocked(peerID string, msg protocol.Message, raw []byte) {
	res := s.engine.Apply(msg)
	for _, ev := range res.Events {
		s.emit(ev)
	}
	if res.Reject != nil {
		s.sendTo(peerID, res.Reject)
	}
	if res.Dropped != "" {
		return
	}
	switch m := msg.(type) {
	case *protocol.StateUpdate:
		if s.isHost || m.SenderID != s.hostID {
			return
		}
		s.syncRosterLocked(m.Players)
		if res.Applied && s.state == stateJoining {
			s.completeJoinLocked()
		}
	case *protocol.GameEvent:
		if s.isHost {
			s.relay(raw, peerID)
		}
	default:
		if !s.isHost || !res.Applied {
			return
		}
		s.relay(raw, peerID)
		// A full state already in flight to the author may predate this
		// change.
		s.sendTo(peerID, s.engine.FullState(s.roster.peers()))
	}
}

func (s *Session) routeLocked(peerID string, msg protocol.Message, raw []byte) {
	switch m := msg.(type) {
	case *protocol.SyncRequest:
		if s.isHost {
			s.sendTo(peerID, s.engine.FullState(s.roster.peers()))
		}
	case *protocol.SyncRejection:
		s.handleRejectionLocked(m)
	case *protocol.StartDiscussion:
		if s.fromHostLocked(m.Head()) {
			s.applyDiscussionLocked(m)
		}
	case *protocol.StartVoting:
		if s.fromHostLocked(m.Head()) {
			s.applyVotingLocked(m)
		}
	case *protocol.ConsensusReached:
		if s.fromHostLocked(m.Head()) {
			s.applyConsensusLocked(m)
		}
	case *protocol.LevelProgression:
		if s.fromHostLocked(m.Head()) {
			s.applyLevelLocked(m)
		}
	case *protocol.VoteCast:
		s.handleVoteLocked(peerID, m, raw)
	case *protocol.ChatMessage:
		s.handleChatLocked(peerID, m, raw)
	}
}

// fromHostLocked accepts phase messages only on replicas and only from the
// host.
func (s *Session) fromHostLocked(h *protocol.Header) bool {
	if s.isHost || h.SenderID != s.hostID {
		log.Printf("phase message ignored room=%s from=%s type=%s", s.roomCode, h.SenderID, h.Type)
		return false
	}
	return true
}

func (s *Session) handleRejectionLocked(m *protocol.SyncRejection) {
	s.emit(eventbus.SyncRejected{SenderID: m.SenderID, RejectedSequenceID: m.RejectedSequenceID, Reason: m.Reason})
	log.Printf("sync rejected room=%s by=%s seq=%s reason=%s", s.roomCode, m.SenderID, m.RejectedSequenceID, m.Reason)
	if s.isHost || m.SenderID != s.hostID {
		return
	}
	switch m.Reason {
	case protocol.ReasonRoomFull:
		if s.state == stateJoining {
			s.failJoinLocked(errs.RoomFullError(s.roomCode))
		}
	case protocol.ReasonConflict:
		s.sendTo(s.hostID, &protocol.SyncRequest{PlayerName: s.name})
	}
}

func (s *Session) applyDiscussionLocked(m *protocol.StartDiscussion) {
	s.engine.ClearVotes()
	s.engine.SetScenario(m.ScenarioID)
	s.engine.SetPhase(protocol.PhaseDiscussion)
	s.round = round{scenarioID: m.ScenarioID, options: m.Options}
	s.mirrorTimerLocked(m.TimeLimit)
	s.emit(eventbus.DiscussionStarted{
		ScenarioID: m.ScenarioID,
		Options:    slices.Clone(m.Options),
		TimeLimit:  time.Duration(m.TimeLimit) * time.Millisecond,
	})
}

func (s *Session) applyVotingLocked(m *protocol.StartVoting) {
	s.engine.ClearVotes()
	s.engine.SetScenario(m.ScenarioID)
	s.engine.SetPhase(protocol.PhaseVoting)
	s.round = round{scenarioID: m.ScenarioID, options: m.Options}
	s.mirrorTimerLocked(m.TimeLimit)
	s.emit(eventbus.VotingStarted{
		ScenarioID: m.ScenarioID,
		Options:    slices.Clone(m.Options),
		TimeLimit:  time.Duration(m.TimeLimit) * time.Millisecond,
	})
}

func (s *Session) applyConsensusLocked(m *protocol.ConsensusReached) {
	s.cancelTimerLocked()
	s.engine.SetPhase(protocol.PhaseConsensus)
	s.emit(eventbus.ConsensusReached{
		ScenarioID:     m.ScenarioID,
		Decision:       m.Decision,
		VoteCounts:     m.VoteData.VoteCounts,
		ConsensusRatio: m.VoteData.ConsensusRatio,
		TotalVotes:     m.VoteData.TotalVotes,
		TotalPlayers:   m.VoteData.TotalPlayers,
		Forced:         m.VoteData.Forced,
	})
}

func (s *Session) applyLevelLocked(m *protocol.LevelProgression) {
	s.cancelTimerLocked()
	s.engine.SetLevel(m.NewLevel)
	s.round = round{}
	s.emit(eventbus.LevelProgressed{NewLevel: m.NewLevel})
}

func (s *Session) handleVoteLocked(peerID string, m *protocol.VoteCast, raw []byte) {
	if m.PlayerID != m.SenderID {
		log.Printf("vote dropped room=%s sender=%s player=%s", s.roomCode, m.SenderID, m.PlayerID)
		return
	}
	vote := m.Vote
	vote.VoterID = m.PlayerID
	if vote.Timestamp == 0 {
		vote.Timestamp = m.Timestamp
	}
	if err := s.acceptVoteLocked(m.ScenarioID, vote); err != nil {
		log.Printf("vote rejected room=%s from=%s scenario=%s err=%v", s.roomCode, m.SenderID, m.ScenarioID, err)
		if s.isHost {
			s.sendTo(peerID, &protocol.SyncRejection{RejectedSequenceID: m.SequenceID, Reason: protocol.ReasonPhase})
		}
		return
	}
	s.emit(eventbus.VoteReceived{
		PeerID:     m.PlayerID,
		PlayerName: s.displayNameLocked(m.PlayerID, m.PlayerName),
		ScenarioID: m.ScenarioID,
		OptionID:   vote.OptionID,
		Reasoning:  vote.Reasoning,
	})
	if s.isHost {
		s.relay(raw, peerID)
		s.sendTo(peerID, s.engine.FullState(s.roster.peers()))
		s.checkConsensusLocked(false)
	}
}

func (s *Session) handleChatLocked(peerID string, m *protocol.ChatMessage, raw []byte) {
	if !s.cfg.EnableTextChat || m.PlayerID != m.SenderID {
		return
	}
	text, err := protocol.ValidateChat(m.Text)
	if err != nil {
		log.Printf("chat dropped room=%s from=%s err=%v", s.roomCode, m.SenderID, err)
		return
	}
	s.emit(eventbus.ChatReceived{PeerID: m.PlayerID, PlayerName: s.displayNameLocked(m.PlayerID, m.PlayerName), Text: text})
	if s.isHost {
		s.relay(raw, peerID)
	}
}

func (s *Session) displayNameLocked(peerID, fallback string) string {
	if p, ok := s.roster.get(peerID); ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return fallback
}

// SendChat posts a message to the room.
func (s *Session) SendChat(text string) error {
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.cfg.EnableTextChat {
		s.mu.Unlock()
		return errs.New(errs.CodeValidation, "text chat is disabled")
	}
	clean, err := protocol.ValidateChat(text)
	if err != nil {
		s.mu.Unlock()
		return errs.ValidationError("invalid chat message", err)
	}
	s.publish(&protocol.ChatMessage{PlayerID: s.localID, PlayerName: s.name, Text: clean})
	s.emit(eventbus.ChatReceived{PeerID: s.localID, PlayerName: s.name, Text: clean})
	s.unlockAndFlush()
	return nil
}
