package session

import (
	"log"
	"time"

	"consensus-room/internal/protocol"
)

// phaseTimer is the countdown for the current phase. Expiry is ignored
// unless gen and phase still match when it fires.
type phaseTimer struct {
	gen      uint64
	phase    protocol.Phase
	deadline time.Time
	stop     func() bool
}

func (s *Session) scheduleTimerLocked(phase protocol.Phase, d time.Duration) {
	s.cancelTimerLocked()
	if d <= 0 {
		return
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = &phaseTimer{
		gen:      gen,
		phase:    phase,
		deadline: s.now().Add(d),
		stop:     s.afterFunc(d, func() { s.onTimer(gen, phase) }),
	}
}

// mirrorTimerLocked tracks the host's countdown on a replica for display.
// It never fires.
func (s *Session) mirrorTimerLocked(limitMillis int64) {
	s.cancelTimerLocked()
	if limitMillis <= 0 {
		return
	}
	s.timerGen++
	s.timer = &phaseTimer{
		gen:      s.timerGen,
		phase:    s.engine.Phase(),
		deadline: s.now().Add(time.Duration(limitMillis) * time.Millisecond),
		stop:     func() bool { return false },
	}
}

func (s *Session) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.stop()
		s.timer = nil
	}
}

// CancelTimers stops the running phase countdown, if any.
func (s *Session) CancelTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
}

func (s *Session) onTimer(gen uint64, expected protocol.Phase) {
	s.mu.Lock()
	if s.state != stateActive || !s.isHost || s.timer == nil || s.timer.gen != gen || s.engine.Phase() != expected {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	switch expected {
	case protocol.PhaseDiscussion:
		log.Printf("discussion time expired room=%s scenario=%s", s.roomCode, s.round.scenarioID)
		s.startVotingLocked(s.round.scenarioID, s.round.options)
	case protocol.PhaseVoting:
		log.Printf("voting time expired room=%s scenario=%s", s.roomCode, s.round.scenarioID)
		s.checkConsensusLocked(true)
	}
	s.unlockAndFlush()
}
