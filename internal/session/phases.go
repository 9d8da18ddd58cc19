package session

import (
	"fmt"
	"log"
	"slices"

	"consensus-room/internal/errs"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
)

// phaseTransitions lists the phases each phase may move to. Voting may be
// restarted for a re-vote on the same or a new scenario.
var phaseTransitions = map[protocol.Phase][]protocol.Phase{
	protocol.PhaseWaiting:     {protocol.PhaseDiscussion},
	protocol.PhaseDiscussion:  {protocol.PhaseVoting},
	protocol.PhaseVoting:      {protocol.PhaseVoting, protocol.PhaseConsensus},
	protocol.PhaseConsensus:   {protocol.PhaseProgression},
	protocol.PhaseProgression: {protocol.PhaseDiscussion},
}

func canTransition(from, to protocol.Phase) bool {
	return slices.Contains(phaseTransitions[from], to)
}

func validateRound(scenarioID string, options []string) (string, []string, error) {
	id, err := protocol.ValidateOption(scenarioID)
	if err != nil {
		return "", nil, errs.ValidationError("invalid scenario id", err)
	}
	if len(options) == 0 {
		return "", nil, errs.ValidationError("at least one option is required", nil)
	}
	clean := make([]string, 0, len(options))
	for _, option := range options {
		opt, err := protocol.ValidateOption(option)
		if err != nil {
			return "", nil, errs.ValidationError("invalid option", err)
		}
		if slices.Contains(clean, opt) {
			return "", nil, errs.ValidationError("duplicate option "+opt, nil)
		}
		clean = append(clean, opt)
	}
	return id, clean, nil
}

// StartDiscussion opens discussion of a scenario. Host only.
func (s *Session) StartDiscussion(scenarioID string, options []string) error {
	s.mu.Lock()
	if err := s.requireHostLocked("start discussion"); err != nil {
		s.mu.Unlock()
		return err
	}
	phase := s.engine.Phase()
	if !canTransition(phase, protocol.PhaseDiscussion) {
		s.mu.Unlock()
		return errs.InvalidPhaseError("start discussion", string(phase))
	}
	if phase == protocol.PhaseWaiting && s.roster.len() < s.cfg.MinPlayers {
		s.mu.Unlock()
		return errs.ValidationError(fmt.Sprintf("need at least %d players to start", s.cfg.MinPlayers), nil)
	}
	id, opts, err := validateRound(scenarioID, options)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	limit := s.cfg.DiscussionTimeLimit
	s.engine.ClearVotes()
	s.engine.SetScenario(id)
	s.engine.SetPhase(protocol.PhaseDiscussion)
	s.round = round{scenarioID: id, options: opts}
	s.scheduleTimerLocked(protocol.PhaseDiscussion, limit)
	s.broadcast(&protocol.StartDiscussion{ScenarioID: id, Options: opts, TimeLimit: limit.Milliseconds()})
	s.emit(eventbus.DiscussionStarted{ScenarioID: id, Options: slices.Clone(opts), TimeLimit: limit})
	log.Printf("discussion started room=%s scenario=%s options=%v limit=%s", s.roomCode, id, opts, limit)
	s.unlockAndFlush()
	return nil
}

// StartVoting opens voting. Called during voting it restarts the round with
// fresh votes. A nil options list reuses the current scenario's options.
func (s *Session) StartVoting(scenarioID string, options []string) error {
	s.mu.Lock()
	if err := s.requireHostLocked("start voting"); err != nil {
		s.mu.Unlock()
		return err
	}
	if phase := s.engine.Phase(); !canTransition(phase, protocol.PhaseVoting) {
		s.mu.Unlock()
		return errs.InvalidPhaseError("start voting", string(phase))
	}
	if options == nil && scenarioID == s.round.scenarioID {
		options = s.round.options
	}
	id, opts, err := validateRound(scenarioID, options)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.startVotingLocked(id, opts)
	s.unlockAndFlush()
	return nil
}

func (s *Session) startVotingLocked(scenarioID string, options []string) {
	limit := s.cfg.VotingTimeLimit
	s.engine.ClearVotes()
	s.engine.SetScenario(scenarioID)
	s.engine.SetPhase(protocol.PhaseVoting)
	s.round = round{scenarioID: scenarioID, options: options}
	s.scheduleTimerLocked(protocol.PhaseVoting, limit)
	s.broadcast(&protocol.StartVoting{ScenarioID: scenarioID, Options: options, TimeLimit: limit.Milliseconds()})
	s.emit(eventbus.VotingStarted{ScenarioID: scenarioID, Options: slices.Clone(options), TimeLimit: limit})
	log.Printf("voting started room=%s scenario=%s limit=%s", s.roomCode, scenarioID, limit)
}

// CastVote records the local player's vote for the current scenario.
func (s *Session) CastVote(scenarioID, optionID, reasoning string) error {
	s.mu.Lock()
	if err := s.requireActiveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	option, err := protocol.ValidateOption(optionID)
	if err != nil {
		s.mu.Unlock()
		return errs.ValidationError("invalid option", err)
	}
	if len(reasoning) > protocol.MaxReasonLength {
		s.mu.Unlock()
		return errs.ValidationError("reasoning is too long", nil)
	}
	vote := protocol.Vote{
		VoterID:   s.localID,
		OptionID:  option,
		Reasoning: reasoning,
		Timestamp: protocol.Millis(s.now()),
	}
	if err := s.acceptVoteLocked(scenarioID, vote); err != nil {
		s.mu.Unlock()
		return err
	}
	s.publish(&protocol.VoteCast{PlayerID: s.localID, PlayerName: s.name, ScenarioID: scenarioID, Vote: vote})
	s.emit(eventbus.VoteCast{PeerID: s.localID, ScenarioID: scenarioID, OptionID: option})
	if s.isHost {
		s.checkConsensusLocked(false)
	}
	s.unlockAndFlush()
	return nil
}

// acceptVoteLocked checks a vote against the current round and records it.
func (s *Session) acceptVoteLocked(scenarioID string, vote protocol.Vote) error {
	if phase := s.engine.Phase(); phase != protocol.PhaseVoting {
		return errs.InvalidPhaseError("cast vote", string(phase))
	}
	if scenarioID != s.engine.ScenarioID() {
		return errs.ValidationError("vote for scenario "+scenarioID+" outside the current round", nil)
	}
	if len(s.round.options) > 0 && !slices.Contains(s.round.options, vote.OptionID) {
		return errs.ValidationError("unknown option "+vote.OptionID, nil)
	}
	if _, voted := s.engine.Vote(vote.VoterID); voted && !s.cfg.AllowRevoting {
		return errs.ConflictError("vote already cast")
	}
	s.engine.RecordVote(vote)
	return nil
}

// ProgressToNextLevel moves from consensus to the next level. Host only.
func (s *Session) ProgressToNextLevel() (int, error) {
	s.mu.Lock()
	if err := s.requireHostLocked("progress to the next level"); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if phase := s.engine.Phase(); !canTransition(phase, protocol.PhaseProgression) {
		s.mu.Unlock()
		return 0, errs.InvalidPhaseError("progress to the next level", string(phase))
	}
	s.cancelTimerLocked()
	level := s.engine.AdvanceLevel()
	s.round = round{}
	s.broadcast(&protocol.LevelProgression{NewLevel: level})
	s.emit(eventbus.LevelProgressed{NewLevel: level})
	log.Printf("level progressed room=%s level=%d", s.roomCode, level)
	s.unlockAndFlush()
	return level, nil
}
