// Package statesync keeps a peer's GameState replica converging with the
// host's: full sync, delta and batched sync, conflict resolution and a
// bounded rollback history.
//
// An Engine is not safe for concurrent use. The session serializes access.
package statesync

import (
	"fmt"
	"log"
	"time"

	"consensus-room/internal/errs"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
)

const dedupeWindow = 256

// Config controls synchronization behavior.
type Config struct {
	SyncInterval   time.Duration
	BatchInterval  time.Duration
	DeltaSync      bool
	Strategy       ConflictStrategy
	MaxDesync      time.Duration
	EnableRollback bool
	RollbackDepth  int
	Debug          bool
}

func DefaultConfig() Config {
	return Config{
		SyncInterval:   time.Second,
		BatchInterval:  100 * time.Millisecond,
		DeltaSync:      true,
		Strategy:       StrategyHost,
		MaxDesync:      5 * time.Second,
		EnableRollback: true,
		RollbackDepth:  10,
	}
}

// Conflict describes a detected divergence and how it was resolved.
type Conflict struct {
	Reasons  []string
	Strategy ConflictStrategy
	Accepted bool
}

// Result is the outcome of applying one inbound message.
type Result struct {
	Applied  bool
	Dropped  string
	Conflict *Conflict
	// Reject, when set, should be stamped and sent back to the sender.
	Reject *protocol.SyncRejection
	Events []eventbus.Event
}

// Drop reasons reported in Result.Dropped.
const (
	DropSelf      = "self"
	DropDuplicate = "duplicate"
	DropInvalid   = "invalid"
	DropConflict  = "conflict"
)

type Engine struct {
	cfg     Config
	localID string
	hostID  string
	now     func() time.Time

	state  protocol.GameState
	synced bool

	history *history
	seen    *seenWindow
	queue   []protocol.Message
	stats   counters
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(cfg Config, localID string, opts ...Option) *Engine {
	if cfg.RollbackDepth <= 0 {
		cfg.RollbackDepth = DefaultConfig().RollbackDepth
	}
	e := &Engine{
		cfg:     cfg,
		localID: localID,
		now:     time.Now,
		seen:    newSeenWindow(dedupeWindow),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.history = newHistory(cfg.RollbackDepth)
	e.state = protocol.NewGameState(e.nowMillis())
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// SetHost records who the authoritative peer is. A host engine counts as
// synced from the start.
func (e *Engine) SetHost(hostID string) {
	e.hostID = hostID
	if e.isHost() {
		e.synced = true
	}
}

func (e *Engine) HostID() string { return e.hostID }

func (e *Engine) isHost() bool {
	return e.hostID != "" && e.hostID == e.localID
}

// Synced reports whether a full state has been applied (always true on the host).
func (e *Engine) Synced() bool { return e.synced }

// State returns a deep copy of the replica.
func (e *Engine) State() protocol.GameState { return e.state.Clone() }

func (e *Engine) Phase() protocol.Phase { return e.state.GamePhase }

func (e *Engine) LevelID() int { return e.state.LevelID }

func (e *Engine) ScenarioID() string { return e.state.CurrentScenarioID }

// FullState builds an unstamped game_state_update carrying players.
func (e *Engine) FullState(players []protocol.Peer) *protocol.StateUpdate {
	wire := e.state.Wire()
	return &protocol.StateUpdate{GameState: wire, Players: players}
}

// Submit returns msg if it should be sent now, or nil when it was queued for
// the next batch.
func (e *Engine) Submit(msg protocol.Message) protocol.Message {
	t := msg.MessageType()
	if !e.cfg.DeltaSync || (t != protocol.TypeDelta && t != protocol.TypeGameEvent) {
		return msg
	}
	e.queue = append(e.queue, msg)
	return nil
}

// Flush drains the queue into one batch. It returns nil when nothing is queued.
func (e *Engine) Flush() *protocol.BatchUpdate {
	if len(e.queue) == 0 {
		return nil
	}
	members := e.queue
	e.queue = nil
	batch, err := protocol.NewBatch(members...)
	if err != nil {
		log.Printf("sync batch dropped peer=%s count=%d err=%v", e.localID, len(members), err)
		return nil
	}
	return batch
}

// CountSent adds n sent messages to the stats.
func (e *Engine) CountSent(n int) { e.stats.sent += n }

// Admit runs the checks shared by every inbound message: self filtering,
// sequence id de-duplication and latency sampling. It returns a drop reason
// or "".
func (e *Engine) Admit(h *protocol.Header) string {
	if h.SenderID == e.localID {
		return DropSelf
	}
	if e.seen.observe(h.SequenceID) {
		return DropDuplicate
	}
	e.stats.received++
	if h.Timestamp > 0 {
		e.stats.sample(e.nowMillis() - h.Timestamp)
	}
	return ""
}

// Apply admits and applies a synchronization message. Messages of other
// types are left to the caller.
func (e *Engine) Apply(msg protocol.Message) Result {
	h := msg.Head()
	if reason := e.Admit(h); reason != "" {
		if e.cfg.Debug {
			log.Printf("sync drop peer=%s from=%s type=%s reason=%s", e.localID, h.SenderID, h.Type, reason)
		}
		return Result{Dropped: reason}
	}
	return e.dispatch(msg, h.SenderID)
}

func (e *Engine) dispatch(msg protocol.Message, sender string) Result {
	switch m := msg.(type) {
	case *protocol.StateUpdate:
		return e.applyFullState(m, sender)
	case *protocol.DeltaUpdate:
		return e.applyDelta(m, sender)
	case *protocol.BatchUpdate:
		return e.applyBatch(m, sender)
	case *protocol.GameEvent:
		return e.applyGameEvent(m, sender)
	default:
		return Result{Dropped: DropInvalid}
	}
}

func (e *Engine) applyFullState(msg *protocol.StateUpdate, sender string) Result {
	if msg.GameState == nil {
		return Result{Dropped: DropInvalid}
	}
	if err := protocol.Validator().Struct(msg.GameState); err != nil {
		log.Printf("sync invalid state peer=%s from=%s err=%v", e.localID, sender, err)
		return Result{Dropped: DropInvalid}
	}
	incoming := msg.GameState.State()

	var res Result
	if e.synced {
		if reasons := e.detectConflict(incoming); len(reasons) > 0 {
			e.stats.conflicts++
			v := e.resolve(incoming.Timestamp, sender)
			conflict := &Conflict{Reasons: reasons, Strategy: e.cfg.Strategy, Accepted: v == verdictAccept}
			res.Conflict = conflict
			res.Events = append(res.Events, eventbus.SyncConflict{
				SenderID: sender,
				Strategy: e.cfg.Strategy.String(),
				Reasons:  reasons,
				Accepted: conflict.Accepted,
			})
			log.Printf("sync conflict peer=%s from=%s strategy=%s reasons=%v accepted=%t",
				e.localID, sender, e.cfg.Strategy, reasons, conflict.Accepted)
			switch v {
			case verdictReject:
				res.Dropped = DropConflict
				res.Reject = &protocol.SyncRejection{
					RejectedSequenceID: msg.SequenceID,
					Reason:             protocol.ReasonConflict,
				}
				return res
			case verdictDiscard:
				res.Dropped = DropConflict
				return res
			}
		}
	}

	e.replace(incoming)
	res.Applied = true
	res.Events = append(res.Events, e.stateUpdated(sender))
	return res
}

// detectConflict lists the ways incoming diverges from the replica.
func (e *Engine) detectConflict(incoming protocol.GameState) []string {
	var reasons []string
	diff := incoming.Timestamp - e.state.Timestamp
	if diff < 0 {
		diff = -diff
	}
	if diff > e.cfg.MaxDesync.Milliseconds() {
		reasons = append(reasons, fmt.Sprintf("desync %dms", diff))
	}
	if incoming.GamePhase != e.state.GamePhase {
		reasons = append(reasons, fmt.Sprintf("phase %s != %s", incoming.GamePhase, e.state.GamePhase))
	}
	if incoming.LevelID != e.state.LevelID {
		reasons = append(reasons, fmt.Sprintf("level %d != %d", incoming.LevelID, e.state.LevelID))
	}
	return reasons
}

func (e *Engine) replace(next protocol.GameState) {
	if e.cfg.EnableRollback {
		e.history.push(RollbackEntry{State: e.state.Clone(), Timestamp: e.nowMillis()})
	}
	e.state = next.Clone()
	e.synced = true
}

func (e *Engine) applyBatch(msg *protocol.BatchUpdate, sender string) Result {
	members := msg.Members
	if members == nil && len(msg.Events) > 0 {
		return Result{Dropped: DropInvalid}
	}
	var res Result
	for _, member := range members {
		if member.Head().SenderID != sender {
			continue
		}
		sub := e.dispatch(member, sender)
		res.Applied = res.Applied || sub.Applied
		res.Events = append(res.Events, sub.Events...)
	}
	return res
}

func (e *Engine) applyGameEvent(msg *protocol.GameEvent, sender string) Result {
	res := Result{Applied: true}
	if msg.EventType == "scenario_presented" {
		var data struct {
			ScenarioID string `json:"scenarioId"`
		}
		if err := decodeJSON(msg.EventData, &data); err == nil && data.ScenarioID != "" && sender == e.hostID {
			e.state.CurrentScenarioID = data.ScenarioID
			e.touch()
		}
	}
	res.Events = append(res.Events, eventbus.GameEventReceived{
		SenderID:  sender,
		EventType: msg.EventType,
		EventData: msg.EventData,
	})
	return res
}

// Rollback restores the snapshot taken steps replacements ago.
func (e *Engine) Rollback(steps int) (eventbus.RolledBack, error) {
	if !e.cfg.EnableRollback {
		return eventbus.RolledBack{}, errs.New(errs.CodeValidation, "rollback is disabled")
	}
	entry, err := e.history.take(steps)
	if err != nil {
		return eventbus.RolledBack{}, errs.ValidationError("rollback", err)
	}
	e.state = entry.State.Clone()
	e.stats.rollbacks++
	log.Printf("sync rollback peer=%s steps=%d level=%d phase=%s", e.localID, steps, e.state.LevelID, e.state.GamePhase)
	return eventbus.RolledBack{Steps: steps, LevelID: e.state.LevelID, Phase: e.state.GamePhase}, nil
}

// HistoryDepth is the number of rollback entries available.
func (e *Engine) HistoryDepth() int { return e.history.len() }

func (e *Engine) Stats() Stats {
	return Stats{
		MessagesSent:       e.stats.sent,
		MessagesReceived:   e.stats.received,
		AverageLatency:     e.stats.averageLatency(),
		ConflictsResolved:  e.stats.conflicts,
		RollbacksPerformed: e.stats.rollbacks,
		QueuedMessages:     len(e.queue),
		HistoryDepth:       e.history.len(),
		Phase:              e.state.GamePhase,
		LevelID:            e.state.LevelID,
	}
}

func (e *Engine) stateUpdated(sender string) eventbus.StateUpdated {
	return eventbus.StateUpdated{
		SenderID:   sender,
		LevelID:    e.state.LevelID,
		Phase:      e.state.GamePhase,
		ScenarioID: e.state.CurrentScenarioID,
	}
}

func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

func (e *Engine) touch() {
	e.state.Timestamp = e.nowMillis()
}
