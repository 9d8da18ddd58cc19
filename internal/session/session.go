// Package session owns one running game: peer membership, the phased
// decision protocol and the synchronization engine that keeps replicas
// converging with the host.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"consensus-room/internal/directory"
	"consensus-room/internal/errs"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
	"consensus-room/internal/statesync"
	"consensus-room/internal/transport"
)

const maxRoomCodeAttempts = 8

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateJoining
	stateActive
	stateTerminated
)

func (l lifecycle) String() string {
	switch l {
	case stateIdle:
		return "idle"
	case stateJoining:
		return "joining"
	case stateActive:
		return "active"
	default:
		return "terminated"
	}
}

type outgoing struct {
	to         string
	data       []byte
	disconnect bool
}

// timerFunc schedules f after d and returns a stop function.
type timerFunc func(d time.Duration, f func()) func() bool

func defaultAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// NewPeerID returns a fresh peer identity.
func NewPeerID() string {
	return uuid.New().String()
}

// Session is one participant's view of a game. All state is guarded by mu;
// sends and event emission happen after mu is released, in the order they
// were produced.
type Session struct {
	cfg       Config
	tr        transport.Transport
	dir       directory.Directory
	bus       *eventbus.Bus
	tracer    trace.Tracer
	now       func() time.Time
	afterFunc timerFunc

	mu        sync.Mutex
	state     lifecycle
	localID   string
	name      string
	roomCode  string
	hostID    string
	isHost    bool
	roster    *roster
	pending   map[string]time.Time
	engine    *statesync.Engine
	round     round
	timer     *phaseTimer
	timerGen  uint64
	joinWait  chan error
	early     []inbound
	cancelRun context.CancelFunc

	outbox []outgoing
	events []eventbus.Event
	sendMu sync.Mutex
}

// inbound is a link event that arrived while Connect was still running.
type inbound struct {
	peerID string
	msg    protocol.Message
	data   []byte
	closed bool
	err    error
}

// round is the scenario currently under discussion or vote.
type round struct {
	scenarioID string
	options    []string
}

type Option func(*Session)

// WithClock replaces time.Now for stamps and state timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) { s.tracer = tracer }
}

// New wires a session to its transport and directory. The session installs
// itself as the transport's handler.
func New(cfg Config, tr transport.Transport, dir directory.Directory, bus *eventbus.Bus, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.ValidationError("invalid session config", err)
	}
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Session{
		cfg:       cfg,
		tr:        tr,
		dir:       dir,
		bus:       bus,
		tracer:    otel.Tracer("consensus-room/session"),
		now:       time.Now,
		afterFunc: defaultAfterFunc,
		localID:   tr.LocalID(),
		roster:    newRoster(),
		pending:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	tr.SetHandler(s)
	return s, nil
}

func (s *Session) ID() string { return s.localID }

func (s *Session) Bus() *eventbus.Bus { return s.bus }

func (s *Session) Config() Config { return s.cfg }

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isHost
}

func (s *Session) RoomCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode
}

// Create starts a new room with the caller as host and returns its code.
func (s *Session) Create(ctx context.Context, playerName string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "session.create")
	defer span.End()

	name, err := protocol.ValidateName(playerName)
	if err != nil {
		return "", errs.ValidationError("invalid player name", err)
	}
	s.mu.Lock()
	if s.state != stateIdle {
		state := s.state
		s.mu.Unlock()
		return "", errs.ConflictError(fmt.Sprintf("session is %s", state))
	}
	s.state = stateJoining
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	code, err := s.registerRoom(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = stateIdle
		s.mu.Unlock()
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("room.code", code))

	s.mu.Lock()
	s.name = name
	s.roomCode = code
	s.hostID = s.localID
	s.isHost = true
	s.engine = statesync.New(s.cfg.Sync, s.localID, statesync.WithClock(s.now))
	s.engine.SetHost(s.localID)
	s.roster = newRoster()
	s.roster.add(protocol.Peer{ID: s.localID, DisplayName: name, IsHost: true})
	s.state = stateActive
	s.startLoopsLocked()
	s.emit(eventbus.SessionCreated{RoomCode: code, HostID: s.localID, PlayerName: name})
	log.Printf("session created room=%s host=%s addr=%s", code, s.localID, s.tr.Addr())
	s.unlockAndFlush()
	return code, nil
}

func (s *Session) registerRoom(ctx context.Context) (string, error) {
	for range maxRoomCodeAttempts {
		code := protocol.NewRoomCode()
		err := s.dir.Register(ctx, code, s.tr.Addr())
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, directory.ErrTaken) {
			return "", errs.ConnectionError("register room", err)
		}
	}
	return "", errs.ConnectionError("register room", errors.New("no free room code"))
}

// Join connects to the host owning roomCode and blocks until the first full
// state arrives, the host refuses, or the connect timeout expires.
func (s *Session) Join(ctx context.Context, roomCode, playerName string) error {
	code := protocol.NormalizeRoomCode(roomCode)
	ctx, span := s.tracer.Start(ctx, "session.join", trace.WithAttributes(attribute.String("room.code", code)))
	defer span.End()

	name, err := protocol.ValidateName(playerName)
	if err != nil {
		return errs.ValidationError("invalid player name", err)
	}
	if !protocol.IsRoomCode(code) {
		return errs.ValidationError(fmt.Sprintf("invalid room code %q", roomCode), nil)
	}
	s.mu.Lock()
	if s.state != stateIdle {
		state := s.state
		s.mu.Unlock()
		return errs.ConflictError(fmt.Sprintf("session is %s", state))
	}
	s.state = stateJoining
	s.name = name
	s.roomCode = code
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	addr, err := s.dir.Resolve(ctx, code)
	if err != nil {
		s.resetToIdle()
		span.RecordError(err)
		return errs.ConnectionError(fmt.Sprintf("resolve room %s", code), err)
	}

	wait := make(chan error, 1)
	s.mu.Lock()
	s.joinWait = wait
	s.engine = statesync.New(s.cfg.Sync, s.localID, statesync.WithClock(s.now))
	s.mu.Unlock()

	// Link events that arrive before the host id is known are queued in
	// s.early and replayed below.
	remoteID, err := s.tr.Connect(ctx, addr, transport.Metadata{RoomCode: code, DisplayName: name})

	s.mu.Lock()
	if s.state != stateJoining || s.joinWait != wait {
		s.early = nil
		s.mu.Unlock()
		if err == nil {
			_ = s.tr.Disconnect(remoteID)
		}
		return errs.ConnectionError(fmt.Sprintf("join room %s", code), errors.New("join cancelled"))
	}
	if err != nil {
		s.joinWait = nil
		s.engine = nil
		s.early = nil
		s.state = stateIdle
		s.mu.Unlock()
		span.RecordError(err)
		if errors.Is(err, transport.ErrFull) {
			return errs.RoomFullError(code)
		}
		return errs.ConnectionError(fmt.Sprintf("connect to room %s", code), err)
	}
	s.hostID = remoteID
	s.engine.SetHost(remoteID)
	s.roster = newRoster()
	s.roster.add(protocol.Peer{ID: s.localID, DisplayName: name})
	s.roster.add(protocol.Peer{ID: remoteID, IsHost: true})
	early := s.early
	s.early = nil
	for _, in := range early {
		if in.closed {
			s.closeLocked(in.peerID, in.err)
			continue
		}
		s.receiveLocked(in.peerID, in.msg, in.data)
	}
	if s.state == stateJoining {
		s.sendTo(remoteID, &protocol.SyncRequest{PlayerName: name})
	}
	s.unlockAndFlush()

	select {
	case err := <-wait:
		if err != nil {
			s.abortJoin()
			span.RecordError(err)
			return err
		}
		return nil
	case <-ctx.Done():
		s.abortJoin()
		return errs.ConnectionError(fmt.Sprintf("waiting for room %s", code), ctx.Err())
	}
}

// awaitingHostLocked reports whether Join is inside Connect, where the host
// id is not yet known.
func (s *Session) awaitingHostLocked() bool {
	return s.state == stateJoining && s.engine != nil && s.hostID == ""
}

// completeJoinLocked runs when the first full state from the host is applied.
func (s *Session) completeJoinLocked() {
	s.state = stateActive
	s.startLoopsLocked()
	s.emit(eventbus.SessionJoined{RoomCode: s.roomCode, PeerID: s.localID, HostID: s.hostID})
	log.Printf("session joined room=%s peer=%s host=%s", s.roomCode, s.localID, s.hostID)
	if s.joinWait != nil {
		s.joinWait <- nil
		s.joinWait = nil
	}
}

func (s *Session) failJoinLocked(err error) {
	if s.joinWait != nil {
		s.joinWait <- err
		s.joinWait = nil
	}
}

func (s *Session) abortJoin() {
	s.mu.Lock()
	hostID := s.hostID
	s.stopLoopsLocked()
	s.joinWait = nil
	s.early = nil
	s.engine = nil
	s.hostID = ""
	s.roster = newRoster()
	s.state = stateIdle
	s.mu.Unlock()
	if hostID != "" {
		_ = s.tr.Disconnect(hostID)
	}
}

func (s *Session) resetToIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateIdle
	s.roomCode = ""
}

// Leave ends the session for this participant. A host also releases the
// room code.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateIdle:
		s.mu.Unlock()
		return nil
	case stateTerminated:
		s.mu.Unlock()
		return s.tr.Close()
	}
	wasHost := s.isHost
	code := s.roomCode
	s.terminateLocked(eventbus.ReasonLeft)
	s.unlockAndFlush()

	if wasHost {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		if err := s.dir.Unregister(ctx, code); err != nil && !errors.Is(err, directory.ErrNotFound) {
			log.Printf("room unregister failed room=%s err=%v", code, err)
		}
	}
	return s.tr.Close()
}

func (s *Session) terminateLocked(reason string) {
	if s.state == stateTerminated {
		return
	}
	if s.state == stateJoining {
		s.failJoinLocked(errs.ConnectionError("session terminated", errors.New(reason)))
	}
	s.state = stateTerminated
	s.cancelTimerLocked()
	s.stopLoopsLocked()
	s.emit(eventbus.SessionTerminated{RoomCode: s.roomCode, Reason: reason})
	log.Printf("session terminated room=%s peer=%s reason=%s", s.roomCode, s.localID, reason)
}

// Status is a snapshot of the session for display.
type Status struct {
	PlayerID         string
	PlayerName       string
	RoomCode         string
	IsHost           bool
	Connected        bool
	ConnectedPlayers int
	MaxPlayers       int
	Phase            protocol.Phase
	LevelID          int
	ScenarioID       string
	Options          []string
	TotalVotes       int
	TimeRemaining    time.Duration
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		PlayerID:         s.localID,
		PlayerName:       s.name,
		RoomCode:         s.roomCode,
		IsHost:           s.isHost,
		Connected:        s.state == stateActive,
		ConnectedPlayers: s.roster.len(),
		MaxPlayers:       s.cfg.MaxPlayers,
		Phase:            protocol.PhaseWaiting,
		LevelID:          1,
		Options:          append([]string(nil), s.round.options...),
	}
	if s.engine != nil {
		st.Phase = s.engine.Phase()
		st.LevelID = s.engine.LevelID()
		st.ScenarioID = s.engine.ScenarioID()
		st.TotalVotes = len(s.engine.Votes())
	}
	if s.timer != nil {
		st.TimeRemaining = max(s.timer.deadline.Sub(s.now()), 0)
	}
	return st
}

// Players lists the roster in join order, marking the caller as local.
func (s *Session) Players() []protocol.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.roster.peers()
	for i := range peers {
		peers[i].IsLocal = peers[i].ID == s.localID
	}
	return peers
}

// State returns a copy of the local replica.
func (s *Session) State() protocol.GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return protocol.NewGameState(s.now().UnixMilli())
	}
	return s.engine.State()
}

func (s *Session) requireActiveLocked() error {
	if s.state != stateActive {
		return errs.ErrNotConnected
	}
	return nil
}

func (s *Session) requireHostLocked(operation string) error {
	if err := s.requireActiveLocked(); err != nil {
		return err
	}
	if !s.isHost {
		log.Printf("host-only operation refused room=%s peer=%s op=%q", s.roomCode, s.localID, operation)
		return errs.PermissionError(operation)
	}
	return nil
}

func (s *Session) startLoopsLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	go s.run(ctx, s.isHost)
}

func (s *Session) stopLoopsLocked() {
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
}

func (s *Session) run(ctx context.Context, host bool) {
	interval := s.cfg.Sync.BatchInterval
	if interval <= 0 {
		interval = statesync.DefaultConfig().BatchInterval
	}
	batch := time.NewTicker(interval)
	defer batch.Stop()

	var fullSync <-chan time.Time
	if host && s.cfg.Sync.SyncInterval > 0 {
		ticker := time.NewTicker(s.cfg.Sync.SyncInterval)
		defer ticker.Stop()
		fullSync = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-batch.C:
			s.flushBatch()
		case <-fullSync:
			s.periodicSync()
		}
	}
}

// sendTo stamps msg and queues it for one peer.
func (s *Session) sendTo(peerID string, msg protocol.Message) {
	data, ok := s.encodeLocked(msg)
	if !ok {
		return
	}
	s.outbox = append(s.outbox, outgoing{to: peerID, data: data})
	s.engine.CountSent(1)
}

// broadcast stamps msg once and queues it for every other roster member.
func (s *Session) broadcast(msg protocol.Message, except ...string) {
	data, ok := s.encodeLocked(msg)
	if !ok {
		return
	}
	s.fanOut(data, except...)
}

// relay forwards raw bytes from one peer to the rest of the room.
func (s *Session) relay(data []byte, from string) {
	s.fanOut(data, from)
}

func (s *Session) fanOut(data []byte, except ...string) {
	for _, id := range s.roster.ids(append(except, s.localID)...) {
		s.outbox = append(s.outbox, outgoing{to: id, data: data})
		s.engine.CountSent(1)
	}
}

// publish sends a peer-originated message: the host broadcasts, everyone
// else goes through the host.
func (s *Session) publish(msg protocol.Message) {
	if s.isHost {
		s.broadcast(msg)
		return
	}
	s.sendTo(s.hostID, msg)
}

func (s *Session) encodeLocked(msg protocol.Message) ([]byte, bool) {
	if msg.Head().SenderID == "" {
		protocol.Stamp(msg, s.localID, s.now())
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("encode failed room=%s type=%s err=%v", s.roomCode, msg.MessageType(), err)
		return nil, false
	}
	return data, true
}

func (s *Session) emit(ev eventbus.Event) {
	s.events = append(s.events, ev)
}

// unlockAndFlush releases mu, then performs the queued sends and emits the
// queued events. sendMu is taken before mu is released so that sends leave
// in the order their state changes were made.
func (s *Session) unlockAndFlush() {
	out := s.outbox
	events := s.events
	s.outbox = nil
	s.events = nil
	room := s.roomCode
	s.sendMu.Lock()
	s.mu.Unlock()

	var warnings []eventbus.Event
	for _, o := range out {
		if err := s.tr.Send(o.to, o.data); err != nil {
			log.Printf("send failed room=%s peer=%s err=%v", room, o.to, err)
			warnings = append(warnings, eventbus.Warning{PeerID: o.to, Op: "send", Err: err})
		}
		if o.disconnect {
			_ = s.tr.Disconnect(o.to)
		}
	}
	s.sendMu.Unlock()

	for _, ev := range events {
		s.bus.Emit(ev)
	}
	for _, ev := range warnings {
		s.bus.Emit(ev)
	}
}
