// Package journal records Event Bus traffic for offline analysis. The
// session never reads the journal back.
package journal

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gorm.io/datatypes"

	"consensus-room/internal/db"
	"consensus-room/internal/eventbus"
)

const (
	defaultQueueSize = 256
	drainTimeout     = 5 * time.Second
)

type record struct {
	ev eventbus.Event
	at time.Time
}

// Journal is an Event Bus subscriber that appends every event of the local
// session to a Store. Events are queued by the bus handler and written by
// Run, so a slow database never blocks the session.
type Journal struct {
	store      Store
	playerName string
	now        func() time.Time
	queue      chan record

	// Owned by the Run goroutine.
	sessionID uint
}

type Option func(*Journal)

// WithPlayerName sets the name stored on sessions the local peer joins.
func WithPlayerName(name string) Option {
	return func(j *Journal) { j.playerName = name }
}

func WithQueueSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.queue = make(chan record, n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

func New(store Store, opts ...Option) *Journal {
	j := &Journal{
		store: store,
		now:   time.Now,
		queue: make(chan record, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Attach subscribes the journal to every event on bus.
func (j *Journal) Attach(bus *eventbus.Bus) eventbus.Subscription {
	return bus.OnAny(j.enqueue)
}

func (j *Journal) enqueue(ev eventbus.Event) {
	select {
	case j.queue <- record{ev: ev, at: j.now().UTC()}:
	default:
		log.Printf("journal queue full, dropping event=%s", ev.Name())
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case rec := <-j.queue:
			j.write(ctx, rec)
		case <-ctx.Done():
			j.drain(ctx)
			return
		}
	}
}

func (j *Journal) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	for {
		select {
		case rec := <-j.queue:
			j.write(drainCtx, rec)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, rec record) {
	switch ev := rec.ev.(type) {
	case eventbus.SessionCreated:
		j.start(ctx, &db.JournalSession{
			RoomCode:   ev.RoomCode,
			PeerID:     ev.HostID,
			PlayerName: ev.PlayerName,
			IsHost:     true,
			StartedAt:  rec.at,
		})
	case eventbus.SessionJoined:
		j.start(ctx, &db.JournalSession{
			RoomCode:   ev.RoomCode,
			PeerID:     ev.PeerID,
			PlayerName: j.playerName,
			StartedAt:  rec.at,
		})
	}
	if j.sessionID == 0 {
		return
	}

	payload, err := json.Marshal(payloadOf(rec.ev))
	if err != nil {
		log.Printf("journal encode failed event=%s err=%v", rec.ev.Name(), err)
		return
	}
	entry := db.JournalEvent{
		SessionID: j.sessionID,
		Type:      string(rec.ev.Name()),
		PeerID:    peerOf(rec.ev),
		Payload:   datatypes.JSON(payload),
		CreatedAt: rec.at,
	}
	if err := j.store.AppendEvent(ctx, &entry); err != nil {
		log.Printf("journal append failed session_id=%d event=%s err=%v", j.sessionID, rec.ev.Name(), err)
	}

	if ev, ok := rec.ev.(eventbus.SessionTerminated); ok {
		if err := j.store.EndSession(ctx, j.sessionID, ev.Reason, rec.at); err != nil {
			log.Printf("journal end failed session_id=%d err=%v", j.sessionID, err)
		}
		j.sessionID = 0
	}
}

func (j *Journal) start(ctx context.Context, session *db.JournalSession) {
	if err := j.store.StartSession(ctx, session); err != nil {
		log.Printf("journal start failed room=%s peer=%s err=%v", session.RoomCode, session.PeerID, err)
		j.sessionID = 0
		return
	}
	j.sessionID = session.ID
}

type warningPayload struct {
	PeerID string `json:"peerId,omitempty"`
	Op     string `json:"op"`
	Error  string `json:"error"`
}

func payloadOf(ev eventbus.Event) any {
	if w, ok := ev.(eventbus.Warning); ok {
		p := warningPayload{PeerID: w.PeerID, Op: w.Op}
		if w.Err != nil {
			p.Error = w.Err.Error()
		}
		return p
	}
	return ev
}

func peerOf(ev eventbus.Event) string {
	switch e := ev.(type) {
	case eventbus.SessionCreated:
		return e.HostID
	case eventbus.SessionJoined:
		return e.PeerID
	case eventbus.PlayerJoined:
		return e.PeerID
	case eventbus.PlayerLeft:
		return e.PeerID
	case eventbus.VoteCast:
		return e.PeerID
	case eventbus.VoteReceived:
		return e.PeerID
	case eventbus.ChatReceived:
		return e.PeerID
	case eventbus.PlayerActionRecorded:
		return e.PeerID
	case eventbus.GameEventReceived:
		return e.SenderID
	case eventbus.StateUpdated:
		return e.SenderID
	case eventbus.SyncConflict:
		return e.SenderID
	case eventbus.SyncRejected:
		return e.SenderID
	case eventbus.Warning:
		return e.PeerID
	}
	return ""
}
