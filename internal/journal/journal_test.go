package journal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consensus-room/internal/db"
	"consensus-room/internal/eventbus"
)

type memStore struct {
	mu        sync.Mutex
	nextID    uint
	sessions  []db.JournalSession
	events    []db.JournalEvent
	ended     map[uint]string
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{ended: make(map[uint]string)}
}

func (m *memStore) StartSession(_ context.Context, rec *db.JournalSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.sessions = append(m.sessions, *rec)
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, ev *db.JournalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *memStore) EndSession(_ context.Context, sessionID uint, reason string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[sessionID] = reason
	return nil
}

func (m *memStore) snapshot() ([]db.JournalSession, []db.JournalEvent, map[uint]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ended := make(map[uint]string, len(m.ended))
	for k, v := range m.ended {
		ended[k] = v
	}
	return append([]db.JournalSession(nil), m.sessions...), append([]db.JournalEvent(nil), m.events...), ended
}

func runJournal(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestJournalRecordsHostSession(t *testing.T) {
	store := newMemStore()
	bus := eventbus.New()
	j := New(store)
	j.Attach(bus)
	runJournal(t, j)

	bus.Emit(eventbus.SessionCreated{RoomCode: "ABCDEF", HostID: "h1", PlayerName: "Ada"})
	bus.Emit(eventbus.PlayerJoined{PeerID: "p2", DisplayName: "Bea", TotalPlayers: 2})
	bus.Emit(eventbus.Warning{PeerID: "p2", Op: "send", Err: errors.New("link down")})
	bus.Emit(eventbus.SessionTerminated{RoomCode: "ABCDEF", Reason: eventbus.ReasonLeft})

	require.Eventually(t, func() bool {
		_, _, ended := store.snapshot()
		return len(ended) == 1
	}, time.Second, 5*time.Millisecond)

	sessions, events, ended := store.snapshot()
	require.Len(t, sessions, 1)
	assert.Equal(t, "ABCDEF", sessions[0].RoomCode)
	assert.Equal(t, "h1", sessions[0].PeerID)
	assert.Equal(t, "Ada", sessions[0].PlayerName)
	assert.True(t, sessions[0].IsHost)
	assert.Equal(t, eventbus.ReasonLeft, ended[sessions[0].ID])

	require.Len(t, events, 4)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
		assert.Equal(t, sessions[0].ID, ev.SessionID)
	}
	assert.Equal(t, []string{"session_created", "player_joined", "warning", "session_terminated"}, types)
	assert.Equal(t, "p2", events[1].PeerID)

	var warning map[string]string
	require.NoError(t, json.Unmarshal(events[2].Payload, &warning))
	assert.Equal(t, "link down", warning["error"])
	assert.Equal(t, "send", warning["op"])
}

func TestJournalSkipsEventsOutsideASession(t *testing.T) {
	store := newMemStore()
	bus := eventbus.New()
	j := New(store, WithPlayerName("Bea"))
	j.Attach(bus)
	runJournal(t, j)

	bus.Emit(eventbus.ChatReceived{PeerID: "p1", Text: "early"})
	bus.Emit(eventbus.SessionJoined{RoomCode: "QWERTY", PeerID: "p2", HostID: "h1"})
	bus.Emit(eventbus.VoteCast{PeerID: "p2", ScenarioID: "s1", OptionID: "x"})
	bus.Emit(eventbus.SessionTerminated{RoomCode: "QWERTY", Reason: eventbus.ReasonHostDisconnected})
	bus.Emit(eventbus.ChatReceived{PeerID: "p1", Text: "late"})

	require.Eventually(t, func() bool {
		_, _, ended := store.snapshot()
		return len(ended) == 1
	}, time.Second, 5*time.Millisecond)

	sessions, events, _ := store.snapshot()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Bea", sessions[0].PlayerName)
	assert.False(t, sessions[0].IsHost)
	require.Len(t, events, 3)
	assert.Equal(t, "vote_cast", events[1].Type)
}

func TestJournalKeepsGoingAfterStoreErrors(t *testing.T) {
	store := newMemStore()
	store.appendErr = errors.New("db down")
	bus := eventbus.New()
	j := New(store)
	j.Attach(bus)
	runJournal(t, j)

	bus.Emit(eventbus.SessionCreated{RoomCode: "ABCDEF", HostID: "h1"})
	bus.Emit(eventbus.SessionTerminated{RoomCode: "ABCDEF", Reason: eventbus.ReasonLeft})

	require.Eventually(t, func() bool {
		_, _, ended := store.snapshot()
		return len(ended) == 1
	}, time.Second, 5*time.Millisecond)
	_, events, _ := store.snapshot()
	assert.Empty(t, events)
}

func TestJournalDropsWhenQueueIsFull(t *testing.T) {
	store := newMemStore()
	bus := eventbus.New()
	j := New(store, WithQueueSize(1))
	j.Attach(bus)

	bus.Emit(eventbus.SessionCreated{RoomCode: "ABCDEF", HostID: "h1"})
	bus.Emit(eventbus.LevelProgressed{NewLevel: 2})
	assert.Len(t, j.queue, 1)

	// Run flushes the queued event even when the context is already done.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.Run(ctx)

	sessions, events, _ := store.snapshot()
	require.Len(t, sessions, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "session_created", events[0].Type)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "22001"}))
	assert.False(t, isUniqueViolation(errors.New("plain error")))
}
