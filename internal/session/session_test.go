package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consensus-room/internal/directory"
	"consensus-room/internal/errs"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
)

func TestCreateRegistersRoom(t *testing.T) {
	h := newHarness(t)
	host := h.peer(testConfig())

	code, err := host.Create(context.Background(), "  Ada  ")
	require.NoError(t, err)
	assert.True(t, protocol.IsRoomCode(code))

	addr, err := h.dir.Resolve(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, "mem://"+host.ID(), addr)

	st := host.Status()
	assert.True(t, st.IsHost)
	assert.True(t, st.Connected)
	assert.Equal(t, "Ada", st.PlayerName)
	assert.Equal(t, protocol.PhaseWaiting, st.Phase)
	assert.Equal(t, 1, st.LevelID)

	created := waitEvent[eventbus.SessionCreated](t, host.rec, nil)
	assert.Equal(t, code, created.RoomCode)
	assert.Equal(t, host.ID(), created.HostID)

	_, err = host.Create(context.Background(), "Ada")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestCreateRejectsBadName(t *testing.T) {
	h := newHarness(t)
	host := h.peer(testConfig())
	_, err := host.Create(context.Background(), "   ")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, 0, h.dir.Len())
}

func TestJoinSyncsRoster(t *testing.T) {
	h := newHarness(t)
	code, host, guests := h.room(testConfig(), 3)

	joined := waitEvent(t, host.rec, func(ev eventbus.PlayerJoined) bool { return ev.PeerID == guests[1].ID() })
	assert.Equal(t, "Guest2", joined.DisplayName)
	assert.Equal(t, 3, joined.TotalPlayers)

	for _, g := range guests {
		st := g.Status()
		assert.False(t, st.IsHost)
		assert.True(t, st.Connected)
		assert.Equal(t, code, st.RoomCode)
	}

	// The first guest learns about the second through the host's roster.
	seen := waitEvent(t, guests[0].rec, func(ev eventbus.PlayerJoined) bool { return ev.PeerID == guests[1].ID() })
	assert.Equal(t, "Guest2", seen.DisplayName)

	players := guests[0].Players()
	require.Len(t, players, 3)
	assert.Equal(t, host.ID(), players[0].ID)
	assert.True(t, players[0].IsHost)
	assert.Equal(t, "Host", players[0].DisplayName)
	var local int
	for _, p := range players {
		if p.IsLocal {
			local++
			assert.Equal(t, guests[0].ID(), p.ID)
		}
	}
	assert.Equal(t, 1, local)

	sj := waitEvent[eventbus.SessionJoined](t, guests[1].rec, nil)
	assert.Equal(t, host.ID(), sj.HostID)
}

func TestJoinNormalizesCode(t *testing.T) {
	h := newHarness(t)
	host := h.peer(testConfig())
	code, err := host.Create(context.Background(), "Host")
	require.NoError(t, err)

	guest := h.peer(testConfig())
	require.NoError(t, guest.Join(context.Background(), " "+strings.ToLower(code)+" ", "Bea"))
	assert.Equal(t, code, guest.RoomCode())
}

func TestJoinUnknownRoom(t *testing.T) {
	h := newHarness(t)
	guest := h.peer(testConfig())

	err := guest.Join(context.Background(), "ABCDEF", "Bea")
	assert.ErrorIs(t, err, errs.ErrConnection)
	assert.False(t, guest.Status().Connected)

	err = guest.Join(context.Background(), "AB", "Bea")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestJoinReplaysDataReceivedDuringConnect(t *testing.T) {
	h := newHarness(t)
	host := h.peer(testConfig())
	code, err := host.Create(context.Background(), "Host")
	require.NoError(t, err)

	gate := newGatedTransport(h.net.Endpoint(NewPeerID()))
	guest, err := New(testConfig(), gate, h.dir, nil, WithClock(h.clock.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = guest.Leave(context.Background()) })
	joined := gatedJoin(t, guest, gate, code)

	// The host pushes its state as soon as the link opens.
	require.Eventually(t, func() bool {
		guest.mu.Lock()
		defer guest.mu.Unlock()
		return len(guest.early) > 0
	}, waitTimeout, 5*time.Millisecond)
	status := guest.Status()
	assert.False(t, status.Connected)
	assert.Equal(t, code, status.RoomCode)
	assert.Empty(t, guest.Players())

	close(gate.release)
	require.NoError(t, <-joined)
	assert.True(t, guest.Status().Connected)
	assert.Len(t, guest.Players(), 2)
}

func TestLeaveDuringConnectCancelsJoin(t *testing.T) {
	h := newHarness(t)
	host := h.peer(testConfig())
	code, err := host.Create(context.Background(), "Host")
	require.NoError(t, err)

	gate := newGatedTransport(h.net.Endpoint(NewPeerID()))
	guest, err := New(testConfig(), gate, h.dir, nil, WithClock(h.clock.now))
	require.NoError(t, err)
	joined := gatedJoin(t, guest, gate, code)

	require.NoError(t, guest.Leave(context.Background()))
	close(gate.release)

	assert.ErrorIs(t, <-joined, errs.ErrConnection)
	assert.False(t, guest.Status().Connected)
	require.Eventually(t, func() bool { return len(host.Players()) == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestJoinFullRoom(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPlayers = 2
	h := newHarness(t)
	code, host, _ := h.room(cfg, 2)

	late := h.peer(cfg)
	err := late.Join(context.Background(), code, "Late")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRoomFull)
	assert.Equal(t, errs.CodeRoomFull, errs.CodeOf(err))
	assert.Len(t, host.Players(), 2)

	// The refused peer can try again elsewhere.
	other := h.peer(cfg)
	otherCode, err := other.Create(context.Background(), "Other")
	require.NoError(t, err)
	require.NoError(t, late.Join(context.Background(), otherCode, "Late"))
}

func TestPendingHandshakesCountTowardCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPlayers = 2
	h := newHarness(t)
	host := h.peer(cfg)
	code, err := host.Create(context.Background(), "Host")
	require.NoError(t, err)

	host.mu.Lock()
	host.pending["in-flight"] = h.clock.now()
	host.mu.Unlock()

	guest := h.peer(cfg)
	assert.ErrorIs(t, guest.Join(context.Background(), code, "Bea"), errs.ErrRoomFull)

	// A handshake older than the connect timeout no longer holds a seat.
	host.mu.Lock()
	host.pending["in-flight"] = h.clock.now().Add(-time.Hour)
	host.mu.Unlock()
	require.NoError(t, guest.Join(context.Background(), code, "Bea"))
}

func TestLeaveByHostTerminatesGuests(t *testing.T) {
	h := newHarness(t)
	code, host, guests := h.room(testConfig(), 3)

	require.NoError(t, host.Leave(context.Background()))

	for _, g := range guests {
		ev := waitEvent[eventbus.SessionTerminated](t, g.rec, nil)
		assert.Equal(t, eventbus.ReasonHostDisconnected, ev.Reason)
		assert.Equal(t, code, ev.RoomCode)
		assert.False(t, g.Status().Connected)
		assert.ErrorIs(t, g.SendChat("still there?"), errs.ErrNotConnected)
	}
	left := waitEvent[eventbus.SessionTerminated](t, host.rec, nil)
	assert.Equal(t, eventbus.ReasonLeft, left.Reason)

	_, err := h.dir.Resolve(context.Background(), code)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestLeaveByGuestUpdatesRoster(t *testing.T) {
	h := newHarness(t)
	_, host, guests := h.room(testConfig(), 3)

	require.NoError(t, guests[1].Leave(context.Background()))

	left := waitEvent(t, host.rec, func(ev eventbus.PlayerLeft) bool { return ev.PeerID == guests[1].ID() })
	assert.Equal(t, 2, left.TotalPlayers)
	waitEvent(t, guests[0].rec, func(ev eventbus.PlayerLeft) bool { return ev.PeerID == guests[1].ID() })
	assert.Len(t, host.Players(), 2)
	require.Eventually(t, func() bool { return len(guests[0].Players()) == 2 }, waitTimeout, 5*time.Millisecond)
	assert.True(t, host.Status().Connected)
}

func TestSendFailureIsReportedAndSkipped(t *testing.T) {
	h := newHarness(t)
	_, host, guests := h.room(testConfig(), 3)
	broken := errors.New("link down")
	h.net.FailSends(host.ID(), guests[0].ID(), broken)

	require.NoError(t, host.StartDiscussion("s1", []string{"x", "y"}))

	warning := waitEvent(t, host.rec, func(ev eventbus.Warning) bool { return ev.PeerID == guests[0].ID() })
	assert.Equal(t, "send", warning.Op)
	assert.ErrorIs(t, warning.Err, broken)
	waitEvent[eventbus.DiscussionStarted](t, guests[1].rec, nil)
	assert.Equal(t, protocol.PhaseDiscussion, host.Status().Phase)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPlayers = 1
	h := newHarness(t)
	_, err := New(cfg, h.net.Endpoint(NewPeerID()), h.dir, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}
