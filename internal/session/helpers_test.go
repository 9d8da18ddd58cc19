package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"consensus-room/internal/directory"
	"consensus-room/internal/eventbus"
	"consensus-room/internal/transport"
)

const waitTimeout = 2 * time.Second

// tickClock advances one millisecond per reading, so timestamps taken in
// sequence are strictly ordered across every peer sharing it.
type tickClock struct {
	base  time.Time
	ticks atomic.Int64
}

func (c *tickClock) now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Millisecond)
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) func() bool {
	timer := &fakeTimer{d: d, f: f}
	ft.mu.Lock()
	ft.timers = append(ft.timers, timer)
	ft.mu.Unlock()
	return func() bool { return !timer.stopped.Swap(true) }
}

// fire runs the i-th scheduled callback even when it was stopped, the way a
// timer that raced its Stop would.
func (ft *fakeTimers) fire(i int) {
	ft.mu.Lock()
	timer := ft.timers[i]
	ft.mu.Unlock()
	timer.f()
}

// fireLatest runs the most recent timer that is still armed.
func (ft *fakeTimers) fireLatest(t *testing.T) time.Duration {
	t.Helper()
	ft.mu.Lock()
	var armed *fakeTimer
	for i := len(ft.timers) - 1; i >= 0; i-- {
		if !ft.timers[i].stopped.Load() {
			armed = ft.timers[i]
			break
		}
	}
	ft.mu.Unlock()
	require.NotNil(t, armed, "no armed timer")
	armed.stopped.Store(true)
	armed.f()
	return armed.d
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) record(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

func eventsOf[T eventbus.Event](r *recorder) []T {
	var out []T
	for _, ev := range r.all() {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// waitEvent blocks until the recorder holds an event of type T accepted by
// match (nil matches any).
func waitEvent[T eventbus.Event](t *testing.T, r *recorder, match func(T) bool) T {
	t.Helper()
	var found T
	var mu sync.Mutex
	require.Eventually(t, func() bool {
		for _, ev := range eventsOf[T](r) {
			if match == nil || match(ev) {
				mu.Lock()
				found = ev
				mu.Unlock()
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	return found
}

type testPeer struct {
	*Session
	rec    *recorder
	timers *fakeTimers
}

type harness struct {
	t     *testing.T
	net   *transport.MemoryNetwork
	dir   *directory.Memory
	clock *tickClock
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:     t,
		net:   transport.NewMemoryNetwork(),
		dir:   directory.NewMemory(),
		clock: &tickClock{base: time.UnixMilli(1700000000000)},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = waitTimeout
	cfg.Sync.SyncInterval = time.Hour
	cfg.Sync.BatchInterval = 10 * time.Millisecond
	return cfg
}

func (h *harness) peer(cfg Config) *testPeer {
	h.t.Helper()
	bus := eventbus.New()
	rec := &recorder{}
	bus.OnAny(rec.record)
	s, err := New(cfg, h.net.Endpoint(NewPeerID()), h.dir, bus, WithClock(h.clock.now))
	require.NoError(h.t, err)
	timers := &fakeTimers{}
	s.afterFunc = timers.afterFunc
	h.t.Cleanup(func() { _ = s.Leave(context.Background()) })
	return &testPeer{Session: s, rec: rec, timers: timers}
}

// room starts a host and joins size-1 guests, returning once every member
// sees the full roster.
func (h *harness) room(cfg Config, size int) (string, *testPeer, []*testPeer) {
	h.t.Helper()
	ctx := context.Background()
	host := h.peer(cfg)
	code, err := host.Create(ctx, "Host")
	require.NoError(h.t, err)

	var guests []*testPeer
	for i := range size - 1 {
		guest := h.peer(cfg)
		require.NoError(h.t, guest.Join(ctx, code, fmt.Sprintf("Guest%d", i+1)))
		guests = append(guests, guest)
	}
	everyone := append([]*testPeer{host}, guests...)
	require.Eventually(h.t, func() bool {
		for _, p := range everyone {
			if len(p.Players()) != size {
				return false
			}
		}
		return true
	}, waitTimeout, 5*time.Millisecond)
	return code, host, guests
}

// openVoting runs the room into the voting phase for scenario with options
// and waits for every guest to follow.
func openVoting(t *testing.T, host *testPeer, guests []*testPeer, scenario string, options ...string) {
	t.Helper()
	require.NoError(t, host.StartDiscussion(scenario, options))
	require.NoError(t, host.StartVoting(scenario, nil))
	for _, g := range guests {
		waitEvent(t, g.rec, func(ev eventbus.VotingStarted) bool { return ev.ScenarioID == scenario })
	}
}

// gatedTransport holds Connect open after the link is up until release is
// closed.
type gatedTransport struct {
	transport.Transport
	connected chan struct{}
	release   chan struct{}
}

func newGatedTransport(inner transport.Transport) *gatedTransport {
	return &gatedTransport{Transport: inner, connected: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTransport) Connect(ctx context.Context, addr string, meta transport.Metadata) (string, error) {
	remoteID, err := g.Transport.Connect(ctx, addr, meta)
	close(g.connected)
	<-g.release
	return remoteID, err
}

// gatedJoin starts guest.Join in the background and returns once Connect is
// parked on the gate.
func gatedJoin(t *testing.T, guest *Session, gate *gatedTransport, code string) <-chan error {
	t.Helper()
	joined := make(chan error, 1)
	go func() { joined <- guest.Join(context.Background(), code, "Guest") }()
	select {
	case <-gate.connected:
	case err := <-joined:
		t.Fatalf("join returned before connect: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("connect never started")
	}
	return joined
}
