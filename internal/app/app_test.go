package app

import (
	"bytes"
	"context"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consensus-room/internal/config"
	"consensus-room/internal/eventbus"
)

func requireListen(t *testing.T) {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test; listen unavailable: %v", err)
	}
	listener.Close()
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func captureLog(t *testing.T) *logBuffer {
	t.Helper()
	out := &logBuffer{}
	log.SetOutput(out)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return out
}

func startRuntime(t *testing.T, cfg config.Config, opts Options) *Runtime {
	t.Helper()
	rt, err := Start(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	return rt
}

func TestStartRequiresDirectory(t *testing.T) {
	_, err := Start(context.Background(), config.Default(), Options{ServiceName: "test"})
	assert.ErrorIs(t, err, ErrNoDirectory)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ConsensusThreshold = 1.5
	_, err := Start(context.Background(), cfg, Options{ServiceName: "test"})
	assert.Error(t, err)
}

func TestHostAndGuestReachConsensusOverWebsockets(t *testing.T) {
	requireListen(t)
	logs := captureLog(t)

	hostCfg := config.Default()
	hostCfg.ListenAddr = "127.0.0.1:0"
	hostCfg.DirectoryAddr = "127.0.0.1:0"
	host := startRuntime(t, hostCfg, Options{ServiceName: "test-host", Listen: true, ServeDirectory: true})
	require.NotEmpty(t, host.DirectoryURL)

	guestCfg := config.Default()
	guestCfg.DirectoryURL = host.DirectoryURL
	guest := startRuntime(t, guestCfg, Options{ServiceName: "test-peer"})

	reached := make(chan eventbus.ConsensusReached, 2)
	for _, rt := range []*Runtime{host, guest} {
		eventbus.Subscribe(rt.Bus, func(ev eventbus.ConsensusReached) { reached <- ev })
	}
	voting := make(chan struct{}, 1)
	eventbus.Subscribe(guest.Bus, func(eventbus.VotingStarted) { voting <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := host.Session.Create(ctx, "Host")
	require.NoError(t, err)
	require.NoError(t, guest.Session.Join(ctx, code, "Guest"))
	require.Len(t, host.Session.Players(), 2)

	require.NoError(t, host.Session.StartDiscussion("s1", []string{"x", "y"}))
	require.NoError(t, host.Session.StartVoting("s1", nil))
	select {
	case <-voting:
	case <-time.After(5 * time.Second):
		t.Fatalf("guest never saw voting start")
	}
	require.NoError(t, host.Session.CastVote("s1", "y", ""))
	require.NoError(t, guest.Session.CastVote("s1", "y", "agreed"))

	for i := 0; i < 2; i++ {
		select {
		case ev := <-reached:
			assert.Equal(t, "y", ev.Decision)
			assert.Equal(t, 2, ev.TotalPlayers)
		case <-time.After(5 * time.Second):
			t.Fatalf("consensus not reached on both peers")
		}
	}
	assert.Equal(t, 1, logs.count("session created"))
	assert.Equal(t, 1, logs.count("consensus reached"))
}
