package transport

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type received struct {
	from string
	data string
}

type recorder struct {
	mu     sync.Mutex
	accept func(peerID string, meta Metadata) error
	opened []string
	metas  []Metadata
	data   chan received
	closed chan string
}

func newRecorder() *recorder {
	return &recorder{
		data:   make(chan received, 64),
		closed: make(chan string, 8),
	}
}

func (r *recorder) Accept(peerID string, meta Metadata) error {
	if r.accept != nil {
		return r.accept(peerID, meta)
	}
	return nil
}

func (r *recorder) OnOpen(peerID string, meta Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, peerID)
	r.metas = append(r.metas, meta)
}

func (r *recorder) OnData(peerID string, data []byte) {
	r.data <- received{from: peerID, data: string(data)}
}

func (r *recorder) OnClose(peerID string, err error) {
	r.closed <- peerID
}

func (r *recorder) openedPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opened...)
}

func expectData(t *testing.T, r *recorder, timeout time.Duration) received {
	t.Helper()
	select {
	case got := <-r.data:
		return got
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for data")
		return received{}
	}
}

func expectClosed(t *testing.T, r *recorder, timeout time.Duration) string {
	t.Helper()
	select {
	case id := <-r.closed:
		return id
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for close")
		return ""
	}
}

func newTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test; listen unavailable: %v", err)
	}
	ts := &httptest.Server{
		Listener: listener,
		Config:   &http.Server{Handler: handler},
	}
	ts.Start()
	return ts
}
