package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const memoryScheme = "mem://"

// MemoryNetwork connects in-process endpoints. Each link direction has its
// own delivery goroutine, so order is preserved per link and nothing is
// ordered across links.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryTransport
	failures  map[[2]string]error
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryTransport),
		failures:  make(map[[2]string]error),
	}
}

// Endpoint creates and registers the transport for localID.
func (n *MemoryNetwork) Endpoint(localID string) *MemoryTransport {
	t := &MemoryTransport{
		network: n,
		localID: localID,
		links:   make(map[string]*memLink),
	}
	n.mu.Lock()
	n.endpoints[localID] = t
	n.mu.Unlock()
	return t
}

// FailSends makes every Send from one endpoint to another return err until
// cleared with a nil err.
func (n *MemoryNetwork) FailSends(fromID, toID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := [2]string{fromID, toID}
	if err == nil {
		delete(n.failures, key)
		return
	}
	n.failures[key] = err
}

func (n *MemoryNetwork) sendFailure(fromID, toID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failures[[2]string{fromID, toID}]
}

func (n *MemoryNetwork) lookup(addr string) (*MemoryTransport, bool) {
	id, ok := strings.CutPrefix(addr, memoryScheme)
	if !ok {
		return nil, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.endpoints[id]
	return t, ok
}

func (n *MemoryNetwork) remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, id)
}

// MemoryTransport is one endpoint of a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	localID string

	mu      sync.Mutex
	handler Handler
	links   map[string]*memLink
	closed  bool
}

// memLink is the local end of a link: out carries data to the remote peer.
type memLink struct {
	remoteID string
	out      *pipe
	in       *pipe
}

func (t *MemoryTransport) LocalID() string { return t.localID }

func (t *MemoryTransport) Addr() string { return memoryScheme + t.localID }

func (t *MemoryTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MemoryTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *MemoryTransport) Connect(ctx context.Context, addr string, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remote, ok := t.network.lookup(addr)
	if !ok || remote == t {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, addr)
	}
	remoteHandler := remote.currentHandler()
	if remoteHandler == nil {
		return "", fmt.Errorf("%w: %s", ErrRejected, ErrNoHandler)
	}
	if err := remoteHandler.Accept(t.localID, meta); err != nil {
		return "", err
	}

	toRemote := newPipe()
	toLocal := newPipe()
	local := &memLink{remoteID: remote.localID, out: toRemote, in: toLocal}
	far := &memLink{remoteID: t.localID, out: toLocal, in: toRemote}

	if !t.attach(local) {
		return "", ErrClosed
	}
	if !remote.attach(far) {
		t.detach(local)
		return "", ErrClosed
	}
	go toRemote.run(func(data []byte) { remote.deliver(t.localID, data) }, func() { remote.closedLink(far) })
	go toLocal.run(func(data []byte) { t.deliver(remote.localID, data) }, func() { t.closedLink(local) })

	remoteHandler.OnOpen(t.localID, meta)
	return remote.localID, nil
}

func (t *MemoryTransport) attach(link *memLink) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if previous := t.links[link.remoteID]; previous != nil {
		previous.out.close()
		previous.in.close()
	}
	t.links[link.remoteID] = link
	return true
}

func (t *MemoryTransport) detach(link *memLink) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.links[link.remoteID] != link {
		return false
	}
	delete(t.links, link.remoteID)
	return true
}

func (t *MemoryTransport) deliver(from string, data []byte) {
	if h := t.currentHandler(); h != nil {
		h.OnData(from, data)
	}
}

// closedLink runs on the inbound delivery goroutine once the pipe drains.
func (t *MemoryTransport) closedLink(link *memLink) {
	if !t.detach(link) {
		return
	}
	link.out.close()
	if h := t.currentHandler(); h != nil {
		h.OnClose(link.remoteID, nil)
	}
}

func (t *MemoryTransport) Send(peerID string, data []byte) error {
	if err := t.network.sendFailure(t.localID, peerID); err != nil {
		return err
	}
	t.mu.Lock()
	link := t.links[peerID]
	t.mu.Unlock()
	if link == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if !link.out.push(append([]byte(nil), data...)) {
		return fmt.Errorf("%w: %s", ErrClosed, peerID)
	}
	return nil
}

func (t *MemoryTransport) Disconnect(peerID string) error {
	t.mu.Lock()
	link := t.links[peerID]
	t.mu.Unlock()
	if link == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	link.out.close()
	link.in.close()
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	links := make([]*memLink, 0, len(t.links))
	for _, link := range t.links {
		links = append(links, link)
	}
	t.mu.Unlock()

	t.network.remove(t.localID)
	for _, link := range links {
		link.out.close()
		link.in.close()
	}
	return nil
}

// pipe is an unbounded FIFO drained by a single goroutine.
type pipe struct {
	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
	done  bool
}

func newPipe() *pipe {
	return &pipe{wake: make(chan struct{}, 1)}
}

func (p *pipe) push(data []byte) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, data)
	p.mu.Unlock()
	p.signal()
	return true
}

func (p *pipe) close() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.signal()
}

func (p *pipe) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run delivers queued items in order, then calls finished once the pipe is
// closed and drained.
func (p *pipe) run(deliver func([]byte), finished func()) {
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		done := p.done
		p.mu.Unlock()

		for _, data := range batch {
			deliver(data)
		}
		if len(batch) == 0 && done {
			finished()
			return
		}
		if len(batch) == 0 {
			<-p.wake
		}
	}
}
