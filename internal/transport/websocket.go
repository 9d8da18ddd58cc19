package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	peerIDHeader = "X-Peer-Id"
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 1 << 20
)

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSTransport links peers over websockets. The accepting side serves
// GET /ws/rooms/{code}?peer_id=..&name=..
type WSTransport struct {
	localID string

	mu       sync.Mutex
	handler  Handler
	conns    map[string]*wsConn
	addr     string
	server   *http.Server
	closed   bool
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
}

func NewWS(localID string) *WSTransport {
	return &WSTransport{
		localID: localID,
		conns:   make(map[string]*wsConn),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (t *WSTransport) LocalID() string { return t.localID }

func (t *WSTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// SetAddr overrides the advertised address, e.g. when behind a proxy or when
// the handler is mounted on an external server.
func (t *WSTransport) SetAddr(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addr = strings.TrimRight(addr, "/")
}

func (t *WSTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *WSTransport) currentHandler() Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// HTTPHandler returns the handler that accepts inbound links.
func (t *WSTransport) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/rooms/{code}", t.handleUpgrade)
	return mux
}

// Listen serves inbound links on addr. publicAddr, when empty, is derived
// from the bound listener.
func (t *WSTransport) Listen(addr, publicAddr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if publicAddr == "" {
		publicAddr = "ws://" + listener.Addr().String()
	}
	server := &http.Server{
		Handler:           t.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.mu.Lock()
	t.server = server
	t.addr = strings.TrimRight(publicAddr, "/")
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ws transport serve failed addr=%s err=%v", addr, err)
		}
	}()
	log.Printf("ws transport listening addr=%s public=%s peer=%s", listener.Addr(), publicAddr, t.localID)
	return nil
}

func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	handler := t.currentHandler()
	if handler == nil {
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}
	peerID := strings.TrimSpace(r.URL.Query().Get("peer_id"))
	if peerID == "" || peerID == t.localID {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}
	meta := Metadata{
		RoomCode:    r.PathValue("code"),
		DisplayName: r.URL.Query().Get("name"),
	}
	if err := handler.Accept(peerID, meta); err != nil {
		status := http.StatusForbidden
		if errors.Is(err, ErrFull) {
			status = http.StatusConflict
		}
		log.Printf("ws rejected peer=%s room=%s status=%d err=%v", peerID, meta.RoomCode, status, err)
		http.Error(w, err.Error(), status)
		return
	}

	header := http.Header{}
	header.Set(peerIDHeader, t.localID)
	conn, err := t.upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}
	c, ok := t.register(peerID, conn)
	if !ok {
		return
	}
	log.Printf("ws connected peer=%s room=%s remote=%s", peerID, meta.RoomCode, r.RemoteAddr)
	handler.OnOpen(peerID, meta)
	go t.readLoop(peerID, c)
	go t.pingLoop(c)
}

// Connect dials addr (a ws:// base URL) and registers the link under the
// remote peer's id.
func (t *WSTransport) Connect(ctx context.Context, addr string, meta Metadata) (string, error) {
	target, err := url.Parse(strings.TrimRight(addr, "/") + "/ws/rooms/" + url.PathEscape(meta.RoomCode))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownTarget, err)
	}
	q := target.Query()
	q.Set("peer_id", t.localID)
	q.Set("name", meta.DisplayName)
	target.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusConflict:
				return "", ErrFull
			case http.StatusForbidden, http.StatusBadRequest, http.StatusServiceUnavailable:
				return "", fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
			}
		}
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	remoteID := resp.Header.Get(peerIDHeader)
	if remoteID == "" {
		_ = conn.Close()
		return "", fmt.Errorf("%w: missing %s header", ErrRejected, peerIDHeader)
	}
	c, ok := t.register(remoteID, conn)
	if !ok {
		return "", ErrClosed
	}
	log.Printf("ws dialed peer=%s room=%s addr=%s", remoteID, meta.RoomCode, addr)
	go t.readLoop(remoteID, c)
	go t.pingLoop(c)
	return remoteID, nil
}

func (t *WSTransport) register(peerID string, conn *websocket.Conn) (*wsConn, bool) {
	c := &wsConn{conn: conn, done: make(chan struct{})}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return nil, false
	}
	previous := t.conns[peerID]
	t.conns[peerID] = c
	t.mu.Unlock()
	if previous != nil {
		_ = previous.conn.Close()
	}
	return c, true
}

func (t *WSTransport) readLoop(peerID string, c *wsConn) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	var readErr error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				readErr = err
			}
			break
		}
		if h := t.currentHandler(); h != nil {
			h.OnData(peerID, data)
		}
	}
	close(c.done)

	t.mu.Lock()
	current := t.conns[peerID] == c
	if current {
		delete(t.conns, peerID)
	}
	t.mu.Unlock()
	_ = c.conn.Close()
	if !current {
		return
	}
	log.Printf("ws disconnected peer=%s error=%v", peerID, readErr)
	if h := t.currentHandler(); h != nil {
		h.OnClose(peerID, readErr)
	}
}

func (t *WSTransport) pingLoop(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Send writes one message. A failure does not drop the link; the read loop
// owns disconnect detection.
func (t *WSTransport) Send(peerID string, data []byte) error {
	t.mu.Lock()
	c := t.conns[peerID]
	t.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return c.write(data)
}

func (t *WSTransport) Disconnect(peerID string) error {
	t.mu.Lock()
	c := t.conns[peerID]
	t.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	closeConn(c)
	return nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	server := t.server
	t.mu.Unlock()

	for _, c := range conns {
		closeConn(c)
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
	return nil
}

func closeConn(c *wsConn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
