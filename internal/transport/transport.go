// Package transport abstracts the point-to-point links between peers. The
// session only needs ordered delivery per link, connect and close
// notifications; broadcast is a loop over Send.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrFull is returned by Handler.Accept and surfaced by Connect when the
	// remote side refuses the link because the room is at capacity.
	ErrFull = errors.New("transport: room is full")
	// ErrRejected is surfaced by Connect when admission fails for any other reason.
	ErrRejected      = errors.New("transport: connection rejected")
	ErrUnknownPeer   = errors.New("transport: unknown peer")
	ErrClosed        = errors.New("transport: closed")
	ErrNoHandler     = errors.New("transport: no handler")
	ErrUnknownTarget = errors.New("transport: unknown address")
)

// Metadata travels with a connection request.
type Metadata struct {
	RoomCode    string
	DisplayName string
}

// Handler receives link events. OnOpen fires only on the accepting side;
// Connect returning nil is the dialing side's open notification. OnData calls
// for one link are sequential and in send order.
type Handler interface {
	Accept(peerID string, meta Metadata) error
	OnOpen(peerID string, meta Metadata)
	OnData(peerID string, data []byte)
	OnClose(peerID string, err error)
}

type Transport interface {
	LocalID() string
	// Addr is the address other peers pass to Connect.
	Addr() string
	SetHandler(h Handler)
	Connect(ctx context.Context, addr string, meta Metadata) (remoteID string, err error)
	Send(peerID string, data []byte) error
	Disconnect(peerID string) error
	Close() error
}
