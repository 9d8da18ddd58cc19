package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWSConnectSendAndClose(t *testing.T) {
	host := NewWS("host-id")
	hostRec := newRecorder()
	host.SetHandler(hostRec)
	ts := newTestServer(t, host.HTTPHandler())
	defer ts.Close()
	host.SetAddr("ws" + strings.TrimPrefix(ts.URL, "http"))

	peer := NewWS("peer-id")
	peerRec := newRecorder()
	peer.SetHandler(peerRec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remoteID, err := peer.Connect(ctx, host.Addr(), Metadata{RoomCode: "ABC234", DisplayName: "Bea"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if remoteID != "host-id" {
		t.Fatalf("expected host id from handshake, got %q", remoteID)
	}
	if opened := hostRec.openedPeers(); len(opened) != 1 || opened[0] != "peer-id" {
		t.Fatalf("expected host to see peer open, got %v", opened)
	}
	hostRec.mu.Lock()
	meta := hostRec.metas[0]
	hostRec.mu.Unlock()
	if meta.RoomCode != "ABC234" || meta.DisplayName != "Bea" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	if err := peer.Send("host-id", []byte(`{"type":"sync_request"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := expectData(t, hostRec, 2*time.Second); got.from != "peer-id" || got.data != `{"type":"sync_request"}` {
		t.Fatalf("unexpected delivery %+v", got)
	}
	if err := host.Send("peer-id", []byte("hello")); err != nil {
		t.Fatalf("send back: %v", err)
	}
	if got := expectData(t, peerRec, 2*time.Second); got.data != "hello" {
		t.Fatalf("unexpected reply %+v", got)
	}

	if err := peer.Disconnect("host-id"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if id := expectClosed(t, hostRec, 2*time.Second); id != "peer-id" {
		t.Fatalf("host saw close for %q", id)
	}
	if id := expectClosed(t, peerRec, 2*time.Second); id != "host-id" {
		t.Fatalf("peer saw close for %q", id)
	}
}

func TestWSRoomFullMapsToErrFull(t *testing.T) {
	host := NewWS("host-id")
	hostRec := newRecorder()
	hostRec.accept = func(string, Metadata) error { return ErrFull }
	host.SetHandler(hostRec)
	ts := newTestServer(t, host.HTTPHandler())
	defer ts.Close()

	peer := NewWS("peer-id")
	peer.SetHandler(newRecorder())
	_, err := peer.Connect(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"), Metadata{RoomCode: "ABC234"})
	if !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestWSRejectsMissingPeerID(t *testing.T) {
	host := NewWS("host-id")
	host.SetHandler(newRecorder())
	ts := newTestServer(t, host.HTTPHandler())
	defer ts.Close()

	peer := NewWS("host-id")
	peer.SetHandler(newRecorder())
	_, err := peer.Connect(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"), Metadata{RoomCode: "ABC234"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for self connection, got %v", err)
	}
}

func TestWSSendUnknownPeer(t *testing.T) {
	tr := NewWS("solo")
	if err := tr.Send("nobody", []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}
