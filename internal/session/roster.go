package session

import (
	"fmt"
	"log"
	"slices"

	"consensus-room/internal/eventbus"
	"consensus-room/internal/protocol"
	"consensus-room/internal/transport"
)

type member struct {
	peer  protocol.Peer
	order int
}

// roster is the set of connected peers, including the local one, kept in
// join order.
type roster struct {
	members map[string]*member
	next    int
}

func newRoster() *roster {
	return &roster{members: make(map[string]*member)}
}

// add inserts p, or refreshes the display name and host flag of an existing
// member. It reports whether p was new.
func (r *roster) add(p protocol.Peer) bool {
	p.IsLocal = false
	if m, ok := r.members[p.ID]; ok {
		if p.DisplayName != "" {
			m.peer.DisplayName = p.DisplayName
		}
		m.peer.IsHost = p.IsHost
		return false
	}
	r.next++
	r.members[p.ID] = &member{peer: p, order: r.next}
	return true
}

func (r *roster) remove(id string) (protocol.Peer, bool) {
	m, ok := r.members[id]
	if !ok {
		return protocol.Peer{}, false
	}
	delete(r.members, id)
	return m.peer, true
}

func (r *roster) has(id string) bool {
	_, ok := r.members[id]
	return ok
}

func (r *roster) get(id string) (protocol.Peer, bool) {
	m, ok := r.members[id]
	if !ok {
		return protocol.Peer{}, false
	}
	return m.peer, true
}

func (r *roster) len() int { return len(r.members) }

func (r *roster) peers() []protocol.Peer {
	ordered := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		ordered = append(ordered, m)
	}
	slices.SortFunc(ordered, func(a, b *member) int { return a.order - b.order })
	out := make([]protocol.Peer, len(ordered))
	for i, m := range ordered {
		out[i] = m.peer
	}
	return out
}

// ids lists member ids in join order, skipping except.
func (r *roster) ids(except ...string) []string {
	var out []string
	for _, p := range r.peers() {
		if !slices.Contains(except, p.ID) {
			out = append(out, p.ID)
		}
	}
	return out
}

// Accept admits an incoming link while the room has capacity. Connections
// still completing their handshake count against the limit.
func (s *Session) Accept(peerID string, meta transport.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateActive || !s.isHost {
		return fmt.Errorf("%w: not hosting", transport.ErrRejected)
	}
	if protocol.NormalizeRoomCode(meta.RoomCode) != s.roomCode {
		return fmt.Errorf("%w: unknown room %q", transport.ErrRejected, meta.RoomCode)
	}
	if s.roster.has(peerID) {
		return fmt.Errorf("%w: peer %s already connected", transport.ErrRejected, peerID)
	}
	if s.occupancyLocked()+1 > s.cfg.MaxPlayers {
		log.Printf("room full room=%s peer=%s max=%d", s.roomCode, peerID, s.cfg.MaxPlayers)
		return transport.ErrFull
	}
	s.pending[peerID] = s.now()
	return nil
}

func (s *Session) occupancyLocked() int {
	cutoff := s.now().Add(-s.cfg.ConnectTimeout)
	for id, at := range s.pending {
		if at.Before(cutoff) {
			delete(s.pending, id)
		}
	}
	return s.roster.len() + len(s.pending)
}

// OnOpen adds an accepted peer to the roster, sends it the full state and
// tells everyone else about the new roster.
func (s *Session) OnOpen(peerID string, meta transport.Metadata) {
	s.mu.Lock()
	delete(s.pending, peerID)
	if s.state != stateActive || !s.isHost {
		s.mu.Unlock()
		return
	}
	if s.roster.len() >= s.cfg.MaxPlayers {
		s.rejectAndDisconnectLocked(peerID, protocol.ReasonRoomFull)
		s.unlockAndFlush()
		return
	}
	name, err := protocol.ValidateName(meta.DisplayName)
	if err != nil {
		name = "Player " + peerID[:min(4, len(peerID))]
	}
	s.roster.add(protocol.Peer{ID: peerID, DisplayName: name})
	total := s.roster.len()
	s.sendTo(peerID, s.engine.FullState(s.roster.peers()))
	s.broadcastStateLocked(peerID)
	s.emit(eventbus.PlayerJoined{PeerID: peerID, DisplayName: name, TotalPlayers: total})
	log.Printf("player joined room=%s peer=%s name=%q total=%d", s.roomCode, peerID, name, total)
	s.unlockAndFlush()
}

func (s *Session) rejectAndDisconnectLocked(peerID, reason string) {
	data, ok := s.encodeLocked(&protocol.SyncRejection{Reason: reason})
	if !ok {
		return
	}
	s.outbox = append(s.outbox, outgoing{to: peerID, data: data, disconnect: true})
	log.Printf("peer refused room=%s peer=%s reason=%s", s.roomCode, peerID, reason)
}

// OnClose handles a lost link. Losing the host ends a non-host session.
func (s *Session) OnClose(peerID string, err error) {
	s.mu.Lock()
	if s.awaitingHostLocked() {
		s.early = append(s.early, inbound{peerID: peerID, closed: true, err: err})
		s.mu.Unlock()
		return
	}
	s.closeLocked(peerID, err)
	s.unlockAndFlush()
}

func (s *Session) closeLocked(peerID string, err error) {
	delete(s.pending, peerID)
	if s.state == stateIdle || s.state == stateTerminated {
		return
	}
	if !s.isHost {
		if peerID == s.hostID {
			if err != nil {
				log.Printf("host link closed room=%s host=%s err=%v", s.roomCode, peerID, err)
			}
			s.terminateLocked(eventbus.ReasonHostDisconnected)
		}
		return
	}

	peer, ok := s.roster.remove(peerID)
	if !ok {
		return
	}
	s.engine.RemovePeer(peerID)
	total := s.roster.len()
	s.emit(eventbus.PlayerLeft{PeerID: peerID, DisplayName: peer.DisplayName, TotalPlayers: total})
	log.Printf("player left room=%s peer=%s total=%d", s.roomCode, peerID, total)
	s.broadcastStateLocked()
	if s.engine.Phase() == protocol.PhaseVoting {
		s.checkConsensusLocked(false)
	}
}

// syncRosterLocked replaces a replica's roster with the host's list, taking
// over its order, and emits join and leave events for the difference.
func (s *Session) syncRosterLocked(players []protocol.Peer) {
	if len(players) == 0 {
		return
	}
	next := newRoster()
	for _, p := range players {
		next.add(p)
	}
	if self, ok := s.roster.get(s.localID); ok && !next.has(s.localID) {
		next.add(self)
	}
	total := next.len()
	for _, p := range s.roster.peers() {
		if !next.has(p.ID) {
			s.emit(eventbus.PlayerLeft{PeerID: p.ID, DisplayName: p.DisplayName, TotalPlayers: total})
		}
	}
	if s.state != stateJoining {
		for _, p := range next.peers() {
			if !s.roster.has(p.ID) {
				s.emit(eventbus.PlayerJoined{PeerID: p.ID, DisplayName: p.DisplayName, TotalPlayers: total})
			}
		}
	}
	s.roster = next
}

func (s *Session) broadcastStateLocked(except ...string) {
	if s.roster.len() < 2 {
		return
	}
	s.broadcast(s.engine.FullState(s.roster.peers()), except...)
}

