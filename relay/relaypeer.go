package relay

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// handleRelay is the accept step for /relay.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	digest := q.Get("hash")
	peerID := q.Get("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("relay: /relay upgrade failed")
		return
	}

	if digest == "" || peerID == "" || !s.isSubscribed(digest) {
		rejectClient(conn, "missing hash/id or hash is not subscribed")
		return
	}
	if s.cfg.Limit.ServerConnections > 0 && s.registry.MemberCount(digest) >= s.cfg.Limit.ServerConnections {
		rejectClient(conn, "relay membership at capacity")
		return
	}

	rc := newRelayConn(peerID, true, conn)
	rc.expectedDigest = digest
	if !s.registry.AddServer(rc) {
		rejectClient(conn, "id already connected")
		return
	}

	rc.Send(Frame{
		Action:  ActionSession,
		ID:      s.identity.ID,
		Relay:   digest,
		Address: s.identity.Address,
		Web:     s.identity.Web,
		Host:    s.identity.Host,
		Port:    s.identity.Port,
		Domain:  s.identity.Domain,
	})

	log.Debug().Str("peer", peerID).Str("digest", digest).Msg("relay: relay peer connected")
	s.relayPeerReadLoop(rc)
}

// relayPeerReadLoop drives one relay-peer connection's ingress messages,
// for both accepted and dialed peers.
func (s *Server) relayPeerReadLoop(rc *RelayConn) {
	defer s.relayPeerDisconnect(rc)
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			rc.Close()
			return
		}
		if !s.handleRelayFrame(rc, f) {
			return
		}
	}
}

// handleRelayFrame dispatches one ingress frame; returns false if the
// connection must be torn down (e.g. a failed session handshake).
func (s *Server) handleRelayFrame(rc *RelayConn, f Frame) bool {
	switch f.Action {
	case ActionSession:
		return s.handleSession(rc, f)
	case ActionAdd:
		s.handleAdd(rc, f)
	case ActionSub:
		return s.handleSub(rc, f)
	case ActionPing:
		rc.Send(Frame{Action: ActionPong})
	case ActionPong:
		rc.mu.Lock()
		rc.Active = true
		rc.mu.Unlock()
	case ActionOn:
		s.toggleSession(rc, true)
	case ActionOff:
		s.toggleSession(rc, false)
	default:
		// unrecognized action: ignored.
	}
	return true
}

// handleSession validates a "session {id, relay, address, web, host,
// port, domain}" frame and, once it checks out, attaches the peer to
// its claimed digest.
func (s *Server) handleSession(rc *RelayConn, f Frame) bool {
	if f.ID != rc.ID {
		log.Warn().Str("peer", rc.ID).Str("claimed", f.ID).Msg("relay: session id mismatch, closing")
		return false
	}
	if f.Relay != rc.expectedDigest {
		log.Warn().Str("peer", rc.ID).Str("expected", rc.expectedDigest).Str("got", f.Relay).Msg("relay: session digest mismatch, closing")
		return false
	}
	if f.ID != Digest(f.Address) {
		log.Warn().Str("peer", rc.ID).Str("address", f.Address).Msg("relay: session id does not match SHA1(address), closing")
		return false
	}

	rc.mu.Lock()
	rc.Address = f.Address
	rc.Web = f.Web
	rc.Host = f.Host
	rc.Port = f.Port
	rc.Domain = f.Domain
	rc.Session = true
	rc.mu.Unlock()

	rc.addDigest(f.Relay)
	s.registry.AttachRelay(f.Relay, rc)
	return true
}

// handleAdd handles an "add {relay}" frame: share an additional digest
// with an already-sessioned peer.
func (s *Server) handleAdd(rc *RelayConn, f Frame) {
	if !s.isSubscribed(f.Relay) {
		return
	}
	if !rc.hasDigest(f.Relay) {
		rc.addDigest(f.Relay)
	}
	s.registry.AttachRelay(f.Relay, rc)
}

// handleSub handles a "sub {relay}" frame, the inverse of add; closes
// the connection once it shares no more digests with us.
func (s *Server) handleSub(rc *RelayConn, f Frame) bool {
	s.registry.DetachRelay(f.Relay, rc)
	remaining := rc.removeDigest(f.Relay)
	return remaining > 0
}

// toggleSession handles an "on"/"off" frame: the remote side is
// propagating its own HTTP-up/HTTP-down liveness bit to us.
func (s *Server) toggleSession(rc *RelayConn, up bool) {
	rc.mu.Lock()
	rc.Session = up
	rc.mu.Unlock()
}

// relayPeerDisconnect tears down a relay peer's connection and
// membership after its socket closes.
func (s *Server) relayPeerDisconnect(rc *RelayConn) {
	s.registry.DetachRelayAll(rc)
	s.registry.RemoveServer(rc.ID)
	rc.Close()
	log.Debug().Str("peer", rc.ID).Msg("relay: relay peer disconnected")
}
