package relay

import (
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RelayDialer decides whether a peer discovered over the DHT should be
// dialed, and performs the dial.
type RelayDialer struct {
	s *Server
}

func NewRelayDialer(s *Server) *RelayDialer {
	return &RelayDialer{s: s}
}

// OnPeerFound runs the ordered dial policy against one (peerHost,
// peerPort, infoHashDigest) DHT event.
func (d *RelayDialer) OnPeerFound(peerHost string, peerPort int, digest string) {
	s := d.s

	// 1. digest must be one we subscribe to.
	if !s.isSubscribed(digest) {
		return
	}

	// 2. never dial ourselves.
	addr := fmt.Sprintf("%s:%d", peerHost, peerPort)
	pid := Digest(addr)
	if addr == s.identity.Address || pid == s.identity.ID {
		return
	}

	// 3. respect backoff.
	if !s.backoff.ShouldTry(pid) {
		return
	}

	// 4. already connected to this peer: just add the digest if missing.
	if existing, ok := s.registry.GetServer(pid); ok {
		if !existing.hasDigest(digest) {
			s.registry.AttachRelay(digest, existing)
			existing.addDigest(digest)
			existing.Send(Frame{Action: ActionAdd, Relay: digest, Reply: true})
		}
		return
	}

	// 5. enforce the per-digest relay-peer cap.
	if s.cfg.Limit.ServerConnections > 0 && s.registry.MemberCount(digest) >= s.cfg.Limit.ServerConnections {
		return
	}

	// 6. dial, registering the placeholder RelayConn before the dial
	// completes so a second racing DHT event hits step 4 instead of
	// opening a duplicate socket.
	placeholder := newRelayConn(pid, false, nil)
	placeholder.expectedDigest = digest
	if !s.registry.AddServer(placeholder) {
		// another goroutine won the race between our GetServer check and
		// here; nothing to clean up, the placeholder was never published.
		return
	}

	go d.dial(placeholder, addr, digest)
}

func (d *RelayDialer) dial(placeholder *RelayConn, addr, digest string) {
	s := d.s
	target := url.URL{Scheme: "ws", Host: addr, Path: "/relay"}
	q := target.Query()
	q.Set("hash", digest)
	q.Set("id", s.identity.ID)
	target.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(target.String(), nil)
	if err != nil {
		log.Debug().Err(err).Str("addr", addr).Msg("relay: dial failed")
		s.registry.RemoveServer(placeholder.ID)
		s.registry.DetachRelayAll(placeholder)
		s.backoff.RecordFailure(placeholder.ID)
		return
	}

	placeholder.attachConn(conn)
	s.backoff.Clear(placeholder.ID)

	// dial step of the session handshake.
	placeholder.Send(Frame{
		Action:  ActionSession,
		ID:      s.identity.ID,
		Relay:   digest,
		Address: s.identity.Address,
		Web:     s.identity.Web,
		Host:    s.identity.Host,
		Port:    s.identity.Port,
		Domain:  s.identity.Domain,
	})

	s.relayPeerReadLoop(placeholder)
}
