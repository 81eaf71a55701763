package relay

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// handleSignal is the accept step for /signal: validate the query
// params, enforce the client cap, then register and pair the client.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hash := q.Get("hash")
	id := q.Get("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("relay: /signal upgrade failed")
		return
	}

	if hash == "" || id == "" {
		rejectClient(conn, "missing hash or id")
		return
	}
	if !s.isSubscribedHash(hash) {
		rejectClient(conn, "hash is not subscribed")
		return
	}
	if s.cfg.Limit.ClientConnections > 0 && s.registry.ClientCount() >= s.cfg.Limit.ClientConnections {
		// at capacity: this socket gets the same relay hand-off every
		// existing client is about to receive, and the whole listener
		// recycles to actually relieve the pressure instead of just
		// bouncing the connection that tipped it over.
		redirectClient(conn, s.randomRelay(hash))
		s.recycleForCapacity(s.cfg.Relay)
		return
	}

	want := parseWant(q.Get("want"))
	c := newClientConn(id, hash, want, conn)
	if !s.registry.AddClient(c) {
		rejectClient(conn, "id already connected")
		return
	}

	log.Debug().Str("client", id).Str("hash", hash).Int("want", want).Msg("relay: client connected")

	s.broker.MatchAndInitiate(c)
	s.clientReadLoop(c)
}

// rejectClient sends an error frame and closes conn, for a socket that
// never made it into the registry.
func rejectClient(conn interface {
	WriteJSON(v any) error
	Close() error
}, reason string) {
	_ = conn.WriteJSON(Frame{Action: ActionError, Error: reason})
	_ = conn.Close()
}

// redirectClient points conn at relayURL and closes it, the same
// hand-off message a live client gets on a graceful close.
func redirectClient(conn interface {
	WriteJSON(v any) error
	Close() error
}, relayURL string) {
	_ = conn.WriteJSON(Frame{Action: ActionRelay, Relay: relayURL})
	_ = conn.Close()
}

// parseWant applies the want-clamping rule: absent, unparseable, or
// non-finite values, and zero, all fall back to 3; values outside [1,6]
// also fall back to 3; otherwise the floor of the value is used.
func parseWant(raw string) int {
	if raw == "" {
		return 3
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 3
	}
	if math.IsNaN(f) || f == 0 || f < 1 || f > 6 {
		return 3
	}
	return int(math.Floor(f))
}

func (s *Server) clientReadLoop(c *ClientConn) {
	defer s.clientDisconnect(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.Close()
			return
		}
		s.handleClientFrame(c, f, data)
	}
}

// handleClientFrame dispatches one ingress frame. Unknown actions are
// ignored; raw carries the original bytes so request/response can be
// forwarded verbatim.
func (s *Server) handleClientFrame(c *ClientConn, f Frame, raw []byte) {
	switch f.Action {
	case ActionProc:
		s.handleProc(c, f)
	case ActionRequest:
		s.forwardSignal(c, f.Res, raw)
	case ActionResponse:
		s.forwardSignal(c, f.Req, raw)
	default:
		// unrecognized action: ignored.
	}
}

// handleProc acknowledges a completed peering on both sides that hold
// it. The sender completes its pending entry for the partner named by
// Res; the partner (looked up by Res) completes its own pending entry
// for the sender named by Req.
func (s *Server) handleProc(c *ClientConn, f Frame) {
	s.completeProc(c, f.Res)
	if partner, ok := s.registry.GetClient(f.Res); ok && partner != c {
		s.completeProc(partner, f.Req)
	}
}

func (s *Server) completeProc(side *ClientConn, peerID string) {
	side.mu.Lock()
	_, pending := side.ids[peerID]
	_, done := side.web[peerID]
	if pending && !done {
		delete(side.ids, peerID)
		side.web[peerID] = struct{}{}
		side.stamp = nil
	}
	webLen := len(side.web)
	want := side.Want
	side.mu.Unlock()

	if !pending || done {
		return
	}
	if webLen < want {
		s.broker.MatchAndInitiate(side)
	} else {
		side.Close()
	}
}

// forwardSignal forwards a request/response frame, but only if the
// sender still has targetID pending and the target is live.
func (s *Server) forwardSignal(sender *ClientConn, targetID string, raw []byte) {
	sender.mu.Lock()
	_, pending := sender.ids[targetID]
	sender.mu.Unlock()
	if !pending {
		return
	}
	target, ok := s.registry.GetClient(targetID)
	if !ok {
		return
	}

	now := time.Now()
	sender.mu.Lock()
	sender.stamp = nil
	sender.mu.Unlock()
	target.mu.Lock()
	target.stamp = &now
	target.mu.Unlock()

	target.SendRaw(raw)
}

// clientDisconnect notifies every pending partner, removes ourselves
// from their ids, and re-queues them under the hash they're waiting on
// — the waiting set is keyed by hash, not by client id.
func (s *Server) clientDisconnect(c *ClientConn) {
	s.registry.RemoveClient(c.ID)
	s.registry.Dequeue(c.Hash, c.ID)

	c.mu.Lock()
	pendingIDs := make([]string, 0, len(c.ids))
	for id := range c.ids {
		pendingIDs = append(pendingIDs, id)
	}
	c.mu.Unlock()

	for _, id := range pendingIDs {
		partner, ok := s.registry.GetClient(id)
		if !ok {
			continue
		}
		partner.Send(Frame{Action: ActionInterrupt, ID: c.ID})

		partner.mu.Lock()
		delete(partner.ids, c.ID)
		partner.mu.Unlock()

		waiting := s.registry.WaitingFor(partner.Hash)
		if _, already := waiting[partner.ID]; !already {
			s.registry.Enqueue(partner.Hash, partner.ID)
		}
	}

	c.Close()
	log.Debug().Str("client", c.ID).Msg("relay: client disconnected")
}
