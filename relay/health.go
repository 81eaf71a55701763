package relay

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// sweep is the health ticker's tick, run every healthInterval. It
// iterates a snapshot of the registry's relay peers and clients taken at
// the start of the tick, never one cached from an earlier tick. Every
// tick gets its own correlation id, carried by the tick's summary log
// line.
func (s *Server) sweep() {
	traceID := uuid.NewString()
	servers := s.registry.AllServers()
	clients := s.registry.AllClients()
	log.Debug().Str("trace", traceID).Int("servers", len(servers)).Int("clients", len(clients)).Msg("relay: health sweep")

	for _, r := range servers {
		r.mu.Lock()
		active := r.Active
		r.mu.Unlock()
		if !active {
			s.registry.DetachRelayAll(r)
			s.registry.RemoveServer(r.ID)
			r.Close()
			continue
		}
		r.mu.Lock()
		r.Active = false
		r.mu.Unlock()
		r.Send(Frame{Action: ActionPing})
	}

	now := time.Now()
	for _, c := range clients {
		c.mu.Lock()
		stale := c.stamp != nil && now.Sub(*c.stamp) > clientStallAge
		c.mu.Unlock()
		if stale {
			c.Close()
		}
	}
}
