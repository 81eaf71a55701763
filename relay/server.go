package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	healthInterval = 300 * time.Second
	clientStallAge = 60 * time.Second
	restartDelay   = 300 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server owns every connection state machine a /signal or /relay socket
// is handed, plus the listener and background tickers that drive them.
type Server struct {
	cfg      Config
	identity Identity

	digests map[string]struct{} // digest(hash) -> {} for every subscribed hash
	hashOf  map[string]string   // digest -> original hash string
	hashSet map[string]struct{} // original hash string -> {}, for /signal's accept step

	registry *PeerRegistry
	backoff  *BackoffTable
	broker   *SignalingBroker
	dialer   *RelayDialer
	dht      DHTSource

	mu         sync.Mutex
	httpServer *http.Server
	stopTicker chan struct{}
	restart    *time.Timer
	stopped    bool
	recycling  bool
}

// NewServer wires the registry, backoff table, broker, and dialer
// together into a runnable Server. dht may be nil; a no-op DHT is
// substituted so Start and Stop never have to nil-check it.
func NewServer(cfg Config, dht DHTSource) (*Server, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("relay: Host is required")
	}
	if len(cfg.Hashes) == 0 {
		return nil, fmt.Errorf("relay: at least one info-hash is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 10509
	}
	if cfg.Server == "" {
		cfg.Server = "0.0.0.0"
	}
	if dht == nil {
		dht = NewFakeDHT()
	}

	identity := NewIdentity(cfg.Host, cfg.Port, cfg.Domain)

	digests := make(map[string]struct{}, len(cfg.Hashes))
	hashOf := make(map[string]string, len(cfg.Hashes))
	hashSet := make(map[string]struct{}, len(cfg.Hashes))
	for _, h := range cfg.Hashes {
		d := Digest(h)
		digests[d] = struct{}{}
		hashOf[d] = h
		hashSet[h] = struct{}{}
	}

	registry := NewPeerRegistry(cfg.Hashes)
	backoff := NewBackoffTable()

	s := &Server{
		cfg:      cfg,
		identity: identity,
		digests:  digests,
		hashOf:   hashOf,
		hashSet:  hashSet,
		registry: registry,
		backoff:  backoff,
		broker:   NewSignalingBroker(registry),
		dht:      dht,
	}
	s.dialer = NewRelayDialer(s)

	if cfg.Init {
		if err := s.Start(cfg.Relay); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// isSubscribed reports whether digest is one of our configured info-hash
// digests.
func (s *Server) isSubscribed(digest string) bool {
	_, ok := s.digests[digest]
	return ok
}

// isSubscribedHash reports whether hash is one of our configured
// info-hashes (the raw string, as used by /signal's hash query param).
func (s *Server) isSubscribedHash(hash string) bool {
	_, ok := s.hashSet[hash]
	return ok
}

// Start binds the HTTP+WebSocket listener and, if useRelay, the DHT
// listener, announcing/subscribing every configured digest.
func (s *Server) Start(useRelay bool) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/signal", s.handleSignal)
	mux.HandleFunc("/relay", s.handleRelay)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server, s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	s.mu.Lock()
	s.httpServer = srv
	s.stopTicker = make(chan struct{})
	s.mu.Unlock()

	go s.runTicker()

	ln, err := newListener(addr)
	if err != nil {
		return err
	}
	go func() {
		err := srv.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("relay: HTTP listener error")
			s.scheduleRestart(useRelay)
		}
	}()

	if useRelay {
		if err := s.dht.Listen(s.cfg.Port, s.cfg.Host); err != nil {
			return fmt.Errorf("relay: dht listen: %w", err)
		}
		peers := s.dht.Subscribe()
		go s.consumeDHT(peers)
		for digest := range s.digests {
			if err := s.dht.Announce(digest); err != nil {
				log.Warn().Err(err).Str("digest", digest).Msg("relay: dht announce failed")
			}
			s.dht.Lookup(digest)
		}
	}

	log.Info().Str("addr", addr).Str("id", s.identity.ID).Msg("relay: listening")
	return nil
}

// consumeDHT feeds every discovered peer into RelayDialer.
func (s *Server) consumeDHT(peers <-chan DiscoveredPeer) {
	for p := range peers {
		s.dialer.OnPeerFound(p.Host, p.Port, p.Digest)
	}
}

// scheduleRestart reopens the HTTP listener restartDelay after an
// unexpected close.
func (s *Server) scheduleRestart(useRelay bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.restart = time.AfterFunc(restartDelay, func() {
		if err := s.Start(useRelay); err != nil {
			log.Error().Err(err).Msg("relay: scheduled restart failed")
		}
	})
	s.mu.Unlock()
}

// Stop hands off every connected client and relay peer, closes the HTTP
// listener, and closes the DHT source, whether it was passed to
// NewServer or substituted there.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.httpServer
	if s.stopTicker != nil {
		close(s.stopTicker)
	}
	if s.restart != nil {
		s.restart.Stop()
	}
	s.mu.Unlock()

	s.gracefulHandOff()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	return s.dht.Close()
}

// gracefulHandOff points every live client at another relay and drops
// it, tells every relay peer we're going offline, and clears the
// backoff table to force quick rediscovery once we're back.
func (s *Server) gracefulHandOff() {
	for _, c := range s.registry.AllClients() {
		relayURL := s.randomRelay(c.Hash)
		c.Send(Frame{Action: ActionRelay, Relay: relayURL})
		c.Close()
	}
	for _, r := range s.registry.AllServers() {
		r.Send(Frame{Action: ActionOff})
	}
	s.backoff.ClearAll()
}

// recycleForCapacity runs the same hand-off as a graceful shutdown when
// Limit.ClientConnections is exceeded, then cycles the HTTP listener so
// the capacity pressure actually clears rather than just bouncing the
// one socket that tipped it over. useRelay controls whether the
// restarted listener also reopens the DHT, matching whatever Start was
// originally called with.
func (s *Server) recycleForCapacity(useRelay bool) {
	s.mu.Lock()
	if s.stopped || s.recycling {
		s.mu.Unlock()
		return
	}
	s.recycling = true
	srv := s.httpServer
	s.mu.Unlock()

	s.gracefulHandOff()

	if srv == nil {
		s.mu.Lock()
		s.recycling = false
		s.mu.Unlock()
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("relay: capacity hand-off shutdown error")
		}
		s.mu.Lock()
		s.recycling = false
		s.mu.Unlock()
		s.scheduleRestart(useRelay)
	}()
}

// randomRelay picks a uniformly random session'd relay peer on hash's
// digest with a non-empty Web field and returns its Web, or "" if none
// are available. A peer that never completed the session handshake is
// never eligible.
func (s *Server) randomRelay(hash string) string {
	digest := Digest(hash)
	candidates := make([]*RelayConn, 0)
	for _, r := range s.registry.RelaysFor(digest) {
		if r.Session && r.Web != "" {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))].Web
}

// handleIndex serves a plaintext front page for "/", and catches every
// other path: a WebSocket upgrade attempt there gets
// {action:error,error:"route is not supported"} then a close, anything
// else a 400.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("thanks for testing bittorrent-relay"))
	case r.URL.Path == "/" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case isWebSocketUpgrade(r):
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rejectClient(conn, "route is not supported")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode("invalid method or path")
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "Upgrade") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (s *Server) runTicker() {
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopTicker:
			return
		case <-t.C:
			s.sweep()
		}
	}
}
