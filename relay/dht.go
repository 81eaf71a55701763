package relay

import (
	"encoding/hex"
	"fmt"
	"net"
	"sync"

	anacrolixdht "github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"
	"github.com/rs/zerolog/log"
)

// DiscoveredPeer is one "peer found for info-hash" event surfaced by a
// DHTSource: a peer's address plus the digest it was found under. The
// address of the node that reported the peer is not surfaced here.
type DiscoveredPeer struct {
	Host   string
	Port   int
	Digest string // lowercase-hex SHA1 of the info-hash
}

// DHTSource is the injected discovery interface: listen, announce,
// lookup, a peer-event stream, and teardown. RelayDialer treats whatever
// satisfies this as an opaque discovery source and must not assume it is
// reentrant.
type DHTSource interface {
	Listen(port int, host string) error
	Announce(digest string) error
	Lookup(digest string)
	Subscribe() <-chan DiscoveredPeer
	Close() error
}

// mainlineDHT adapts github.com/anacrolix/dht/v2 to DHTSource. It is the
// real discovery source behind Config.Relay.
type mainlineDHT struct {
	mu      sync.Mutex
	srv     *anacrolixdht.Server
	conn    net.PacketConn
	events  chan DiscoveredPeer
	closing chan struct{}
}

// NewMainlineDHT constructs an unstarted mainline DHT adapter.
func NewMainlineDHT() DHTSource {
	return &mainlineDHT{
		events:  make(chan DiscoveredPeer, 256),
		closing: make(chan struct{}),
	}
}

func (m *mainlineDHT) Listen(port int, host string) error {
	conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("dht: listen udp: %w", err)
	}
	cfg := anacrolixdht.NewDefaultServerConfig()
	cfg.Conn = conn
	srv, err := anacrolixdht.NewServer(cfg)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("dht: new server: %w", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.srv = srv
	m.mu.Unlock()
	return nil
}

func (m *mainlineDHT) Announce(digest string) error {
	ih, err := digestToInfoHash(digest)
	if err != nil {
		return err
	}
	m.mu.Lock()
	srv := m.srv
	m.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("dht: not listening")
	}
	a, err := srv.Announce(ih, 0, true)
	if err != nil {
		return fmt.Errorf("dht: announce %s: %w", digest, err)
	}
	go m.drain(digest, a)
	return nil
}

// Lookup re-announces to kick off a fresh get_peers traversal; mainline
// DHT has no separate read-only lookup RPC distinct from the one
// Announce already performs.
func (m *mainlineDHT) Lookup(digest string) {
	if err := m.Announce(digest); err != nil {
		log.Debug().Err(err).Str("digest", digest).Msg("dht: lookup failed")
	}
}

func (m *mainlineDHT) drain(digest string, a *anacrolixdht.Announce) {
	defer a.Close()
	for {
		select {
		case <-m.closing:
			return
		case v, ok := <-a.Peers:
			if !ok {
				return
			}
			for _, p := range v.Peers {
				select {
				case m.events <- DiscoveredPeer{Host: p.IP.String(), Port: p.Port, Digest: digest}:
				case <-m.closing:
					return
				}
			}
		}
	}
}

func (m *mainlineDHT) Subscribe() <-chan DiscoveredPeer { return m.events }

func (m *mainlineDHT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closing:
	default:
		close(m.closing)
	}
	if m.srv != nil {
		m.srv.Close()
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	return nil
}

func digestToInfoHash(digest string) (ih krpc.ID, err error) {
	b, err := hex.DecodeString(digest)
	if err != nil || len(b) != 20 {
		return ih, fmt.Errorf("dht: %q is not a 20-byte hex digest", digest)
	}
	copy(ih[:], b)
	return ih, nil
}

// fakeDHT is an in-memory DHTSource used by relays that only serve
// /signal clients (Relay=false) and by tests; it never discovers peers
// on its own but lets tests Inject() synthetic events.
type fakeDHT struct {
	mu     sync.Mutex
	events chan DiscoveredPeer
	closed bool
}

// NewFakeDHT constructs a no-op DHT source.
func NewFakeDHT() *fakeDHT {
	return &fakeDHT{events: make(chan DiscoveredPeer, 64)}
}

func (f *fakeDHT) Listen(port int, host string) error { return nil }
func (f *fakeDHT) Announce(digest string) error       { return nil }
func (f *fakeDHT) Lookup(digest string)               {}

func (f *fakeDHT) Subscribe() <-chan DiscoveredPeer { return f.events }

// Inject simulates the DHT discovering peerHost:peerPort for digest,
// for tests exercising RelayDialer.
func (f *fakeDHT) Inject(peerHost string, peerPort int, digest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- DiscoveredPeer{Host: peerHost, Port: peerPort, Digest: digest}
}

func (f *fakeDHT) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}
