package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ClientConn is one accepted /signal session.
type ClientConn struct {
	ID     string
	Hash   string // info-hash, not its digest
	Want   int
	Active bool

	mu    sync.Mutex
	ids   map[string]struct{} // pending peerings awaiting offer/answer completion
	web   map[string]struct{} // completed peerings
	stamp *time.Time          // last outbound-signal timestamp, nil if none

	conn   *websocket.Conn
	sendMu sync.Mutex
	closed bool
}

func newClientConn(id, hash string, want int, conn *websocket.Conn) *ClientConn {
	return &ClientConn{
		ID:     id,
		Hash:   hash,
		Want:   want,
		Active: true,
		ids:    make(map[string]struct{}),
		web:    make(map[string]struct{}),
		conn:   conn,
	}
}

// Send writes a frame to the client, fire-and-forget.
func (c *ClientConn) Send(f Frame) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	if err := c.conn.WriteJSON(f); err != nil {
		log.Debug().Err(err).Str("client", c.ID).Msg("relay: client send failed")
	}
}

// SendRaw forwards a request/response payload verbatim, preserving any
// field a browser client attached beyond what Frame decodes.
func (c *ClientConn) SendRaw(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Str("client", c.ID).Msg("relay: client raw send failed")
	}
}

// Close tears down the underlying socket exactly once.
func (c *ClientConn) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// WebCount reports the number of completed peerings under lock.
func (c *ClientConn) WebCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.web)
}

// RelayConn is one connected sibling relay.
type RelayConn struct {
	ID      string // peer node id
	Server  bool   // false = we dialed, true = they dialed
	Active  bool
	Session bool

	Address string
	Web     string
	Host    string
	Port    int
	Domain  string

	// expectedDigest is the info-hash digest this connection was opened
	// for (from /relay's "hash" query param, or from the dial target),
	// checked against the digest the peer claims in its session frame.
	expectedDigest string

	mu     sync.Mutex
	relays map[string]struct{} // info-hash digests this peer shares with us

	conn   *websocket.Conn
	sendMu sync.Mutex
	closed bool
}

func newRelayConn(id string, server bool, conn *websocket.Conn) *RelayConn {
	return &RelayConn{
		ID:     id,
		Server: server,
		Active: true,
		relays: make(map[string]struct{}),
		conn:   conn,
	}
}

func (r *RelayConn) Send(f Frame) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.closed || r.conn == nil {
		return
	}
	if err := r.conn.WriteJSON(f); err != nil {
		log.Debug().Err(err).Str("peer", r.ID).Msg("relay: peer send failed")
	}
}

func (r *RelayConn) Close() {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

// attachConn supplies the socket for a RelayConn that was registered
// before its outbound dial completed.
func (r *RelayConn) attachConn(conn *websocket.Conn) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.conn = conn
}

// Digests returns a snapshot of the info-hash digests this peer shares.
func (r *RelayConn) Digests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.relays))
	for d := range r.relays {
		out = append(out, d)
	}
	return out
}

func (r *RelayConn) hasDigest(d string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.relays[d]
	return ok
}

func (r *RelayConn) addDigest(d string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relays[d] = struct{}{}
}

func (r *RelayConn) removeDigest(d string) (remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.relays, d)
	return len(r.relays)
}

// PeerRegistry is the dual client/relay index plus the digest-keyed
// relay membership table and per-hash offer queues. All operations
// serialize through a single mutex, so callers can treat it as one
// actor rather than reasoning about lock ordering themselves.
type PeerRegistry struct {
	mu sync.Mutex

	clients map[string]*ClientConn
	servers map[string]*RelayConn

	relays map[string]map[string]*RelayConn // digest -> peerID -> conn
	offers map[string]map[string]struct{}   // hash -> waiting client ids
}

// NewPeerRegistry constructs an empty registry pre-seeded with an empty
// offer queue for every subscribed hash, so WaitingFor returns an empty
// set rather than nil for any of them.
func NewPeerRegistry(hashes []string) *PeerRegistry {
	reg := &PeerRegistry{
		clients: make(map[string]*ClientConn),
		servers: make(map[string]*RelayConn),
		relays:  make(map[string]map[string]*RelayConn),
		offers:  make(map[string]map[string]struct{}),
	}
	for _, h := range hashes {
		reg.offers[h] = make(map[string]struct{})
	}
	return reg
}

// AddClient inserts c, failing if its id collides with a live client.
func (p *PeerRegistry) AddClient(c *ClientConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.clients[c.ID]; exists {
		return false
	}
	p.clients[c.ID] = c
	return true
}

func (p *PeerRegistry) RemoveClient(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, id)
}

func (p *PeerRegistry) GetClient(id string) (*ClientConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	return c, ok
}

// ClientCount reports the total number of connected /signal clients, for
// the Limit.ClientConnections cap.
func (p *PeerRegistry) ClientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// AddServer inserts a RelayConn into the by-id index, failing on a
// colliding peer id.
func (p *PeerRegistry) AddServer(r *RelayConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.servers[r.ID]; exists {
		return false
	}
	p.servers[r.ID] = r
	return true
}

func (p *PeerRegistry) RemoveServer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.servers, id)
}

func (p *PeerRegistry) GetServer(id string) (*RelayConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.servers[id]
	return r, ok
}

// AllServers returns a snapshot of every connected relay peer, for the
// health ticker's sweep.
func (p *PeerRegistry) AllServers() []*RelayConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*RelayConn, 0, len(p.servers))
	for _, r := range p.servers {
		out = append(out, r)
	}
	return out
}

// AllClients returns a snapshot of every live client, used by the
// health ticker's stall sweep and the graceful-close hand-off.
func (p *PeerRegistry) AllClients() []*ClientConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ClientConn, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}

// RelaysFor returns the membership list for an info-hash digest.
func (p *PeerRegistry) RelaysFor(digest string) []*RelayConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.relays[digest]
	out := make([]*RelayConn, 0, len(set))
	for _, r := range set {
		out = append(out, r)
	}
	return out
}

// MemberCount reports how many relay peers currently share digest,
// for RelayDialer's per-digest connection cap.
func (p *PeerRegistry) MemberCount(digest string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.relays[digest])
}

// AttachRelay adds conn to relays[digest], idempotent on conn.ID.
func (p *PeerRegistry) AttachRelay(digest string, conn *RelayConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.relays[digest]
	if !ok {
		set = make(map[string]*RelayConn)
		p.relays[digest] = set
	}
	if _, exists := set[conn.ID]; exists {
		return
	}
	set[conn.ID] = conn
}

// DetachRelay removes conn from relays[digest].
func (p *PeerRegistry) DetachRelay(digest string, conn *RelayConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.relays[digest]; ok {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(p.relays, digest)
		}
	}
}

// DetachRelayAll removes conn from every digest it was attached under,
// used on relay-peer disconnect.
func (p *PeerRegistry) DetachRelayAll(conn *RelayConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for digest, set := range p.relays {
		if _, ok := set[conn.ID]; ok {
			delete(set, conn.ID)
			if len(set) == 0 {
				delete(p.relays, digest)
			}
		}
	}
}

// WaitingFor returns a copy of the client ids in hash's offer queue, or
// nil if hash has no queue. Changing the copy does not touch the queue;
// mutate the queue through Enqueue/Dequeue instead.
func (p *PeerRegistry) WaitingFor(hash string) map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.offers[hash]
	if !ok {
		return nil
	}
	out := make(map[string]struct{}, len(q))
	for id := range q {
		out[id] = struct{}{}
	}
	return out
}

// Enqueue idempotently adds id to hash's offer queue.
func (p *PeerRegistry) Enqueue(hash, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.offers[hash]
	if !ok {
		q = make(map[string]struct{})
		p.offers[hash] = q
	}
	q[id] = struct{}{}
}

// Dequeue removes id from hash's offer queue.
func (p *PeerRegistry) Dequeue(hash, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.offers[hash]; ok {
		delete(q, id)
	}
}
