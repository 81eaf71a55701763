package relay

import "time"

// SignalingBroker matches clients on the same info-hash and shuttles
// offer/answer frames between them.
type SignalingBroker struct {
	reg *PeerRegistry
}

func NewSignalingBroker(reg *PeerRegistry) *SignalingBroker {
	return &SignalingBroker{reg: reg}
}

// match picks any waiting client id on c.Hash that isn't c itself and
// isn't already known to c, dequeuing it on success. Iteration order of
// the waiting set is arbitrary; there is no fairness guarantee beyond a
// client that remains queued being eligible on every later attempt.
func (b *SignalingBroker) match(c *ClientConn) *ClientConn {
	waiting := b.reg.WaitingFor(c.Hash)
	for id := range waiting {
		if id == c.ID {
			continue
		}
		c.mu.Lock()
		_, pending := c.ids[id]
		_, done := c.web[id]
		c.mu.Unlock()
		if pending || done {
			continue
		}
		partner, ok := b.reg.GetClient(id)
		if !ok {
			// stale entry: a client that vanished without cleaning up its
			// queue slot. Drop it and keep looking.
			b.reg.Dequeue(c.Hash, id)
			continue
		}
		b.reg.Dequeue(c.Hash, id)
		return partner
	}
	return nil
}

// initiate pairs a with other, or queues a if no partner was found.
func (b *SignalingBroker) initiate(a, other *ClientConn) {
	if other == nil {
		b.reg.Enqueue(a.Hash, a.ID)
		return
	}
	a.mu.Lock()
	a.ids[other.ID] = struct{}{}
	a.mu.Unlock()

	other.mu.Lock()
	other.ids[a.ID] = struct{}{}
	other.mu.Unlock()

	now := time.Now()
	a.mu.Lock()
	a.stamp = &now
	a.mu.Unlock()

	a.Send(Frame{Action: ActionInit, Req: a.ID, Res: other.ID})
}

// MatchAndInitiate is the entry point called whenever c might have
// headroom for another peering: on accept, and after a proc frame frees
// up a slot.
func (b *SignalingBroker) MatchAndInitiate(c *ClientConn) {
	b.initiate(c, b.match(c))
}
