package relay

import "testing"

func TestPeerRegistryClientLifecycle(t *testing.T) {
	reg := NewPeerRegistry([]string{"deadbeef"})
	c := newClientConn("alice", "deadbeef", 3, nil)

	if !reg.AddClient(c) {
		t.Fatal("AddClient() = false on first insert, want true")
	}
	if reg.AddClient(c) {
		t.Fatal("AddClient() = true on id collision, want false")
	}
	got, ok := reg.GetClient("alice")
	if !ok || got != c {
		t.Fatalf("GetClient() = %v, %v, want %v, true", got, ok, c)
	}
	if n := reg.ClientCount(); n != 1 {
		t.Fatalf("ClientCount() = %d, want 1", n)
	}

	reg.RemoveClient("alice")
	if _, ok := reg.GetClient("alice"); ok {
		t.Fatal("GetClient() still found client after RemoveClient")
	}
	if n := reg.ClientCount(); n != 0 {
		t.Fatalf("ClientCount() = %d after remove, want 0", n)
	}
}

func TestPeerRegistryOfferQueue(t *testing.T) {
	reg := NewPeerRegistry([]string{"somehash"})

	reg.Enqueue("somehash", "a")
	reg.Enqueue("somehash", "b")
	reg.Enqueue("somehash", "a") // idempotent

	waiting := reg.WaitingFor("somehash")
	if len(waiting) != 2 {
		t.Fatalf("WaitingFor() = %d entries, want 2", len(waiting))
	}

	reg.Dequeue("somehash", "a")
	waiting = reg.WaitingFor("somehash")
	if _, ok := waiting["a"]; ok {
		t.Fatal("WaitingFor() still contains dequeued id")
	}
	if _, ok := waiting["b"]; !ok {
		t.Fatal("WaitingFor() missing id that was never dequeued")
	}
}

func TestPeerRegistryWaitingForReturnsACopy(t *testing.T) {
	reg := NewPeerRegistry([]string{"h"})
	reg.Enqueue("h", "x")

	snapshot := reg.WaitingFor("h")
	delete(snapshot, "x")

	if _, ok := reg.WaitingFor("h")["x"]; !ok {
		t.Fatal("mutating a WaitingFor() snapshot affected the live queue")
	}
}

func TestPeerRegistryAttachRelayIdempotent(t *testing.T) {
	reg := NewPeerRegistry(nil)
	r := newRelayConn("peer1", false, nil)

	reg.AttachRelay("digestA", r)
	reg.AttachRelay("digestA", r) // must not duplicate or panic

	if n := reg.MemberCount("digestA"); n != 1 {
		t.Fatalf("MemberCount() = %d after duplicate attach, want 1", n)
	}

	reg.DetachRelay("digestA", r)
	if n := reg.MemberCount("digestA"); n != 0 {
		t.Fatalf("MemberCount() = %d after detach, want 0", n)
	}
}

func TestPeerRegistryDetachRelayAll(t *testing.T) {
	reg := NewPeerRegistry(nil)
	r := newRelayConn("peer1", false, nil)

	reg.AttachRelay("d1", r)
	reg.AttachRelay("d2", r)
	reg.DetachRelayAll(r)

	if n := reg.MemberCount("d1"); n != 0 {
		t.Fatalf("MemberCount(d1) = %d after DetachRelayAll, want 0", n)
	}
	if n := reg.MemberCount("d2"); n != 0 {
		t.Fatalf("MemberCount(d2) = %d after DetachRelayAll, want 0", n)
	}
}

func TestRelayConnDigestsRoundTrip(t *testing.T) {
	r := newRelayConn("peer1", false, nil)
	r.addDigest("a")
	r.addDigest("b")

	if !r.hasDigest("a") || !r.hasDigest("b") {
		t.Fatal("hasDigest() false for digest that was added")
	}

	remaining := r.removeDigest("a")
	if remaining != 1 {
		t.Fatalf("removeDigest() remaining = %d, want 1", remaining)
	}
	if r.hasDigest("a") {
		t.Fatal("hasDigest() true after removeDigest")
	}
}

func TestPeerRegistryAllServersAndAllClientsAreSnapshots(t *testing.T) {
	reg := NewPeerRegistry(nil)
	reg.AddServer(newRelayConn("s1", false, nil))
	reg.AddClient(newClientConn("c1", "h", 3, nil))

	servers := reg.AllServers()
	clients := reg.AllClients()
	if len(servers) != 1 {
		t.Fatalf("AllServers() = %d, want 1", len(servers))
	}
	if len(clients) != 1 {
		t.Fatalf("AllClients() = %d, want 1", len(clients))
	}

	reg.RemoveServer("s1")
	if len(servers) != 1 {
		t.Fatal("prior AllServers() snapshot mutated by later RemoveServer")
	}
}
