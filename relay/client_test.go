package relay

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestParseWantClamping(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"", 3},
		{"0", 3},
		{"99", 3},
		{"4", 4},
		{"1", 1},
		{"6", 6},
		{"7", 3},
		{"-1", 3},
		{"not-a-number", 3},
		{"3.9", 3},
	}
	for _, c := range cases {
		if got := parseWant(c.raw); got != c.want {
			t.Errorf("parseWant(%q) = %d, want %d", c.raw, got, c.want)
		}
	}
}

// startTestSignalServer brings up a real /signal endpoint over loopback
// backed by a fully wired Server, for end-to-end protocol tests.
func startTestSignalServer(t *testing.T, hashes []string) (s *Server, wsURL string) {
	t.Helper()
	s, err := NewServer(Config{Host: "127.0.0.1", Port: 0, Hashes: hashes}, NewFakeDHT())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/signal", s.handleSignal)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialSignal(t *testing.T, base, hash, id string, want int) *websocket.Conn {
	t.Helper()
	u := fmt.Sprintf("%s/signal?hash=%s&id=%s", base, hash, id)
	if want != 0 {
		u += fmt.Sprintf("&want=%d", want)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial(%q) error = %v", u, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return f
}

func TestSignalHandshakePairing(t *testing.T) {
	hash := "aaaa"
	s, base := startTestSignalServer(t, []string{hash})

	dialSignal(t, base, hash, "alice", 3) // queues, nothing to read yet
	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.registry.WaitingFor(hash)["alice"]
		return ok
	})
	bob := dialSignal(t, base, hash, "bob", 3)

	f := readFrame(t, bob)
	if f.Action != ActionInit || f.Req != "bob" || f.Res != "alice" {
		t.Fatalf("got %+v, want {action:init req:bob res:alice}", f)
	}
}

func TestSignalNoPartnerThenArrival(t *testing.T) {
	hash := "bbbb"
	s, base := startTestSignalServer(t, []string{hash})

	dialSignal(t, base, hash, "alice", 3)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.registry.WaitingFor(hash)["alice"]
		return ok
	})
	bob := dialSignal(t, base, hash, "bob", 3)

	f := readFrame(t, bob)
	if f.Action != ActionInit || f.Res != "alice" {
		t.Fatalf("bob got %+v, want an init naming alice", f)
	}

	// now a third peer joins; alice and bob are already paired, so carol
	// just queues rather than matching either of them.
	dialSignal(t, base, hash, "carol", 3)
}

func TestSignalRejectsMissingHashOrID(t *testing.T) {
	hash := "cccc"
	_, base := startTestSignalServer(t, []string{hash})

	u := fmt.Sprintf("%s/signal?hash=%s", base, hash) // no id
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	f := readFrame(t, conn)
	if f.Action != ActionError {
		t.Fatalf("got action %q, want error", f.Action)
	}
}

func TestSignalRejectsUnsubscribedHash(t *testing.T) {
	_, base := startTestSignalServer(t, []string{"known"})

	u := fmt.Sprintf("%s/signal?hash=unknown&id=alice", base)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	f := readFrame(t, conn)
	if f.Action != ActionError {
		t.Fatalf("got action %q, want error", f.Action)
	}
}

func TestSignalRejectsDuplicateID(t *testing.T) {
	hash := "dddd"
	s, base := startTestSignalServer(t, []string{hash})

	dialSignal(t, base, hash, "dup", 3)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.registry.GetClient("dup")
		return ok
	})

	u := fmt.Sprintf("%s/signal?hash=%s&id=dup", base, hash)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	f := readFrame(t, conn)
	if f.Action != ActionError {
		t.Fatalf("got action %q, want error for a colliding client id", f.Action)
	}
}

func TestClientDisconnectRequeuesPartnerByHash(t *testing.T) {
	hash := "eeee"
	s, base := startTestSignalServer(t, []string{hash})

	alice := dialSignal(t, base, hash, "alice", 3)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.registry.WaitingFor(hash)["alice"]
		return ok
	})
	bob := dialSignal(t, base, hash, "bob", 3)
	_ = readFrame(t, bob) // the init frame naming alice

	_ = alice.Close()

	waitFor(t, 2*time.Second, func() bool {
		_, stillThere := s.registry.GetClient("alice")
		return !stillThere
	})

	f := readFrame(t, bob) // interrupt, since bob had alice pending
	if f.Action != ActionInterrupt || f.ID != "alice" {
		t.Fatalf("got %+v, want an interrupt naming alice", f)
	}

	waiting := s.registry.WaitingFor(hash)
	if _, ok := waiting["bob"]; !ok {
		t.Fatal("bob was not re-queued under the info-hash after alice disconnected")
	}
}
