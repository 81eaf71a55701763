package relay

import "net"

// newListener binds addr eagerly so Start can report a bind failure
// synchronously instead of only from the Serve goroutine.
func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
