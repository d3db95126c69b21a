package backend

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrBindExhausted indicates not even an ephemeral port could be bound.
// There is no in-process recovery from this; the caller exits nonzero and
// leaves restarting to whatever supervises the process.
var ErrBindExhausted = errors.New("backend: unable to bind any port")

// Listen binds the lowest free port in [start, end] on host. If every port
// in the range is occupied it falls back to an OS-assigned ephemeral port.
// The returned listener stays open: serving on it directly closes the gap
// between "port looked free" and "port is bound" that a probe-and-rebind
// scan would leave.
func Listen(host string, start, end int) (net.Listener, int, error) {
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		return ln, port, nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: range %d-%d occupied and ephemeral bind failed: %v", ErrBindExhausted, start, end, err)
	}
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return nil, 0, fmt.Errorf("%w: unexpected listener address %T", ErrBindExhausted, ln.Addr())
	}
	return ln, addr.Port, nil
}
