// Package portutil provides loopback port allocation for the local server.
package portutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// MaxProbes is the number of ports tried starting at the base port
// (base..base+10 inclusive).
const MaxProbes = 11

// AllocatePort allocates an available port using OS assignment.
// This approach is thread-safe and avoids port conflicts.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// ListenLoopback binds a TCP listener on the given loopback host, trying
// the base port first and walking up when the port is already in use.
// Returns the listener and the port it bound. Non-address-in-use errors
// fail immediately.
func ListenLoopback(host string, base int) (net.Listener, int, error) {
	if host == "" {
		host = "127.0.0.1"
	}

	var lastErr error
	for i := 0; i < MaxProbes; i++ {
		port := base + i
		listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			// Report the bound port from the listener, so a zero base
			// (OS-assigned) still yields the real port.
			return listener, listener.Addr().(*net.TCPAddr).Port, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, fmt.Errorf("failed to bind %s:%d: %w", host, port, err)
		}
		lastErr = err
	}

	return nil, 0, fmt.Errorf("no free port in range %d-%d: %w", base, base+MaxProbes-1, lastErr)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
