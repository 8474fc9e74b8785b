package procscan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// PortFree reports whether nothing is listening on 127.0.0.1:port and the
// port can be bound.
func PortFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Listening reports whether something accepts connections on 127.0.0.1:port.
func Listening(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: 300 * time.Millisecond}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitListening polls until port accepts connections or timeout elapses.
func WaitListening(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if Listening(ctx, port) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d not bound after %s", port, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
