package protocol

import (
	"context"
	"net"
)

// NetDialer abstracts TCP connection dialing for testing
type NetDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultNetDialer uses the standard net package for TCP connections
type DefaultNetDialer struct{}

// DialContext connects to a TCP address, honouring ctx for cancellation and deadline
func (d *DefaultNetDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, network, address)
}
