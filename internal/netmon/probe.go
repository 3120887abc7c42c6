package netmon

import (
	"context"
	"net"
	"time"
)

// Prober produces a connectivity signal on demand.
type Prober interface {
	Probe(ctx context.Context) Signal
}

// TCPProber reports online when a TCP connection to Addr succeeds.
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

// Probe dials Addr once.
func (p TCPProber) Probe(ctx context.Context) Signal {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return Signal{Connected: false}
	}
	_ = conn.Close()
	reachable := true
	return Signal{Connected: true, InternetReachable: &reachable}
}
