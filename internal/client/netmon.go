package client

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ProbeMonitor watches reachability of the relay host with periodic TCP
// probes and reports each transition into the reachable state.
type ProbeMonitor struct {
	log      *zap.SugaredLogger
	addr     string
	interval time.Duration
	probe    func(ctx context.Context, addr string) error
}

func NewProbeMonitor(logger *zap.SugaredLogger, relayURL string, interval time.Duration) (*ProbeMonitor, error) {
	addr, err := hostPort(relayURL)
	if err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &ProbeMonitor{
		log:      logger,
		addr:     addr,
		interval: interval,
		probe:    tcpProbe,
	}, nil
}

func hostPort(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("relay url %q has no host", relayURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}

	return net.JoinHostPort(u.Hostname(), port), nil
}

func tcpProbe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Run probes until ctx is done, calling onAvailable whenever the relay host
// becomes reachable after being unreachable (including the first success).
func (m *ProbeMonitor) Run(ctx context.Context, onAvailable func()) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	reachable := false
	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.interval)
		err := m.probe(probeCtx, m.addr)
		cancel()

		switch {
		case err == nil && !reachable:
			m.log.Debugf("relay %s reachable", m.addr)
			reachable = true
			onAvailable()
		case err != nil && reachable:
			m.log.Debugf("relay %s unreachable: %v", m.addr, err)
			reachable = false
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
