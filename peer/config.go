// Package peer establishes exchange connections over libfabric reliable
// connected (MSG) endpoints. The connection private data carries each side's
// buffer descriptor unless the in-band handshake is selected.
package peer

import (
	"errors"
	"time"

	"github.com/rocketbitz/memxchg/exchange"
)

const (
	// DefaultService is the port used when none is configured.
	DefaultService = "5000"
	// DefaultConnectTimeout bounds connection establishment.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultQueueDepth sizes each completion queue.
	DefaultQueueDepth = 64

	pollSlice = 100 * time.Millisecond
)

// Config controls Dial and Listen.
type Config struct {
	// Provider restricts discovery, e.g. "verbs;ofi_rxm" or "tcp". Empty lets
	// libfabric choose.
	Provider string
	// Node is the peer address for Dial and the bind address for Listen.
	Node    string
	Service string
	// ConnectTimeout bounds the wait for connection events.
	ConnectTimeout time.Duration
	QueueDepth     int
	// InBandDescriptor leaves the connection private data empty. Callers then
	// run Session.ExchangeDescriptors after the connection is up.
	InBandDescriptor bool

	Logger exchange.StructuredLogger
}

func (c *Config) validate(dialing bool) error {
	if dialing && c.Node == "" {
		return errors.New("peer: node required")
	}
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	return nil
}

func (c *Config) debugw(event string, kv ...any) {
	if c.Logger == nil {
		return
	}
	c.Logger.Debugw("memxchg peer", append([]any{"event", event}, kv...)...)
}
