package network

import (
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/kadsim/internal/bus"
	"github.com/dreamware/kadsim/internal/node"
	"github.com/dreamware/kadsim/internal/routing"
)

const (
	// DefaultBootstrapRetries is how many extra peers a joining node tries
	// after its first bootstrap attempt reaches nobody.
	DefaultBootstrapRetries = 3
	// DefaultMaxFailures is how many consecutive failed checks mark a node unhealthy.
	DefaultMaxFailures = 3
)

// Config describes a simulated network. Zero fields take the defaults.
type Config struct {
	Alpha      int
	K          int
	RecentSize int
	RPCTimeout time.Duration
	MaxRounds  int

	// Delivery selects how the bus routes envelopes.
	Delivery bus.Mode

	// BootstrapRetries bounds the retries of a failed bootstrap, each against
	// a freshly chosen peer. Negative disables retries.
	BootstrapRetries int

	// HealthInterval enables the health monitor when positive.
	HealthInterval time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the reference parameters with unicast delivery and no
// health monitor.
func DefaultConfig() Config {
	return Config{
		Alpha:            node.DefaultAlpha,
		K:                node.DefaultK,
		RecentSize:       routing.DefaultRecentSize,
		RPCTimeout:       node.DefaultRPCTimeout,
		MaxRounds:        node.DefaultMaxRounds,
		Delivery:         bus.Unicast,
		BootstrapRetries: DefaultBootstrapRetries,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Alpha <= 0 {
		c.Alpha = def.Alpha
	}
	if c.K <= 0 {
		c.K = def.K
	}
	if c.RecentSize <= 0 {
		c.RecentSize = def.RecentSize
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = def.RPCTimeout
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.BootstrapRetries == 0 {
		c.BootstrapRetries = def.BootstrapRetries
	}
	if c.BootstrapRetries < 0 {
		c.BootstrapRetries = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// nodeConfig is the per-node slice of the network configuration.
func (c Config) nodeConfig() node.Config {
	return node.Config{
		Alpha:      c.Alpha,
		K:          c.K,
		RecentSize: c.RecentSize,
		RPCTimeout: c.RPCTimeout,
		MaxRounds:  c.MaxRounds,
		Logger:     c.Logger,
	}
}
