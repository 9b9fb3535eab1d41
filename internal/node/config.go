package node

import (
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/kadsim/internal/routing"
)

const (
	// DefaultAlpha is the lookup fan-out.
	DefaultAlpha = 3
	// DefaultK is the lookup result size and the replication factor.
	DefaultK = 20
	// DefaultRPCTimeout bounds one request/response exchange.
	DefaultRPCTimeout = 10 * time.Second
	// DefaultMaxRounds caps the rounds of one iterative lookup.
	DefaultMaxRounds = 20
)

// Config tunes a node. Zero fields take the defaults above.
type Config struct {
	Alpha      int           // Parallel requests per lookup round
	K          int           // Lookup result size and replication factor
	RecentSize int           // Recency list bound
	RPCTimeout time.Duration // Wait for one reply before giving up
	MaxRounds  int           // Hard ceiling on lookup rounds
	Logger     *zap.Logger   // Nil disables logging
}

// DefaultConfig returns the reference parameters.
func DefaultConfig() Config {
	return Config{
		Alpha:      DefaultAlpha,
		K:          DefaultK,
		RecentSize: routing.DefaultRecentSize,
		RPCTimeout: DefaultRPCTimeout,
		MaxRounds:  DefaultMaxRounds,
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
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// LookupDeadline is the longest a single lookup may run.
func (c Config) LookupDeadline() time.Duration {
	c = c.withDefaults()
	return time.Duration(c.MaxRounds) * c.RPCTimeout
}
