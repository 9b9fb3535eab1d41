// Package main runs a small in-process Kademlia network and exercises it end
// to end: nodes join one by one, four values are inserted, two are read back
// and a random node is killed.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│               network.Network            │
//	├──────────────────────────────────────────┤
//	│  registry   - live nodes by ID           │
//	│  bus        - one mailbox per node       │
//	│  health     - optional liveness pings    │
//	├──────────────────────────────────────────┤
//	│  node.Node × N                           │
//	│    actor state, pending table, lookups   │
//	└──────────────────────────────────────────┘
//
// Configuration:
//   - KADSIM_NODES: Number of nodes to start (default: 3)
//   - KADSIM_ALPHA: Lookup fan-out (default: 3)
//   - KADSIM_K: Lookup result size and replication factor (default: 20)
//   - KADSIM_RPC_TIMEOUT: Wait for one reply (default: 10s)
//   - KADSIM_MAX_ROUNDS: Lookup round ceiling (default: 20)
//   - KADSIM_DELIVERY: "unicast" or "broadcast" (default: unicast)
//   - KADSIM_HEALTH_INTERVAL: Health check interval, 0 disables (default: 0)
//   - KADSIM_DEBUG: "true" enables debug logging
//
// Example usage:
//
//	KADSIM_NODES=16 KADSIM_K=4 KADSIM_DEBUG=true ./kadsim
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/kadsim/internal/bus"
	"github.com/dreamware/kadsim/internal/keyspace"
	"github.com/dreamware/kadsim/internal/network"
)

// logFatal is a variable so tests can intercept fatal errors without
// terminating the test process.
var logFatal = func(template string, args ...any) {
	zap.S().Fatalf(template, args...)
}

// sampleValues are inserted under keys 0, 1, 2, ...
var sampleValues = []string{"a", "b", "c", "d"}

// report is what one run observed.
type report struct {
	Nodes    []keyspace.ID
	Inserted int
	Found    map[uint64]string
	Missing  []uint64
	Killed   keyspace.ID
}

func main() {
	debug := getenv("KADSIM_DEBUG", "false") == "true"
	logger, err := newLogger(debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	size := envInt("KADSIM_NODES", 3)
	cfg := loadConfig()
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := run(ctx, cfg, size, logger)
	if err != nil {
		logFatal("kadsim: %v", err)
		return
	}
	logger.Info("done",
		zap.Int("nodes", len(rep.Nodes)),
		zap.Int("inserted", rep.Inserted),
		zap.Int("found", len(rep.Found)),
		zap.Int("missing", len(rep.Missing)),
		zap.String("killed", rep.Killed.Short()))
}

func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

// loadConfig reads the network parameters from the environment.
func loadConfig() network.Config {
	cfg := network.DefaultConfig()
	cfg.Alpha = envInt("KADSIM_ALPHA", cfg.Alpha)
	cfg.K = envInt("KADSIM_K", cfg.K)
	cfg.MaxRounds = envInt("KADSIM_MAX_ROUNDS", cfg.MaxRounds)
	cfg.RPCTimeout = envDuration("KADSIM_RPC_TIMEOUT", cfg.RPCTimeout)
	cfg.HealthInterval = envDuration("KADSIM_HEALTH_INTERVAL", 0)

	mode, err := bus.ParseMode(getenv("KADSIM_DELIVERY", cfg.Delivery.String()))
	if err != nil {
		logFatal("KADSIM_DELIVERY: %v", err)
	}
	cfg.Delivery = mode
	return cfg
}

// run builds a network of size nodes, inserts sampleValues, reads back the
// first two keys and kills one random node.
func run(ctx context.Context, cfg network.Config, size int, logger *zap.Logger) (report, error) {
	rep := report{Found: make(map[uint64]string)}

	net := network.New[string](cfg)
	defer net.Close()

	for i := 0; i < size; i++ {
		if _, err := net.AddNode(ctx); err != nil {
			return rep, fmt.Errorf("add node %d: %w", i, err)
		}
	}
	rep.Nodes = net.IDs()
	for _, id := range rep.Nodes {
		logger.Info("node", zap.Stringer("id", id))
	}

	for i, v := range sampleValues {
		key := keyspace.FromUint64(uint64(i))
		if err := net.InsertValue(ctx, key, v); err != nil {
			return rep, err
		}
		rep.Inserted++
		logger.Info("inserted",
			zap.Int("key", i),
			zap.String("value", v),
			zap.Int("replicas", len(net.Holders(key))))
	}

	for _, k := range []uint64{0, 1} {
		v, ok, err := net.GetValue(ctx, keyspace.FromUint64(k))
		if err != nil {
			return rep, err
		}
		if !ok {
			rep.Missing = append(rep.Missing, k)
			logger.Info("not found", zap.Uint64("key", k))
			continue
		}
		rep.Found[k] = v
		logger.Info("found", zap.Uint64("key", k), zap.String("value", v))
	}

	killed, err := net.KillNode()
	if err != nil {
		return rep, err
	}
	rep.Killed = killed
	logger.Info("killed", zap.Stringer("id", killed), zap.Int("remaining", net.Len()))
	return rep, nil
}

// getenv retrieves an environment variable with a default fallback value.
// Empty values are treated as unset.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// envInt reads a positive integer, exiting through logFatal on malformed input.
func envInt(k string, def int) int {
	v := getenv(k, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logFatal("%s: want a positive integer, got %q", k, v)
		return def
	}
	return n
}

// envDuration reads a time.ParseDuration value, exiting through logFatal on
// malformed input.
func envDuration(k string, def time.Duration) time.Duration {
	v := getenv(k, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		logFatal("%s: want a duration, got %q", k, v)
		return def
	}
	return d
}
