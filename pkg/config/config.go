package config

import (
	"fmt"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for a checkpoint run. Every
// field is sourced from the environment so the checker can be driven by
// an automated grading harness.
type Config struct {
	Environment string
	LogLevel    string
	LogPath     string

	// Checkpoint selects the named criteria set from the catalog.
	Checkpoint string

	// ListenAddrs are the local addresses the reference peer listens on.
	ListenAddrs []ma.Multiaddr
	// BootstrapPeers are remote peer addresses (with /p2p/ component)
	// dialed at startup and seeded into the routing table.
	BootstrapPeers []ma.Multiaddr

	// KeyFile points at a libp2p-protobuf-encoded private key. Empty
	// means an ephemeral identity is generated for this run.
	KeyFile string

	// Timeout fails the checkpoint if evidence is still insufficient
	// after this long. Zero disables the timeout criterion.
	Timeout time.Duration

	// TickInterval drives chatty publication, bootstrap retries and the
	// drain grace period.
	TickInterval time.Duration
	// DrainGraceTicks bounds how many ticks Draining waits for
	// connection-closed confirmations before terminating anyway.
	DrainGraceTicks int

	// ExpectedAgent, when set, requires the capability exchange to carry
	// this exact agent string.
	ExpectedAgent string

	// Early-close behaviour flags, one per protocol phase.
	CloseAfterConnected         bool
	CloseAfterPing              bool
	CloseAfterIdentify          bool
	CloseAfterGossipMsg         bool
	CloseAfterKademliaBootstrap bool

	// Chatty enables periodic test-message publication on each tick.
	Chatty bool
}

// Environment variable names are a compatibility contract with the
// checkpoint grading harness.
const (
	envListenAddrs    = "LISTEN_ADDRS"
	envBootstrapPeers = "BOOTSTRAP_PEERS"
	envKeyFile        = "KEY_FILE"
	envCheckpoint     = "CHECKPOINT"
	envTimeout        = "CHECKPOINT_TIMEOUT"
	envExpectedAgent  = "EXPECTED_AGENT"
	envLogLevel       = "LOG_LEVEL"
	envLogPath        = "LOG_PATH"

	envCloseAfterConnected = "CLOSE_AFTER_CONNECTED"
	envCloseAfterPing      = "CLOSE_AFTER_PING"
	envCloseAfterIdentify  = "CLOSE_AFTER_IDENTIFY"
	envCloseAfterGossip    = "CLOSE_AFTER_GOSSIP_MSG"
	envCloseAfterKademlia  = "CLOSE_AFTER_KADEMLIA_BOOTSTRAP"
	envChatty              = "CHATTY"
)

// Load reads configuration from the environment
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	for _, key := range []string{
		envListenAddrs, envBootstrapPeers, envKeyFile, envCheckpoint,
		envTimeout, envExpectedAgent, envLogLevel, envLogPath,
		envCloseAfterConnected, envCloseAfterPing, envCloseAfterIdentify,
		envCloseAfterGossip, envCloseAfterKademlia, envChatty,
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	listenAddrs, err := splitAddrs(v.GetString(envListenAddrs))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", envListenAddrs, err)
	}

	bootstrapPeers, err := splitAddrs(v.GetString(envBootstrapPeers))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", envBootstrapPeers, err)
	}

	cfg := &Config{
		Environment:     "checker",
		LogLevel:        v.GetString(envLogLevel),
		LogPath:         v.GetString(envLogPath),
		Checkpoint:      v.GetString(envCheckpoint),
		ListenAddrs:     listenAddrs,
		BootstrapPeers:  bootstrapPeers,
		KeyFile:         v.GetString(envKeyFile),
		Timeout:         v.GetDuration(envTimeout),
		TickInterval:    v.GetDuration("TICK_INTERVAL"),
		DrainGraceTicks: v.GetInt("DRAIN_GRACE_TICKS"),
		ExpectedAgent:   v.GetString(envExpectedAgent),

		CloseAfterConnected:         flagSet(v, envCloseAfterConnected),
		CloseAfterPing:              flagSet(v, envCloseAfterPing),
		CloseAfterIdentify:          flagSet(v, envCloseAfterIdentify),
		CloseAfterGossipMsg:         flagSet(v, envCloseAfterGossip),
		CloseAfterKademliaBootstrap: flagSet(v, envCloseAfterKademlia),
		Chatty:                      flagSet(v, envChatty),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(envLogLevel, "info")
	v.SetDefault(envLogPath, "logs/checker.log")
	v.SetDefault(envCheckpoint, "final")
	v.SetDefault("TICK_INTERVAL", "5s")
	v.SetDefault("DRAIN_GRACE_TICKS", 3)
}

// splitAddrs parses a comma-separated multiaddr list. Each element is
// validated individually so a single malformed address names itself in
// the error.
func splitAddrs(s string) ([]ma.Multiaddr, error) {
	var addrs []ma.Multiaddr
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(part)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", part, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// flagSet treats any non-empty, non-false value as enabled. The grading
// harness signals flags by presence, with arbitrary values.
func flagSet(v *viper.Viper, key string) bool {
	val := strings.TrimSpace(v.GetString(key))
	if val == "" || val == "0" {
		return false
	}
	return !strings.EqualFold(val, "false")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Checkpoint == "" {
		return fmt.Errorf("checkpoint name cannot be empty")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.DrainGraceTicks < 0 {
		return fmt.Errorf("drain grace ticks cannot be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if len(c.ListenAddrs) == 0 && len(c.BootstrapPeers) == 0 {
		return fmt.Errorf("at least one listen address or bootstrap peer is required")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}
