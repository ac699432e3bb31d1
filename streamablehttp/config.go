package streamablehttp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/jonboulle/clockwork"
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	clock             clockwork.Clock
	keepAliveInterval time.Duration
	disallowDelete    bool
	replayCapacity    int
}

// WithLogger sets the slog logger used by the transport. If not provided,
// slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithKeepAliveInterval enables the keep-alive scheduler: every interval,
// each session with a live stream receives a lightweight ping notification
// to defeat idle-connection timeouts in intermediaries. Keep-alive is
// disabled when the interval is unset.
func WithKeepAliveInterval(interval time.Duration) Option {
	return func(c *newConfig) { c.keepAliveInterval = interval }
}

// WithDisallowDelete disables the DELETE verb entirely; termination attempts
// receive 405. This is deployment policy, not a protocol rule.
func WithDisallowDelete() Option {
	return func(c *newConfig) { c.disallowDelete = true }
}

// WithReplayCapacity bounds each session's replay buffer.
func WithReplayCapacity(n int) Option {
	return func(c *newConfig) { c.replayCapacity = n }
}

// WithClock substitutes the clock driving the keep-alive scheduler. Tests
// inject a clockwork fake clock to drive ticks deterministically.
func WithClock(clock clockwork.Clock) Option {
	return func(c *newConfig) { c.clock = clock }
}

// Config carries the transport settings loadable from the environment.
type Config struct {
	// Endpoint is the path all four verbs are mounted on. ENV: MCP_ENDPOINT
	Endpoint string `env:"MCP_ENDPOINT,default=/mcp"`
	// DisallowDelete disables session deletion over DELETE. ENV: MCP_DISALLOW_DELETE
	DisallowDelete bool `env:"MCP_DISALLOW_DELETE,default=false"`
	// KeepAliveInterval enables keep-alive pings when non-zero. ENV: MCP_KEEP_ALIVE_INTERVAL
	KeepAliveInterval time.Duration `env:"MCP_KEEP_ALIVE_INTERVAL,default=0s"`
	// ReplayCapacity bounds each session's replay buffer. ENV: MCP_REPLAY_CAPACITY
	ReplayCapacity int `env:"MCP_REPLAY_CAPACITY,default=256"`
}

// options translates the config into constructor options.
func (c Config) options() []Option {
	opts := []Option{WithReplayCapacity(c.ReplayCapacity)}
	if c.DisallowDelete {
		opts = append(opts, WithDisallowDelete())
	}
	if c.KeepAliveInterval > 0 {
		opts = append(opts, WithKeepAliveInterval(c.KeepAliveInterval))
	}
	return opts
}

// NewFromEnv builds a Handler with settings populated by envdecode; defaults
// come from the struct tags. Explicit opts take precedence over environment
// values.
func NewFromEnv(server ServerHandler, opts ...Option) (*Handler, error) {
	var cfg Config
	// Every field carries a default tag, so a clean environment decodes
	// without error; a malformed value must not silently fall back to the
	// default.
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode transport config from environment: %w", err)
	}
	return New(cfg.Endpoint, server, append(cfg.options(), opts...)...)
}
