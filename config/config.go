// Package config defines the runtime configuration for the rvl agent,
// launcher and worker, and provides helpers for parsing addresses.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	rvlerrors "rvl/internal/errors"
)

// AgentConfig holds every tuneable of the long-running agent.
type AgentConfig struct {
	// ── Network ──────────────────────────────────────────────────────
	ListenAddr string // host:port of the single inbound port

	// ── Worker ───────────────────────────────────────────────────────
	Executable string // worker binary; empty means this rvl binary
	Debugger   string // wraps the worker when a debug port is requested

	// ── Loop tuning ──────────────────────────────────────────────────
	PollTimeout  time.Duration
	IdleSleep    time.Duration
	GracePeriod  time.Duration
	ChunkSize    int
	RelayBufSize int

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
}

// LaunchConfig holds the controller-side launcher's options.
type LaunchConfig struct {
	// ── Connection ───────────────────────────────────────────────────
	AgentAddr      string // host:port
	Timeout        time.Duration
	ConnectRetries int

	// ── What to run ──────────────────────────────────────────────────
	Main             string
	Args             []string
	Classpath        []string // local entries shipped through the cache
	RemoteClasspath  []string // entries as seen from the remote host
	ExcludeClasspath []string

	// ── Worker process ───────────────────────────────────────────────
	RemoteArgs         []string // forwarded worker process arguments
	RemoteDebugPort    int
	RemoteDebugSuspend bool
	KeepWorker         bool // leave the worker running if we disconnect

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
}

// WorkerConfig holds the options the agent passes to a spawned worker.
type WorkerConfig struct {
	Port      int // agent callback port on 127.0.0.1
	CacheRoot string
	Timeout   time.Duration
	Verbose   int
}

// DefaultAgent returns an AgentConfig populated from defaults.go.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		ListenAddr:   net.JoinHostPort(DefaultListenHost, strconv.Itoa(DefaultAgentPort)),
		Debugger:     DefaultDebugger,
		PollTimeout:  DefaultPollTimeout,
		IdleSleep:    DefaultIdleSleep,
		GracePeriod:  DefaultGracePeriod,
		ChunkSize:    DefaultChunkSize,
		RelayBufSize: DefaultRelayBufSize,
		Verbose:      1,
	}
}

// DefaultLaunch returns a LaunchConfig populated from defaults.go.
func DefaultLaunch() *LaunchConfig {
	return &LaunchConfig{
		AgentAddr:      net.JoinHostPort(DefaultAgentHost, strconv.Itoa(DefaultAgentPort)),
		Timeout:        DefaultConnTimeout,
		ConnectRetries: DefaultConnectRetries,
		Verbose:        1,
	}
}

// DefaultWorker returns a WorkerConfig populated from defaults.go.
func DefaultWorker() *WorkerConfig {
	return &WorkerConfig{
		CacheRoot: DefaultCacheRoot,
		Timeout:   DefaultConnTimeout,
	}
}

// ── Address helpers ──────────────────────────────────────────────────

// ParseHostPort accepts "port", ":port" or "host:port" and fills in
// defaultHost when the host part is omitted.  The result is suitable for
// net.Dial / net.Listen.
func ParseHostPort(spec, defaultHost string) (string, error) {
	host, portStr := defaultHost, spec
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		if h := spec[:i]; h != "" {
			host = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
		}
		portStr = spec[i+1:]
	}
	port, err := ParsePort(portStr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// ParsePort accepts a decimal port in 1-65535.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the agent configuration is usable.
func (c *AgentConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return &rvlerrors.ConfigError{Field: "listen", Value: c.ListenAddr,
			Message: err.Error(), Hint: "use [address:]port, for example 0.0.0.0:8999"}
	}
	if c.PollTimeout <= 0 {
		return &rvlerrors.ConfigError{Field: "poll-timeout", Value: c.PollTimeout,
			Message: "must be positive"}
	}
	if c.GracePeriod < 0 {
		return &rvlerrors.ConfigError{Field: "grace", Value: c.GracePeriod,
			Message: "must not be negative"}
	}
	if c.ChunkSize < 1 || c.ChunkSize > 0xFFFF {
		return &rvlerrors.ConfigError{Field: "chunk-size", Value: c.ChunkSize,
			Message: "out of range 1-65535", Hint: "an S0 record carries a 16-bit length"}
	}
	if c.RelayBufSize < 1 {
		return &rvlerrors.ConfigError{Field: "relay-buffer", Value: c.RelayBufSize,
			Message: "must be positive"}
	}
	return nil
}

// Validate checks that the launcher configuration is usable.
func (c *LaunchConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.AgentAddr); err != nil {
		return &rvlerrors.ConfigError{Field: "agent", Value: c.AgentAddr,
			Message: err.Error(), Hint: "use [address:]port"}
	}
	if c.Main == "" {
		return &rvlerrors.ConfigError{Field: "main", Message: "required",
			Hint: "usage: rvl launch [options] [address:]port main [-- args...]"}
	}
	if c.RemoteDebugPort < 0 || c.RemoteDebugPort > 65535 {
		return &rvlerrors.ConfigError{Field: "remote-debug-port", Value: c.RemoteDebugPort,
			Message: "out of range 0-65535"}
	}
	if c.RemoteDebugSuspend && c.RemoteDebugPort == 0 {
		return &rvlerrors.ConfigError{Field: "remote-debug-suspend", Value: true,
			Message: "has no effect without a debug port",
			Hint:    "add --remote-debug-port <port>"}
	}
	if c.ConnectRetries < 1 {
		return &rvlerrors.ConfigError{Field: "connect-retries", Value: c.ConnectRetries,
			Message: "must be at least 1"}
	}
	return nil
}

// Validate checks that the worker configuration is usable.
func (c *WorkerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &rvlerrors.ConfigError{Field: "port", Value: c.Port,
			Message: "out of range 1-65535", Hint: "the agent appends its callback port"}
	}
	if c.CacheRoot == "" {
		return &rvlerrors.ConfigError{Field: "cache", Message: "required"}
	}
	return nil
}
