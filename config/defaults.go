package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultAgentPort is the single inbound port the agent listens on.
	DefaultAgentPort = 8999

	// DefaultListenHost is the agent's bind address.
	DefaultListenHost = "0.0.0.0"

	// DefaultAgentHost is where the launcher looks for an agent when the
	// address part of [address:]port is omitted.
	DefaultAgentHost = "localhost"

	// DefaultPollTimeout bounds each wait of the agent's readiness loop.
	DefaultPollTimeout = 250 * time.Millisecond

	// DefaultIdleSleep is the pause after two consecutive empty wakes.
	DefaultIdleSleep = 10 * time.Millisecond

	// DefaultGracePeriod is how long buffered worker output may keep
	// draining to the controller after the worker side has closed.
	DefaultGracePeriod = 10 * time.Second

	// DefaultChunkSize caps the console output carried by one S0 record.
	DefaultChunkSize = 1000

	// DefaultRelayBufSize is the size of each relay direction's buffer.
	DefaultRelayBufSize = 32 * 1024

	// DefaultConnTimeout is the launcher and worker dial timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultConnectRetries is how many times the launcher dials a
	// missing agent before giving up.
	DefaultConnectRetries = 3

	// DefaultCacheRoot is the worker's resource cache directory,
	// relative to its working directory.
	DefaultCacheRoot = ".remotevm"

	// DefaultDebugger wraps the worker when a remote debug port is set.
	DefaultDebugger = "dlv"

	// EnvPrefix prefixes every environment variable rvl reads.
	EnvPrefix = "RVL_"
)
