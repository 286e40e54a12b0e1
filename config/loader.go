package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the RVL_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  List values are
// comma separated.

// ConfigPathFromEnv returns RVL_CONFIG, the default config file path.
func ConfigPathFromEnv() string {
	return os.Getenv(EnvPrefix + "CONFIG")
}

// LoadAgentEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.
func LoadAgentEnv(cfg *AgentConfig) {
	if v := os.Getenv(EnvPrefix + "LISTEN"); v != "" {
		if addr, err := ParseHostPort(v, DefaultListenHost); err == nil {
			cfg.ListenAddr = addr
		}
	}
	if v := os.Getenv(EnvPrefix + "EXECUTABLE"); v != "" {
		cfg.Executable = v
	}
	if v := os.Getenv(EnvPrefix + "DEBUGGER"); v != "" {
		cfg.Debugger = v
	}
	if v := envDuration(EnvPrefix + "GRACE"); v > 0 {
		cfg.GracePeriod = v
	}
	if v := envDuration(EnvPrefix + "POLL_TIMEOUT"); v > 0 {
		cfg.PollTimeout = v
	}
	if v := envInt(EnvPrefix + "CHUNK_SIZE"); v > 0 {
		cfg.ChunkSize = v
	}
	if v := envInt(EnvPrefix + "DEBUG"); v > 0 {
		cfg.Verbose = v
	}
}

// LoadLaunchEnv overlays environment variables onto cfg.
func LoadLaunchEnv(cfg *LaunchConfig) {
	if v := os.Getenv(EnvPrefix + "AGENT"); v != "" {
		if addr, err := ParseHostPort(v, DefaultAgentHost); err == nil {
			cfg.AgentAddr = addr
		}
	}
	if v := envList(EnvPrefix + "CLASSPATH"); len(v) > 0 {
		cfg.Classpath = v
	}
	if v := envList(EnvPrefix + "REMOTE_CLASSPATH"); len(v) > 0 {
		cfg.RemoteClasspath = v
	}
	if v := envList(EnvPrefix + "EXCLUDE_CLASSPATH"); len(v) > 0 {
		cfg.ExcludeClasspath = v
	}
	if v := envInt(EnvPrefix + "REMOTE_DEBUG_PORT"); v > 0 {
		cfg.RemoteDebugPort = v
	}
	if envBool(EnvPrefix + "REMOTE_DEBUG_SUSPEND") {
		cfg.RemoteDebugSuspend = true
	}
	if envBool(EnvPrefix + "KEEP_WORKER") {
		cfg.KeepWorker = true
	}
	if v := envInt(EnvPrefix + "CONNECT_RETRIES"); v > 0 {
		cfg.ConnectRetries = v
	}
	if v := envInt(EnvPrefix + "TIMEOUT"); v > 0 {
		cfg.Timeout = secondsDuration(v)
	}
	if v := envInt(EnvPrefix + "DEBUG"); v > 0 {
		cfg.Verbose = v
	}
}

// LoadWorkerEnv overlays environment variables onto cfg.
func LoadWorkerEnv(cfg *WorkerConfig) {
	if v := os.Getenv(EnvPrefix + "CACHE"); v != "" {
		cfg.CacheRoot = v
	}
	if v := envInt(EnvPrefix + "TIMEOUT"); v > 0 {
		cfg.Timeout = secondsDuration(v)
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return secondsDuration(n)
	}
	return 0
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
