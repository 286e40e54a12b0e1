package config

import (
	"strings"
	"testing"
	"time"
)

// ── ParseHostPort ────────────────────────────────────────────────────

func TestParseHostPort(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"port only", "8999", "localhost:8999", false},
		{"colon port", ":9000", "localhost:9000", false},
		{"host and port", "build-host:8999", "build-host:8999", false},
		{"ipv4", "10.0.0.5:7000", "10.0.0.5:7000", false},
		{"bracketed ipv6", "[::1]:8999", "[::1]:8999", false},
		{"bad port", "host:99999", "", true},
		{"not a number", "host:http", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHostPort(tt.input, "localhost")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// ── Defaults ─────────────────────────────────────────────────────────

func TestDefaultAgent(t *testing.T) {
	cfg := DefaultAgent()
	if cfg.ListenAddr != "0.0.0.0:8999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.PollTimeout != 250*time.Millisecond || cfg.GracePeriod != 10*time.Second {
		t.Errorf("unexpected loop timings: %v / %v", cfg.PollTimeout, cfg.GracePeriod)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

// ── Validation ───────────────────────────────────────────────────────

func TestAgentValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AgentConfig)
		wantSub string
	}{
		{"bad listen", func(c *AgentConfig) { c.ListenAddr = "nope" }, "hint:"},
		{"zero poll", func(c *AgentConfig) { c.PollTimeout = 0 }, "poll-timeout"},
		{"huge chunk", func(c *AgentConfig) { c.ChunkSize = 70000 }, "16-bit"},
		{"no relay buffer", func(c *AgentConfig) { c.RelayBufSize = 0 }, "relay-buffer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAgent()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestLaunchValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*LaunchConfig)
		wantSub string
	}{
		{"ok", func(c *LaunchConfig) {}, ""},
		{"no main", func(c *LaunchConfig) { c.Main = "" }, "--main: required"},
		{"suspend without port", func(c *LaunchConfig) { c.RemoteDebugSuspend = true }, "--remote-debug-port"},
		{"bad debug port", func(c *LaunchConfig) { c.RemoteDebugPort = -1 }, "out of range"},
		{"no retries", func(c *LaunchConfig) { c.ConnectRetries = 0 }, "connect-retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLaunch()
			cfg.Main = "hello"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %v should contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestWorkerValidate(t *testing.T) {
	cfg := DefaultWorker()
	if err := cfg.Validate(); err == nil {
		t.Fatal("worker without a port should fail")
	}
	cfg.Port = 4000
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
