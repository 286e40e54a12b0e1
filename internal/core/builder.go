package core

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"rvl/config"
	"rvl/internal/capability"
	"rvl/internal/metrics"
	"rvl/internal/retry"
	"rvl/internal/transport"
	"rvl/util"
)

// ── mode builders ────────────────────────────────────────────────────

// BuildAgent validates cfg and returns the agent mode.
func BuildAgent(cfg *config.AgentConfig, logger *util.Logger) (*AgentMode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AgentMode{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}, nil
}

// BuildLaunch validates cfg and returns a ConnectMode that runs the
// launcher against the agent.
func BuildLaunch(cfg *config.LaunchConfig, logger *util.Logger) (*ConnectMode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	launch := &capability.Launch{
		Main:             cfg.Main,
		Args:             cfg.Args,
		Classpath:        cfg.Classpath,
		RemoteClasspath:  cfg.RemoteClasspath,
		ExcludeClasspath: cfg.ExcludeClasspath,
		DebugPort:        cfg.RemoteDebugPort,
		Suspend:          cfg.RemoteDebugSuspend,
		StopOnDisconnect: !cfg.KeepWorker,
		VMArgs:           cfg.RemoteArgs,
		WorkerArgs:       []string{"-d", strconv.Itoa(cfg.Verbose)},
		Logger:           logger,
		Metrics:          metrics.New(),
	}

	return &ConnectMode{
		Dialer:     buildDialer(cfg.Timeout),
		Capability: launch,
		Address:    cfg.AgentAddr,
		Backoff:    retry.ConnectBackoff(cfg.ConnectRetries),
		Logger:     logger,
		Hint:       agentHint(cfg.AgentAddr),
	}, nil
}

// BuildWorker validates cfg and returns a ConnectMode that calls the
// agent back on loopback and runs the worker.
func BuildWorker(cfg *config.WorkerConfig, logger *util.Logger) (*ConnectMode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConnectMode{
		Dialer: buildDialer(cfg.Timeout),
		Capability: &capability.Worker{
			CacheRoot: cfg.CacheRoot,
			Logger:    logger,
		},
		Address: util.LoopbackAddr(cfg.Port),
		Backoff: retry.ConnectBackoff(config.DefaultConnectRetries),
		Logger:  logger,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

func buildDialer(timeout time.Duration) transport.Dialer {
	return &transport.TCPDialer{Timeout: timeout}
}

// agentHint explains how to start the agent that could not be reached.
func agentHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = strconv.Itoa(config.DefaultAgentPort)
	}
	start := "rvl agent"
	if port != strconv.Itoa(config.DefaultAgentPort) {
		start = fmt.Sprintf("rvl agent -l %s", port)
	}
	return fmt.Sprintf("Cannot connect to %s. The agent is probably not running on the remote host.\n"+
		"Start it there with:\n  %s", addr, start)
}
