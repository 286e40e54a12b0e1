package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rvl/config"
	"rvl/internal/core"
	"rvl/util"
)

func launchCmd() *cobra.Command {
	var (
		classpath        []string
		remoteClasspath  []string
		excludeClasspath []string
		remoteArgs       []string
		debugPort        int
		suspend          bool
		keepWorker       bool
		retries          int
		timeout          time.Duration
		debug            int
	)
	cmd := &cobra.Command{
		Use:   "launch [options] [address:]port main [-- args...]",
		Short: "Run a program on the host where the agent is running",
		Example: `  rvl launch -c bin 8999 app -- --verbose
  rvl launch -c build/out,conf build-host:8999 server.sh
  rvl launch --remote-classpath /opt/tools build-host:8999 lint`,
		Args: positionalArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultLaunch()
			f, err := loadFile(cmd)
			if err != nil {
				return err
			}
			if err := f.ApplyLaunch(cfg); err != nil {
				return err
			}
			config.LoadLaunchEnv(cfg)

			// ── positional arguments ─────────────────────────────
			addr, err := config.ParseHostPort(args[0], config.DefaultAgentHost)
			if err != nil {
				return fmt.Errorf("agent address: %w", err)
			}
			cfg.AgentAddr = addr
			cfg.Main = args[1]
			if n := cmd.ArgsLenAtDash(); n >= 0 {
				cfg.Args = args[n:]
			}

			// ── flags ────────────────────────────────────────────
			fs := cmd.Flags()
			if fs.Changed("classpath") {
				cfg.Classpath = classpath
			}
			if fs.Changed("remote-classpath") {
				cfg.RemoteClasspath = remoteClasspath
			}
			if fs.Changed("exclude-classpath") {
				cfg.ExcludeClasspath = excludeClasspath
			}
			if fs.Changed("remote-VM-argument") {
				cfg.RemoteArgs = remoteArgs
			}
			if fs.Changed("remote-debug-port") {
				cfg.RemoteDebugPort = debugPort
			}
			if fs.Changed("remote-debug-suspend") {
				cfg.RemoteDebugSuspend = suspend
			}
			if fs.Changed("keep-worker") {
				cfg.KeepWorker = keepWorker
			}
			if fs.Changed("connect-retries") {
				cfg.ConnectRetries = retries
			}
			if fs.Changed("timeout") {
				cfg.Timeout = timeout
			}
			if fs.Changed("debug") {
				cfg.Verbose = debug
			}

			logger := util.NewLogger(cfg.Verbose)
			mode, err := core.BuildLaunch(cfg, logger)
			if err != nil {
				return err
			}
			if done, err := dryRun(cmd, cfg); done {
				return err
			}
			return mode.Run(cmd.Context())
		},
	}

	fs := cmd.Flags()
	fs.StringSliceVarP(&classpath, "classpath", "c", nil, "Local entries shipped to the worker's cache (repeatable, comma separated)")
	fs.StringArrayVar(&remoteClasspath, "remote-classpath", nil, "Entry as seen from the remote host (repeatable)")
	fs.StringArrayVar(&excludeClasspath, "exclude-classpath", nil, "Local entry not to send (repeatable)")
	fs.StringArrayVar(&remoteArgs, "remote-VM-argument", nil, "Worker process argument, NAME=VALUE sets its environment (repeatable)")
	fs.IntVar(&debugPort, "remote-debug-port", 0, "Start the worker under the debugger listening on this port")
	fs.BoolVar(&suspend, "remote-debug-suspend", false, "Wait for the debugger before running (with --remote-debug-port)")
	fs.BoolVar(&keepWorker, "keep-worker", false, "Leave the worker running if the launcher disconnects")
	fs.IntVar(&retries, "connect-retries", config.DefaultConnectRetries, "Connection attempts before giving up")
	fs.DurationVar(&timeout, "timeout", config.DefaultConnTimeout, "Timeout of each connection attempt")
	debugFlag(fs, &debug, 1)
	return cmd
}

// positionalArgs accepts exactly "[address:]port main" before the
// optional "--" that starts the program's own arguments.
func positionalArgs(cmd *cobra.Command, args []string) error {
	n := cmd.ArgsLenAtDash()
	if n < 0 {
		n = len(args)
	}
	switch {
	case n == 0:
		return fmt.Errorf("missing [address:]port argument")
	case n == 1:
		return fmt.Errorf("missing entry program argument")
	case n > 2:
		return fmt.Errorf("unknown argument %q (program arguments go after --)", args[2])
	}
	return nil
}
