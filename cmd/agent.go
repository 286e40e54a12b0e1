package cmd

import (
	"github.com/spf13/cobra"

	"rvl/config"
	"rvl/internal/core"
	"rvl/util"
)

func agentCmd() *cobra.Command {
	var (
		listen     string
		executable string
		debugger   string
		grace      = config.DefaultGracePeriod
		debug      int
	)
	cmd := &cobra.Command{
		Use:   "agent [options]",
		Short: "Accept launchers and start workers on this host",
		Example: `  rvl agent                     listen on 0.0.0.0:8999
  rvl agent -l 127.0.0.1:9000   listen on loopback only
  rvl agent -d 3                log every session event`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultAgent()
			f, err := loadFile(cmd)
			if err != nil {
				return err
			}
			if err := f.ApplyAgent(cfg); err != nil {
				return err
			}
			config.LoadAgentEnv(cfg)

			fs := cmd.Flags()
			if fs.Changed("listen") {
				addr, err := config.ParseHostPort(listen, config.DefaultListenHost)
				if err != nil {
					return err
				}
				cfg.ListenAddr = addr
			}
			if fs.Changed("executable") {
				cfg.Executable = executable
			}
			if fs.Changed("debugger") {
				cfg.Debugger = debugger
			}
			if fs.Changed("grace") {
				cfg.GracePeriod = grace
			}
			if fs.Changed("debug") {
				cfg.Verbose = debug
			}

			logger := util.NewLogger(cfg.Verbose)
			mode, err := core.BuildAgent(cfg, logger)
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
	fs.StringVarP(&listen, "listen", "l", "", "Listen on [address:]port (default 0.0.0.0:8999)")
	fs.StringVarP(&executable, "executable", "e", "", "Worker executable (default this rvl binary)")
	fs.StringVar(&debugger, "debugger", config.DefaultDebugger, "Debugger used for --remote-debug-port")
	fs.DurationVar(&grace, "grace", config.DefaultGracePeriod, "How long output may drain after the worker disconnects")
	debugFlag(fs, &debug, 1)
	return cmd
}
