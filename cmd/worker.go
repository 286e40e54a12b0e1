package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"rvl/config"
	"rvl/internal/core"
	"rvl/util"
)

func workerCmd() *cobra.Command {
	var (
		cache string
		debug int
	)
	cmd := &cobra.Command{
		Use:    "worker [-d level] port",
		Short:  "Worker process started by the agent (not run by hand)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultWorker()
			config.LoadWorkerEnv(cfg)

			port, err := config.ParsePort(args[0])
			if err != nil {
				return fmt.Errorf("callback port: %w", err)
			}
			cfg.Port = port
			if cmd.Flags().Changed("cache") {
				cfg.CacheRoot = cache
			}
			cfg.Verbose = debug

			logger := util.NewLogger(cfg.Verbose)
			mode, err := core.BuildWorker(cfg, logger)
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
	fs.StringVar(&cache, "cache", config.DefaultCacheRoot, "Resource cache root")
	debugFlag(fs, &debug, 1)
	return cmd
}
