// Package cmd wires up the rvl sub-commands and dispatches to core.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"rvl/config"
	"rvl/internal/capability"
)

// version is overridable at link time:
//
//	go build -ldflags "-X rvl/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected sub-command.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// ExitCode maps an error returned by Execute to a process exit status.
// An entry program that exited non-zero passes its status through.
func ExitCode(err error) int {
	var ee *capability.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.Code
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rvl",
		Short: "rvl - run a program on a remote host from the local build",
		Long: `rvl runs a program on a remote host as if it were started locally.

An agent runs on the remote host.  The launcher connects to it, the agent
starts a worker, the worker fetches the launcher's files into a cache and
runs the entry program, and its console output is streamed back.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML config file (default $"+config.EnvPrefix+"CONFIG)")
	root.PersistentFlags().Bool("dry-run", false, "Print the resolved configuration and exit")

	root.AddCommand(agentCmd(), launchCmd(), workerCmd())
	return root
}

// ── helpers ──────────────────────────────────────────────────────────

// loadFile reads the config file named by --config, falling back to
// RVL_CONFIG.  Only an explicit --config must exist.
func loadFile(cmd *cobra.Command) (*config.File, error) {
	path, _ := cmd.Flags().GetString("config")
	required := path != ""
	if path == "" {
		path = config.ConfigPathFromEnv()
	}
	return config.LoadFile(path, required)
}

// dryRun prints cfg as YAML when --dry-run is set and reports whether
// it did.
func dryRun(cmd *cobra.Command, cfg interface{}) (bool, error) {
	on, _ := cmd.Flags().GetBool("dry-run")
	if !on {
		return false, nil
	}
	return true, printConfig(cmd.OutOrStdout(), cfg)
}

func printConfig(w io.Writer, cfg interface{}) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// debugFlag registers the -d/--debug level shared by every sub-command.
func debugFlag(fs *flag.FlagSet, p *int, def int) {
	fs.IntVarP(p, "debug", "d", def, "Debug level from 0 to 4")
}
