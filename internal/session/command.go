package session

import (
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"rvl/internal/wire"
	"rvl/util"
)

// WorkerCommand is the process a session starts for a StartVM request.
type WorkerCommand struct {
	Path string
	Args []string // excluding Path
	Env  []string // KEY=VALUE pairs added to the agent's environment

	// ClientDebug is the launcher's debug level as forwarded in "-d N",
	// or -1 when it was not forwarded.
	ClientDebug int
}

var envArg = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// BuildCommand lays out the worker command line.  Without a debug port
// it is
//
//	executable vmArgs... worker workerArgs... callbackPort
//
// and with one the executable runs under the debugger:
//
//	debugger exec --headless --api-version=2 --listen=:P [--continue --accept-multiclient] executable -- vmArgs... worker ...
//
// VM arguments of the form NAME=VALUE are moved to the environment.
func BuildCommand(executable, debugger string, callbackPort int, vm *wire.StartVM) WorkerCommand {
	cmd := WorkerCommand{Path: executable, ClientDebug: -1}

	if vm.DebugPort > 0 {
		cmd.Path = debugger
		cmd.Args = append(cmd.Args,
			"exec", "--headless", "--api-version=2",
			"--listen=:"+strconv.Itoa(int(vm.DebugPort)))
		if !vm.Suspend {
			cmd.Args = append(cmd.Args, "--continue", "--accept-multiclient")
		}
		cmd.Args = append(cmd.Args, executable, "--")
	}

	for _, a := range vm.VMArgs {
		if envArg.MatchString(a) {
			cmd.Env = append(cmd.Env, a)
			continue
		}
		cmd.Args = append(cmd.Args, a)
	}
	cmd.Args = append(cmd.Args, "worker")
	cmd.Args = append(cmd.Args, vm.WorkerArgs...)
	cmd.Args = append(cmd.Args, strconv.Itoa(callbackPort))

	if lvl, ok := debugLevel(vm.VMArgs); ok {
		cmd.ClientDebug = lvl
	}
	if lvl, ok := debugLevel(vm.WorkerArgs); ok {
		cmd.ClientDebug = lvl
	}
	return cmd
}

// debugLevel finds the last "-d N" pair in args.
func debugLevel(args []string) (int, bool) {
	lvl, found := 0, false
	for i := 0; i+1 < len(args); i++ {
		if args[i] != "-d" && args[i] != "--debug" {
			continue
		}
		if n, err := strconv.Atoi(args[i+1]); err == nil {
			lvl, found = n, true
			i++
		}
	}
	return lvl, found
}

// String renders the command line for logs.
func (c WorkerCommand) String() string {
	parts := make([]string, 0, len(c.Env)+len(c.Args)+1)
	parts = append(parts, c.Env...)
	parts = append(parts, c.Path)
	parts = append(parts, c.Args...)
	return util.QuoteArgs(parts)
}

// Exec returns an unstarted exec.Cmd whose stdout and stderr both go
// to out.  The worker leads its own process group so that KillWorker
// also reaches the entry program it starts.
func (c WorkerCommand) Exec(out *os.File) *exec.Cmd {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// KillWorker kills the worker's process group, or just the process
// when the group is already gone.
func KillWorker(proc *os.Process) {
	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err != nil {
		proc.Kill() //nolint:errcheck
	}
}
