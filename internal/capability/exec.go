package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// ExitError reports an entry program that ran but exited non-zero.
type ExitError struct {
	Program string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Program, e.Code)
}

// Exec runs the entry program with the worker's stdio, so its output
// travels through the agent's console relay.
type Exec struct {
	Program string
	Args    []string
	Env     []string // appended to the worker's environment
	Dir     string

	Stdin  io.Reader // nil reads from the null device
	Stdout io.Writer // nil means os.Stdout
	Stderr io.Writer // nil means os.Stderr
}

// Run starts the program and waits for it.  A non-zero exit is returned
// as *ExitError.
func (e *Exec) Run(ctx context.Context) error {
	if e.Program == "" {
		return fmt.Errorf("no entry program specified")
	}
	cmd := exec.CommandContext(ctx, e.Program, e.Args...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	cmd.Stdin = e.Stdin
	cmd.Stdout = e.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err := cmd.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return &ExitError{Program: e.Program, Code: ee.ExitCode()}
	}
	if err != nil {
		return fmt.Errorf("exec %q: %w", e.Program, err)
	}
	return nil
}
