package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

// DefaultWaitDelay is how long a cancelled child gets between SIGTERM and SIGKILL.
const DefaultWaitDelay = 5 * time.Second

// Runner runs one command and blocks until it has exited.
type Runner interface {
	Run(ctx context.Context, argv []string) error
}

// StartError reports a command that could not be started at all.
type StartError struct {
	Program string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: %v", e.Program, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands as child processes with inherited stdio.
type ExecRunner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// WaitDelay bounds how long a cancelled child may linger after SIGTERM.
	WaitDelay time.Duration

	Logger *zap.Logger
}

// NewExecRunner returns a runner wired to the process's own stdio.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		WaitDelay: DefaultWaitDelay,
		Logger:    logger,
	}
}

// Run starts argv[0] with the remaining arguments and waits for it.
// A start failure is written to Stderr prefixed with the program name and
// returned as a *StartError; a non-zero exit is returned as *exec.ExitError.
func (r *ExecRunner) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = r.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.WaitDelay

	r.logger().Debug("running command", zap.String("cmd", shellquote.Join(argv...)))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		startErr := &StartError{Program: argv[0], Err: err}
		if r.Stderr != nil {
			fmt.Fprintln(r.Stderr, startErr.Error())
		}
		return startErr
	}

	err := cmd.Wait()
	r.logger().Debug("command finished",
		zap.String("program", argv[0]),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		return fmt.Errorf("wait for %s: %w", argv[0], err)
	}
	return nil
}

func (r *ExecRunner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
