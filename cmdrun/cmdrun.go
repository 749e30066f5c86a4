// Package cmdrun executes external block-storage control commands
// (losetup, dmsetup, thin_restore and friends) with structured logging.
//
// Every lifecycle operation in this module bottoms out in a synchronous
// process invocation. Centralizing execution here gives each call the same
// log shape (command, args, duration_ms, exit_code, stdout) and lets tests
// substitute a scripted Runner instead of a live kernel.
package cmdrun

import (
	"context"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner executes external commands on behalf of the lifecycle core.
//
// CombinedOutput returns interleaved stdout/stderr, which is what error
// classification wants (dmsetup writes rejections to stderr). Output returns
// stdout only, for commands whose output is parsed (losetup -f, blockdev).
type Runner interface {
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec and logs each invocation.
type ExecRunner struct {
	logger logrus.FieldLogger
}

// New creates an ExecRunner. A nil logger falls back to the standard logger.
func New(logger logrus.FieldLogger) *ExecRunner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ExecRunner{logger: logger.WithField("component", "cmdrun")}
}

// CombinedOutput runs the command and returns interleaved stdout/stderr.
func (r *ExecRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	logger := r.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	})
	logger.Debug("executing command")

	startTime := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	duration := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   cmd.ProcessState.ExitCode(),
		"stdout":      string(output),
	}).Debug("command completed")

	return output, err
}

// Output runs the command and returns its stdout.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	logger := r.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	})
	logger.Debug("executing command")

	startTime := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.Output()
	duration := time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"duration_ms": duration.Milliseconds(),
		"exit_code":   cmd.ProcessState.ExitCode(),
		"stdout":      string(output),
	}).Debug("command completed")

	return output, err
}
