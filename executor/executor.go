// Package executor runs the external deploy, restart and test scripts.
//
// Commands run through bash inside the application's deploy checkout,
// <home>/<application>/<application>, with the deploy virtualenv sourced, and
// are killed once the configured maximum execution time has passed.
package executor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
)

// Runner runs a command for a target.
type Runner interface {
	Run(ctx context.Context, target payload.Target, command string) (*Result, error)
}

// Result is the outcome of one command.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Describe renders the result the way operators read it in status messages.
func (r *Result) Describe() string {
	return fmt.Sprintf("command: %s, reason: %s, stdout: %s",
		r.Command, strings.TrimSpace(r.Stderr), strings.TrimSpace(r.Stdout))
}

// Config holds executor settings
type Config struct {
	Home        string
	Virtualenv  string // defaults to <Home>/python/bin/activate when present
	MaxExecTime time.Duration
	Shell       string
}

// Executor runs commands on the local host
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an executor
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxExecTime <= 0 {
		cfg.MaxExecTime = 30 * time.Minute
	}
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, logger: logger.With("component", "executor")}
}

// AppHome returns the deploy checkout of an application.
func (e *Executor) AppHome(application string) string {
	return filepath.Join(e.cfg.Home, application, application)
}

// Expand substitutes {application} and {environment} in a command template.
func Expand(template string, target payload.Target) string {
	return strings.NewReplacer(
		"{application}", target.Application,
		"{environment}", target.Environment,
	).Replace(template)
}

// Run expands command for target and runs it. The error is nil only when the
// command exited with status 0; the Result is returned whenever it started.
func (e *Executor) Run(ctx context.Context, target payload.Target, command string) (*Result, error) {
	script, dir, err := e.prepare(target, Expand(command, target))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.MaxExecTime)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.cfg.Shell, "-c", script)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	e.logger.Info("Running command", "target", target.String(), "command", script, "dir", dir)
	start := time.Now()
	runErr := cmd.Run()

	res := &Result{
		Command:  script,
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case runErr == nil:
		e.logger.Info("Command finished", "target", target.String(), "duration", res.Duration)
		return res, nil
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		e.logger.Warn("Command timed out", "target", target.String(), "after", e.cfg.MaxExecTime)
		return res, errors.WrapTransient(fmt.Errorf("%w after %v", errors.ErrTimedOut, e.cfg.MaxExecTime),
			"Executor", "Run", script)
	default:
		var exitErr *exec.ExitError
		if !stderrors.As(runErr, &exitErr) {
			res.ExitCode = -1
		}
		e.logger.Warn("Command failed", "target", target.String(), "exit_code", res.ExitCode, "error", runErr)
		return res, errors.Wrap(fmt.Errorf("%w: %v", errors.ErrExecutionFailed, runErr), "Executor", "Run", script)
	}
}

// prepare resolves the working directory and wraps command with the virtualenv.
func (e *Executor) prepare(target payload.Target, command string) (script, dir string, err error) {
	if info, statErr := os.Stat(e.cfg.Home); statErr != nil || !info.IsDir() {
		return "", "", errors.WrapFatal(fmt.Errorf("%w: deploy home %q is not a directory", errors.ErrInvalidConfig, e.cfg.Home),
			"Executor", "Run", "check deploy home")
	}

	dir = e.AppHome(target.Application)
	if info, statErr := os.Stat(dir); statErr != nil || !info.IsDir() {
		return "", "", errors.WrapInvalid(fmt.Errorf("%w: %s does not exist", errors.ErrUnresolvableTarget, dir),
			"Executor", "Run", "check application home")
	}

	venv := e.cfg.Virtualenv
	if venv == "" {
		venv = filepath.Join(e.cfg.Home, "python", "bin", "activate")
		if _, statErr := os.Stat(venv); statErr != nil {
			return command, dir, nil
		}
	} else if _, statErr := os.Stat(venv); statErr != nil {
		return "", "", errors.WrapFatal(fmt.Errorf("%w: virtualenv %q: %v", errors.ErrInvalidConfig, venv, statErr),
			"Executor", "Run", "check virtualenv")
	}
	return fmt.Sprintf("source %s && %s", venv, command), dir, nil
}
