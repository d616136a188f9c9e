// Package run executes external tools on behalf of the pipeline stages.
// Every invocation is synchronous and returns captured output; callers
// interpret the exit status only, never the tool's internals.
package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result holds the captured outcome of one external command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner abstracts command execution so stages can be tested without
// spawning processes.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (Result, error)
}

// CommandError reports a command that started but did not succeed. The
// captured stderr is folded into the message since that is where build
// tools explain themselves.
type CommandError struct {
	Name   string
	Args   []string
	Dir    string
	Result Result
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("running %s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
	if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
		msg += fmt.Sprintf(" (stderr: %s)", stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner runs commands as child processes of this one.
type ExecRunner struct {
	Logger *slog.Logger
	// Env entries are appended to the inherited environment.
	Env []string
}

func (r *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (Result, error) {
	if name == "" {
		return Result{}, errors.New("command name is required")
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if r.Logger != nil {
		r.Logger.Debug("running command", "name", name, "args", strings.Join(args, " "), "dir", dir)
	}

	started := time.Now()
	err := cmd.Run()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: time.Since(started),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return result, &CommandError{
			Name:   name,
			Args:   args,
			Dir:    dir,
			Result: result,
			Err:    err,
		}
	}
	return result, nil
}
