// Package agent invokes coding and review agents as subprocesses and parses
// their structured output.
//
// Agents are plain CLIs: the prompt goes in on stdin or argv, free-form
// progress streams to stdout, and a machine-readable verdict rides in the
// final lines. Nothing here assumes a particular vendor; the contract is the
// output shape, configured per project.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrTimeout marks an agent or command killed at its deadline. It is an
// infrastructure failure, not a judgment on the work.
var ErrTimeout = errors.New("agent timed out")

// ErrMalformedOutput marks agent output that could not be parsed into the
// expected structure.
var ErrMalformedOutput = errors.New("malformed agent output")

// ExecResult is the raw outcome of one subprocess run.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Exec runs argv in dir with stdin, enforcing timeout. A deadline kill is
// reported as ErrTimeout; a nonzero exit is not itself an error, since agents
// signal outcomes in their output.
func Exec(ctx context.Context, dir string, argv []string, stdin string, timeout time.Duration) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, argv[0])
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return res, nil
}

// ExecShell runs a configured command line through the shell, for build and
// test commands that projects express as one string.
func ExecShell(ctx context.Context, dir, command string, timeout time.Duration) (ExecResult, error) {
	return Exec(ctx, dir, []string{"sh", "-c", command}, "", timeout)
}
