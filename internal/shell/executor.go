package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Step is a single shell command to execute.
type Step struct {
	Command string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result reports how a step finished. A non-zero exit code is a normal
// outcome, not an error.
type Result struct {
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// LineSink receives each line of combined stdout/stderr output.
type LineSink func(line string)

// maxLineBytes caps a single streamed output line.
const maxLineBytes = 1024 * 1024

// Executor runs pipeline steps through the system shell.
type Executor struct {
	logger *slog.Logger
}

// New returns an Executor.
func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Run executes the step as `sh -c <command>` and streams combined output to
// sink line by line. The returned error covers infrastructure failures only;
// command failure is reported through Result.ExitCode.
func (e *Executor) Run(ctx context.Context, step Step, sink LineSink) (Result, error) {
	if step.Command == "" {
		return Result{}, fmt.Errorf("empty command")
	}
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", step.Command)
	cmd.Dir = step.Dir
	cmd.Env = append(os.Environ(), step.Env...)
	// Wait must not outlive the context when the pipes stay open.
	cmd.WaitDelay = 5 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			if sink != nil {
				sink(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil && sink != nil {
			sink(fmt.Sprintf("[output truncated: %v]", err))
		}
		// The scanner stops early on a line over maxLineBytes. Keep
		// draining so the process never blocks on a full pipe.
		io.Copy(io.Discard, pr)
	}()

	start := time.Now()
	err := cmd.Run()
	pw.Close()
	<-done
	result := Result{Duration: time.Since(start)}

	if ctx.Err() != nil {
		result.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		result.ExitCode = -1
		return result, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		e.logger.Error("step could not start", "command", step.Command, "error", err)
		return result, fmt.Errorf("run %q: %w", step.Command, err)
	}
	return result, nil
}
