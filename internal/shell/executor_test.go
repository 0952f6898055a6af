package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutputLines(t *testing.T) {
	e := New(nil)
	var lines []string
	result, err := e.Run(context.Background(), Step{
		Command: "echo one; echo two 1>&2",
	}, func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if len(lines) != 2 {
		t.Fatalf("captured %d lines, want 2: %v", len(lines), lines)
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "one") || !strings.Contains(joined, "two") {
		t.Errorf("stderr not merged into output: %v", lines)
	}
}

func TestRunReportsExitCodeWithoutError(t *testing.T) {
	e := New(nil)
	result, err := e.Run(context.Background(), Step{Command: "exit 3"}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestRunPropagatesEnvAndDir(t *testing.T) {
	e := New(nil)
	dir := t.TempDir()
	var lines []string
	result, err := e.Run(context.Background(), Step{
		Command: "echo $SIMQLE_TEST_VALUE; pwd",
		Dir:     dir,
		Env:     []string{"SIMQLE_TEST_VALUE=marker"},
	}, func(line string) { lines = append(lines, line) })
	if err != nil || result.ExitCode != 0 {
		t.Fatalf("Run failed: result=%+v err=%v", result, err)
	}
	if len(lines) != 2 || lines[0] != "marker" {
		t.Fatalf("unexpected output: %v", lines)
	}
	if !strings.Contains(lines[1], dir) {
		t.Errorf("working dir = %q, want inside %q", lines[1], dir)
	}
}

func TestRunTimesOut(t *testing.T) {
	e := New(nil)
	result, err := e.Run(context.Background(), Step{
		Command: "sleep 5",
		Timeout: 50 * time.Millisecond,
	}, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if !result.TimedOut {
		t.Error("result.TimedOut should be set")
	}
}

func TestRunReturnsOnOverlongOutputLine(t *testing.T) {
	e := New(nil)
	var lines []string
	type outcome struct {
		result Result
		err    error
	}
	outcomes := make(chan outcome, 1)
	go func() {
		result, err := e.Run(context.Background(), Step{
			Command: "head -c 2097152 /dev/zero | tr '\\0' 'a'; echo",
			Timeout: 5 * time.Second,
		}, func(line string) { lines = append(lines, line) })
		outcomes <- outcome{result, err}
	}()

	select {
	case got := <-outcomes:
		if got.err != nil {
			t.Fatalf("Run returned error: %v", got.err)
		}
		if got.result.ExitCode != 0 {
			t.Fatalf("exit code = %d, want 0", got.result.ExitCode)
		}
		joined := strings.Join(lines, "\n")
		if !strings.Contains(joined, "output truncated") {
			t.Errorf("missing truncation marker in output: %v", lines)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return for a line over the scanner cap")
	}
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	e := New(nil)
	if _, err := e.Run(context.Background(), Step{}, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
