//go:build unix

package exec

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestLocalExec_Run_Success(t *testing.T) {
	e := NewLocalExec()

	result, err := e.Run(context.Background(), []string{"echo", "hello world"}, &Opts{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello world" {
		t.Errorf("Expected stdout 'hello world', got %s", result.Stdout)
	}
	if result.Duration <= 0 {
		t.Error("Expected positive duration")
	}
}

func TestLocalExec_Run_NonZeroExit(t *testing.T) {
	result, err := NewLocalExec().Run(context.Background(), []string{"false"}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", result.ExitCode)
	}
	if result.Success() {
		t.Error("Expected Success() to be false")
	}
}

func TestLocalExec_Run_EmptyCommand(t *testing.T) {
	if _, err := NewLocalExec().Run(context.Background(), nil, nil); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestLocalExec_Run_Timeout(t *testing.T) {
	start := time.Now()
	result, err := NewLocalExec().Run(context.Background(),
		[]string{"sh", "-c", "echo partial >&2; sleep 10"},
		&Opts{Timeout: 200 * time.Millisecond})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("process group was not killed promptly")
	}
	if !strings.Contains(result.Stderr, "partial") {
		t.Errorf("Expected stderr to be captured, got %q", result.Stderr)
	}
}

func TestLocalExec_Run_Stdin(t *testing.T) {
	result, err := NewLocalExec().Run(context.Background(), []string{"cat"}, &Opts{Stdin: "piped"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Stdout != "piped" {
		t.Errorf("Expected stdin echoed, got %q", result.Stdout)
	}
}

func TestLocalExec_Run_Truncates(t *testing.T) {
	result, err := NewLocalExec().Run(context.Background(),
		[]string{"sh", "-c", "printf 'abcdefghij'"},
		&Opts{MaxOutputBytes: 4})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.Truncated || !strings.HasPrefix(result.Stdout, "abcd\n") {
		t.Errorf("Expected truncated output, got %q", result.Stdout)
	}
}

func TestLocalStarter_StreamsAndCapturesStderr(t *testing.T) {
	stream, err := LocalStarter{}.Start(context.Background(),
		[]string{"sh", "-c", "echo line1; echo line2; echo oops >&2; exit 3"}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	out, err := io.ReadAll(stream.Stdout())
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if string(out) != "line1\nline2\n" {
		t.Errorf("unexpected stdout %q", out)
	}

	err = stream.Wait()
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Expected ProcessError, got %v", err)
	}
	if !strings.Contains(procErr.Stderr, "oops") {
		t.Errorf("Expected stderr captured, got %q", procErr.Stderr)
	}
}

func TestLocalStarter_Timeout(t *testing.T) {
	stream, err := LocalStarter{}.Start(context.Background(),
		[]string{"sh", "-c", "sleep 10"}, &Opts{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, _ = io.ReadAll(stream.Stdout())
	if err := stream.Wait(); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}
