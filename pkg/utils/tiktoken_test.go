package utils

import (
	"strings"
	"testing"
)

func TestNewTokenCounter(t *testing.T) {
	for _, model := range []string{"gpt-4o", "claude-sonnet-4-5", "gemini-2.5-pro", ""} {
		t.Run(model, func(t *testing.T) {
			counter, err := NewTokenCounter(model)
			if err != nil {
				t.Fatalf("NewTokenCounter(%q) failed: %v", model, err)
			}
			if counter == nil {
				t.Fatalf("NewTokenCounter(%q) returned nil counter", model)
			}
		})
	}
}

func TestCountTokens(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	if n := counter.CountTokens(""); n != 0 {
		t.Errorf("empty text counted %d tokens", n)
	}
	if n := counter.CountTokens("hello world"); n < 1 || n > 4 {
		t.Errorf("CountTokens(hello world) = %d", n)
	}
	long := strings.Repeat("func main() {}\n", 100)
	if n := counter.CountTokens(long); n < 100 {
		t.Errorf("CountTokens(long) = %d, want >= 100", n)
	}
}

func TestTruncateToTokenLimit(t *testing.T) {
	counter, _ := NewTokenCounter("gpt-4")

	short := "unchanged"
	if got := counter.TruncateToTokenLimit(short, 100); got != short {
		t.Errorf("short text changed: %q", got)
	}

	long := strings.Repeat("+ added line of code\n", 500)
	got := counter.TruncateToTokenLimit(long, 50)
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Fatalf("missing truncation marker")
	}
	body := strings.TrimSuffix(got, TruncationMarker)
	if n := counter.CountTokens(body); n > 50 {
		t.Errorf("truncated body has %d tokens, want <= 50", n)
	}
	if !strings.HasPrefix(long, body) {
		t.Error("truncated body is not a prefix of the input")
	}

	if got := counter.TruncateToTokenLimit(long, 0); got != "" {
		t.Errorf("zero limit should yield empty string, got %q", got)
	}
}
