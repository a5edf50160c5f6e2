package logx

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)

	global.mu.Lock()
	prevMin, prevDomains, prevNow := global.min, global.domains, global.now
	global.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	global.mu.Unlock()

	t.Cleanup(func() {
		SetOutput(nil)
		global.mu.Lock()
		global.min, global.domains, global.now = prevMin, prevDomains, prevNow
		global.mu.Unlock()
	})
	return &buf
}

func TestLineFormat(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelInfo)

	NewLogger("driver.claudecli").Info("retrying %s", "call")
	assert.Equal(t, "[2026-01-02T03:04:05.000Z] [driver.claudecli] INFO: retrying call\n", buf.String())
}

func TestMinimumLevel(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(LevelWarn)

	l := NewLogger("orch")
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))
	assert.Contains(t, buf.String(), "WARN: w")
	assert.Contains(t, buf.String(), "ERROR: e")
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true)
	SetDebugDomains([]string{"graph", " "})

	NewLogger("graph.implementation").Debug("visible")
	NewLogger("driver.api").Debug("hidden")
	NewLogger("driver.api").Info("info ignores domains")

	assert.Contains(t, buf.String(), "visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "info ignores domains")
}

func TestWithKeepsDomain(t *testing.T) {
	buf := captureOutput(t)
	SetDebug(true)
	SetDebugDomains([]string{"orch"})

	l := NewLogger("orch").With("wf-1")
	assert.Equal(t, "orch.wf-1", l.Component())
	l.Debug("segment started")
	assert.Contains(t, buf.String(), "[orch.wf-1] DEBUG: segment started")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{"debug": LevelDebug, "INFO": LevelInfo, "": LevelInfo, "warning": LevelWarn, "Error": LevelError}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestConfigureFromEnv(t *testing.T) {
	captureOutput(t)
	env := map[string]string{"FOREMAN_LOG_LEVEL": "error", "DEBUG_DOMAINS": "driver,tasks"}
	configureFromEnv(func(k string) string { return env[k] })

	assert.False(t, enabled(LevelWarn, "orch"))
	assert.True(t, enabled(LevelError, "orch"))

	env["DEBUG"] = "true"
	configureFromEnv(func(k string) string { return env[k] })
	assert.True(t, enabled(LevelDebug, "tasks"))
	assert.False(t, enabled(LevelDebug, "graph"))
}
