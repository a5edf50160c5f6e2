package metrics_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/mocks"
	"foreman/pkg/driver"
	"foreman/pkg/metrics"
)

func TestWrapDriverGenerate(t *testing.T) {
	rec := metrics.NewRecorder()
	mock := mocks.NewMockDriver("mock")
	d := metrics.WrapDriver(mock, rec, "wf-1", "reviewer", func(u driver.Usage) driver.Usage {
		u.CostUSD = 0.25
		return u
	})

	res, err := d.Generate(context.Background(), driver.GenerateRequest{Prompt: "review"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, "mock", d.Name())

	mock.OnGenerate(func(context.Context, driver.GenerateRequest) (driver.GenerateResult, error) {
		return driver.GenerateResult{}, &driver.ModelProviderError{Provider: "mock", Kind: driver.KindRateLimit}
	})
	_, err = d.Generate(context.Background(), driver.GenerateRequest{Prompt: "review"})
	require.Error(t, err)

	totals, err := rec.Totals()
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.Requests)

	var buf bytes.Buffer
	require.NoError(t, rec.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, `foreman_driver_requests_total{agent="reviewer",driver="mock",error_type="rate_limit",operation="generate",status="error",workflow_id="wf-1"} 1`)
	assert.Contains(t, out, `status="success"`)
}

func TestWrapDriverAgenticAccumulatesUsage(t *testing.T) {
	rec := metrics.NewRecorder()
	mock := mocks.NewMockDriver("mock")
	mock.StreamMessages(
		driver.ThinkingMessage("plan"),
		driver.UsageMessage(driver.Usage{InputTokens: 100, OutputTokens: 20, NumTurns: 1, Model: "claude-sonnet-4-5"}),
		driver.UsageMessage(driver.Usage{InputTokens: 50, OutputTokens: 10, NumTurns: 1, CostUSD: 0.5}),
		driver.ResultMessage("done", "sess-1"),
	)
	d := metrics.WrapDriver(mock, rec, "wf-1", "developer", nil)

	stream, err := d.ExecuteAgentic(context.Background(), driver.AgenticRequest{Prompt: "build", Cwd: "/repo"})
	require.NoError(t, err)
	var seen []driver.MessageType
	final, err := driver.Drain(context.Background(), stream, func(m driver.AgenticMessage) { seen = append(seen, m.Type) })
	require.NoError(t, err)
	assert.Equal(t, "sess-1", final.SessionID)
	assert.Len(t, seen, 4)

	require.Eventually(t, func() bool {
		totals, err := rec.Totals()
		return err == nil && totals.Requests == 1
	}, time.Second, 5*time.Millisecond)

	totals, err := rec.Totals()
	require.NoError(t, err)
	assert.Equal(t, int64(150), totals.InputTokens)
	assert.Equal(t, int64(30), totals.OutputTokens)
	assert.InDelta(t, 0.5, totals.CostUSD, 1e-9)
}

func TestWrapDriverAgenticStartFailure(t *testing.T) {
	rec := metrics.NewRecorder()
	mock := mocks.NewMockDriver("mock")
	mock.OnExecute(func(context.Context, driver.AgenticRequest) ([]driver.AgenticMessage, error) {
		return nil, errors.New("sandbox down")
	})
	d := metrics.WrapDriver(mock, rec, "wf-1", "developer", nil)

	_, err := d.ExecuteAgentic(context.Background(), driver.AgenticRequest{Prompt: "build", Cwd: "/repo"})
	require.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, rec.WriteText(&buf))
	assert.Contains(t, buf.String(), `error_type="unknown"`)
}

func TestWriteTextFile(t *testing.T) {
	rec := metrics.NewRecorder()
	rec.Observe(metrics.Call{WorkflowID: "wf-1", Agent: "architect", Driver: "claude-cli", Operation: metrics.OpAgentic},
		&driver.Usage{InputTokens: 10, OutputTokens: 5, Model: "m"}, nil, 0)

	path := filepath.Join(t.TempDir(), "out", "metrics.prom")
	require.NoError(t, rec.WriteTextFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# TYPE foreman_driver_tokens_total counter")
	assert.Contains(t, string(data), `foreman_driver_tokens_total{agent="architect",model="m",type="input",workflow_id="wf-1"} 10`)
}
