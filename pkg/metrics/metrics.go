// Package metrics instruments drivers with Prometheus counters and writes a
// text snapshot of them when a run ends.
package metrics

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"foreman/pkg/driver"
)

// Operation label values.
const (
	OpGenerate = "generate"
	OpAgentic  = "agentic"
)

// Recorder owns a registry and the driver metrics registered on it.
type Recorder struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	turnsTotal      *prometheus.CounterVec
}

// NewRecorder creates a recorder with a private registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_driver_requests_total",
				Help: "Driver calls by workflow, agent, operation and outcome",
			},
			[]string{"workflow_id", "agent", "driver", "operation", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_driver_tokens_total",
				Help: "Tokens consumed by driver calls",
			},
			[]string{"workflow_id", "agent", "model", "type"},
		),
		costsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_driver_costs_usd_total",
				Help: "Cost in USD of driver calls",
			},
			[]string{"workflow_id", "agent", "model"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_driver_request_duration_seconds",
				Help:    "Duration of driver calls",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"workflow_id", "agent", "operation"},
		),
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_driver_turns_total",
				Help: "Agentic turns executed",
			},
			[]string{"workflow_id", "agent"},
		),
	}
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Call identifies one driver invocation.
type Call struct {
	WorkflowID string
	Agent      string
	Driver     string
	Operation  string
}

// Observe records one completed call. usage may be nil when the backend
// reported none.
func (r *Recorder) Observe(c Call, usage *driver.Usage, err error, elapsed time.Duration) {
	status, errorType := "success", ""
	if err != nil {
		status = "error"
		errorType = errorLabel(err)
	}
	r.requestsTotal.WithLabelValues(c.WorkflowID, c.Agent, c.Driver, c.Operation, status, errorType).Inc()
	r.requestDuration.WithLabelValues(c.WorkflowID, c.Agent, c.Operation).Observe(elapsed.Seconds())

	if usage == nil {
		return
	}
	model := usage.Model
	r.tokensTotal.WithLabelValues(c.WorkflowID, c.Agent, model, "input").Add(float64(usage.InputTokens))
	r.tokensTotal.WithLabelValues(c.WorkflowID, c.Agent, model, "output").Add(float64(usage.OutputTokens))
	if usage.CacheReadTokens > 0 {
		r.tokensTotal.WithLabelValues(c.WorkflowID, c.Agent, model, "cache_read").Add(float64(usage.CacheReadTokens))
	}
	if usage.CacheCreationTokens > 0 {
		r.tokensTotal.WithLabelValues(c.WorkflowID, c.Agent, model, "cache_creation").Add(float64(usage.CacheCreationTokens))
	}
	if usage.CostUSD > 0 {
		r.costsTotal.WithLabelValues(c.WorkflowID, c.Agent, model).Add(usage.CostUSD)
	}
	if usage.NumTurns > 0 {
		r.turnsTotal.WithLabelValues(c.WorkflowID, c.Agent).Add(float64(usage.NumTurns))
	}
}

func errorLabel(err error) string {
	var verr *driver.ValidationError
	var serr *driver.SchemaValidationError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &serr):
		return "schema"
	default:
		return driver.KindOf(err).String()
	}
}

// Totals summarizes the recorded tokens and cost.
type Totals struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Totals sums every series in the registry.
func (r *Recorder) Totals() (Totals, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return Totals{}, fmt.Errorf("gather metrics: %w", err)
	}
	var t Totals
	for _, mf := range families {
		switch mf.GetName() {
		case "foreman_driver_requests_total":
			for _, m := range mf.GetMetric() {
				t.Requests += int64(m.GetCounter().GetValue())
			}
		case "foreman_driver_tokens_total":
			for _, m := range mf.GetMetric() {
				switch label(m, "type") {
				case "input":
					t.InputTokens += int64(m.GetCounter().GetValue())
				case "output":
					t.OutputTokens += int64(m.GetCounter().GetValue())
				}
			}
		case "foreman_driver_costs_usd_total":
			for _, m := range mf.GetMetric() {
				t.CostUSD += m.GetCounter().GetValue()
			}
		}
	}
	return t, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// WriteText writes the registry in the Prometheus text exposition format.
func (r *Recorder) WriteText(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteTextFile writes the snapshot to path atomically.
func (r *Recorder) WriteTextFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := r.WriteText(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}
