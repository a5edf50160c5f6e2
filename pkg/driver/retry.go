package driver

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"foreman/pkg/logx"
)

// RetryPolicy controls WithRetry. Zero-value fields fall back to DefaultRetryConfigs.
type RetryPolicy struct {
	Configs map[ErrorKind]RetryConfig
	// MaxAttempts caps total attempts regardless of kind; 0 means no cap.
	MaxAttempts int
	// Sleep waits between attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p RetryPolicy) config(kind ErrorKind) RetryConfig {
	if c, ok := p.Configs[kind]; ok {
		return c
	}
	if c, ok := DefaultRetryConfigs[kind]; ok {
		return c
	}
	return RetryConfig{}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation passthrough
	}
}

// Backoff returns the delay before retry number attempt (0-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(factor, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter {
		// +/- 25%
		spread := float64(delay) * 0.25
		delay += time.Duration((rand.Float64()*2 - 1) * spread) //nolint:gosec // jitter only
	}
	return delay
}

type retryingDriver struct {
	Driver
	policy RetryPolicy
	logger *logx.Logger
}

// WithRetry wraps d so that Generate retries retryable ModelProviderErrors with
// exponential backoff. ValidationError and SchemaValidationError pass through
// untouched. ExecuteAgentic is never retried here: a partially executed agentic
// run has side effects in the working tree.
func WithRetry(d Driver, policy RetryPolicy) Driver {
	if policy.Sleep == nil {
		policy.Sleep = sleepContext
	}
	return &retryingDriver{Driver: d, policy: policy, logger: logx.NewLogger("driver.retry")}
}

func (r *retryingDriver) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	attempts := map[ErrorKind]int{}
	total := 0
	for {
		res, err := r.Driver.Generate(ctx, req)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return res, err
		}
		total++

		var provider *ModelProviderError
		errors.As(err, &provider)
		cfg := r.policy.config(provider.Kind)
		n := attempts[provider.Kind]
		if n >= cfg.MaxRetries || (r.policy.MaxAttempts > 0 && total >= r.policy.MaxAttempts) {
			r.logger.Warn("%s: giving up after %d attempts: %v", r.Driver.Name(), total, err)
			return res, &ModelProviderError{
				Provider: provider.Provider,
				Kind:     KindServiceUnavailable,
				Message:  provider.Message,
				Err:      err,
			}
		}
		attempts[provider.Kind] = n + 1

		delay := cfg.Backoff(n)
		r.logger.Info("%s: %s error, retry %d/%d in %s", r.Driver.Name(), provider.Kind, n+1, cfg.MaxRetries, delay)
		if sleepErr := r.policy.Sleep(ctx, delay); sleepErr != nil {
			return res, sleepErr
		}
	}
}
