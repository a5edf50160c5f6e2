package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorSumsUsageDeltas(t *testing.T) {
	var acc Accumulator
	acc.Observe(UsageMessage(Usage{InputTokens: 100, OutputTokens: 50}))
	acc.Observe(ThinkingMessage("ignored"))
	acc.Observe(UsageMessage(Usage{InputTokens: 200, OutputTokens: 100}))

	total, seen := acc.Total()
	require.True(t, seen)
	assert.Equal(t, int64(300), total.InputTokens)
	assert.Equal(t, int64(150), total.OutputTokens)
}

func TestUsageTrackerResetsPerCall(t *testing.T) {
	var tracker UsageTracker

	_, ok := tracker.Last()
	assert.False(t, ok, "no usage before first completed call")

	tracker.Begin()
	tracker.Add(Usage{InputTokens: 100, OutputTokens: 50})
	tracker.Add(Usage{InputTokens: 200, OutputTokens: 100})
	assert.Equal(t, int64(450), tracker.Current().TotalTokens(), "running totals visible mid-call")
	tracker.Complete()

	last, ok := tracker.Last()
	require.True(t, ok)
	assert.Equal(t, int64(300), last.InputTokens)
	assert.Equal(t, int64(150), last.OutputTokens)

	tracker.Begin()
	_, ok = tracker.Last()
	assert.False(t, ok, "a call in progress hides the previous totals")

	tracker.Add(Usage{InputTokens: 7, OutputTokens: 3})
	tracker.Complete()
	last, ok = tracker.Last()
	require.True(t, ok)
	assert.Equal(t, int64(7), last.InputTokens)
	assert.Equal(t, int64(3), last.OutputTokens)
}

func TestDrain(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		ch := make(chan AgenticMessage, 3)
		ch <- ThinkingMessage("hmm")
		ch <- ResultMessage("done", "sess-1")
		close(ch)

		var seen []MessageType
		final, err := Drain(context.Background(), ch, func(m AgenticMessage) { seen = append(seen, m.Type) })
		require.NoError(t, err)
		assert.Equal(t, "sess-1", final.SessionID)
		assert.Equal(t, []MessageType{MessageThinking, MessageResult}, seen)
	})

	t.Run("returns error message as error", func(t *testing.T) {
		ch := make(chan AgenticMessage, 1)
		boom := errors.New("boom")
		ch <- ErrorMessage(boom)
		close(ch)

		_, err := Drain(context.Background(), ch, nil)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("incomplete stream", func(t *testing.T) {
		ch := make(chan AgenticMessage)
		close(ch)
		_, err := Drain(context.Background(), ch, nil)
		assert.ErrorIs(t, err, ErrStreamIncomplete)
	})
}

func TestSessionStoreCreateAndResume(t *testing.T) {
	store := NewSessionStore[[]string](time.Hour)
	ctx := context.Background()

	sess, created, release, err := store.Acquire(ctx, "", func() []string { return nil })
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, sess.ID)
	sess.Data = append(sess.Data, "turn-1")
	release()

	again, created, release, err := store.Acquire(ctx, sess.ID, func() []string { return nil })
	require.NoError(t, err)
	defer release()
	assert.False(t, created)
	assert.Equal(t, []string{"turn-1"}, again.Data)
}

func TestSessionStoreTTLEviction(t *testing.T) {
	store := NewSessionStore[int](time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	_, _, release, err := store.Acquire(context.Background(), "a", func() int { return 1 })
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, store.Len())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 0, store.Len())
}

func TestSessionStoreSerializesSameID(t *testing.T) {
	store := NewSessionStore[int](0)
	ctx := context.Background()

	_, _, release, err := store.Acquire(ctx, "shared", func() int { return 0 })
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, _, err = store.Acquire(timeoutCtx, "shared", func() int { return 0 })
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second holder must wait for the first")

	release()
	_, _, release2, err := store.Acquire(ctx, "shared", func() int { return 0 })
	require.NoError(t, err)
	release2()
}

func TestSessionStoreClose(t *testing.T) {
	store := NewSessionStore[int](0)
	_, _, release, err := store.Acquire(context.Background(), "x", func() int { return 0 })
	require.NoError(t, err)
	release()

	store.Close("x")
	_, ok := store.Get("x")
	assert.False(t, ok)
}

var reviewSchema = &Schema{
	Name: "review",
	Root: Property{
		Type:     "object",
		Required: []string{"approved", "severity"},
		Properties: map[string]*Property{
			"approved": {Type: "boolean"},
			"severity": {Type: "string", Enum: []string{"low", "high"}},
			"comments": {Type: "array", Items: &Property{Type: "string"}},
		},
	},
}

func TestSchemaValidate(t *testing.T) {
	_, err := reviewSchema.Validate([]byte(`{"approved": true, "severity": "low", "comments": ["ok"]}`))
	require.NoError(t, err)

	_, err = reviewSchema.Validate([]byte(`{"approved": "yes", "comments": [1]}`))
	var schemaErr *SchemaValidationError
	require.ErrorAs(t, err, &schemaErr)
	assert.Len(t, schemaErr.Problems, 3)
	assert.False(t, IsRetryable(err))

	_, err = reviewSchema.Validate([]byte(`{"approved": true, "severity": "medium"}`))
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, schemaErr.Problems[0], "medium")
}

func TestSchemaValidateText(t *testing.T) {
	text := "Here you go:\n```json\n{\"approved\": false, \"severity\": \"high\", \"comments\": [\"a } brace\"]}\n```"
	raw, err := reviewSchema.ValidateText(text)
	require.NoError(t, err)

	var out struct {
		Comments []string `json:"comments"`
	}
	require.NoError(t, GenerateResult{Structured: raw}.Decode(&out))
	assert.Equal(t, []string{"a } brace"}, out.Comments)

	_, err = reviewSchema.ValidateText("no json here")
	var schemaErr *SchemaValidationError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   ErrorKind
	}{
		{"rate limit status", errors.New("too many"), 429, KindRateLimit},
		{"auth status", errors.New("nope"), 401, KindAuth},
		{"server error", errors.New("bad gateway"), 502, KindTransient},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), 0, KindTimeout},
		{"connection reset", errors.New("read: connection reset by peer"), 0, KindTransient},
		{"invalid request", errors.New("invalid model"), 0, KindBadPrompt},
		{"unknown", errors.New("something odd"), 0, KindUnknown},
		{"cancelled", fmt.Errorf("call: %w", context.Canceled), 0, KindCancelled},
		{"rate limit message", errors.New("Rate limit reached for requests"), 0, KindRateLimit},
		{"rate_limit code", errors.New(`{"type":"rate_limit_error"}`), 0, KindRateLimit},
		{"quota", errors.New("resource quota exhausted"), 0, KindRateLimit},
		{"generate is not a rate limit", errors.New("failed to generate content"), 0, KindUnknown},
		{"accurate is not a rate limit", errors.New("could not produce an accurate answer"), 0, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("test", tt.err, tt.status)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, "test", got.Provider)
		})
	}
}

type flakyDriver struct {
	fakeDriver
	failures []error
	calls    atomic.Int32
}

func (f *flakyDriver) Generate(_ context.Context, _ GenerateRequest) (GenerateResult, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.failures) {
		return GenerateResult{}, f.failures[n]
	}
	return GenerateResult{Output: "ok"}, nil
}

type fakeDriver struct{}

func (fakeDriver) Name() string { return "fake" }
func (fakeDriver) Generate(context.Context, GenerateRequest) (GenerateResult, error) {
	return GenerateResult{}, nil
}
func (fakeDriver) ExecuteAgentic(context.Context, AgenticRequest) (<-chan AgenticMessage, error) {
	return nil, nil
}
func (fakeDriver) Usage() (Usage, bool) { return Usage{}, false }
func (fakeDriver) CloseSession(string)  {}

func noSleep(context.Context, time.Duration) error { return nil }

func TestWithRetryRetriesTransientErrors(t *testing.T) {
	inner := &flakyDriver{failures: []error{
		&ModelProviderError{Provider: "p", Kind: KindTransient},
		&ModelProviderError{Provider: "p", Kind: KindRateLimit},
	}}
	d := WithRetry(inner, RetryPolicy{Sleep: noSleep})

	res, err := d.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestCancelledCallsAreNotRetried(t *testing.T) {
	cancelled := Classify("p", context.Canceled, 0)
	assert.False(t, cancelled.Retryable())
	assert.False(t, IsRetryable(cancelled))
	assert.Equal(t, KindCancelled, ParseErrorKind(KindCancelled.String()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner := &flakyDriver{failures: []error{
		&ModelProviderError{Provider: "p", Kind: KindTransient},
		&ModelProviderError{Provider: "p", Kind: KindTransient},
	}}
	d := WithRetry(inner, RetryPolicy{Sleep: noSleep})

	_, err := d.Generate(ctx, GenerateRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestWithRetryNeverRetriesSchemaOrValidation(t *testing.T) {
	for _, failure := range []error{
		&SchemaValidationError{Schema: "s", Problems: []string{"bad"}},
		NewValidationError("prompt", "must not be empty"),
		&ModelProviderError{Provider: "p", Kind: KindAuth},
	} {
		inner := &flakyDriver{failures: []error{failure, failure}}
		d := WithRetry(inner, RetryPolicy{Sleep: noSleep})

		_, err := d.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
		require.Error(t, err)
		assert.Equal(t, int32(1), inner.calls.Load(), "error %T must not be retried", failure)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	transient := &ModelProviderError{Provider: "p", Kind: KindTimeout}
	inner := &flakyDriver{failures: []error{transient, transient, transient, transient}}
	d := WithRetry(inner, RetryPolicy{
		Sleep:   noSleep,
		Configs: map[ErrorKind]RetryConfig{KindTimeout: {MaxRetries: 2}},
	})

	_, err := d.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	assert.Equal(t, KindServiceUnavailable, KindOf(err))
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestWireRoundTripKeepsErrorTypes(t *testing.T) {
	line, err := EncodeMessage(ErrorMessage(&ModelProviderError{Provider: "anthropic", Kind: KindRateLimit, StatusCode: 429, Message: "slow down"}))
	require.NoError(t, err)

	msg, _, err := DecodeMessage(line)
	require.NoError(t, err)
	assert.Equal(t, MessageError, msg.Type)
	var provider *ModelProviderError
	require.ErrorAs(t, msg.Err, &provider)
	assert.Equal(t, KindRateLimit, provider.Kind)
	assert.Equal(t, 429, provider.StatusCode)

	line, err = EncodeMessage(ErrorMessage(&SchemaValidationError{Schema: "review", Problems: []string{"x"}}))
	require.NoError(t, err)
	msg, _, err = DecodeMessage(line)
	require.NoError(t, err)
	var schemaErr *SchemaValidationError
	require.ErrorAs(t, msg.Err, &schemaErr)
	assert.Equal(t, "review", schemaErr.Schema)
}

func TestRequestValidation(t *testing.T) {
	var validation *ValidationError
	assert.ErrorAs(t, GenerateRequest{}.Validate(), &validation)
	assert.ErrorAs(t, AgenticRequest{Prompt: "x"}.Validate(), &validation)
	assert.NoError(t, AgenticRequest{Prompt: "x", Cwd: "/tmp"}.Validate())
}

func TestDecodeStructured(t *testing.T) {
	var v struct {
		Approved bool `json:"approved"`
	}
	require.NoError(t, DecodeStructured(GenerateResult{Structured: []byte(`{"approved":true}`)}, &v))
	assert.True(t, v.Approved)

	v.Approved = false
	require.NoError(t, DecodeStructured(GenerateResult{Output: "Here you go:\n```json\n{\"approved\": true}\n```"}, &v))
	assert.True(t, v.Approved)

	var schemaErr *SchemaValidationError
	assert.ErrorAs(t, DecodeStructured(GenerateResult{Output: "looks fine to me"}, &v), &schemaErr)
	assert.ErrorAs(t, DecodeStructured(GenerateResult{Structured: []byte(`{"approved":"yes"}`)}, &v), &schemaErr)
}
