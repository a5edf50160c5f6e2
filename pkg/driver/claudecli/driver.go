// Package claudecli drives the Claude Code CLI as a subprocess. The CLI owns
// conversation history; this driver tracks session ids, serializes calls and
// translates stream-json output into agentic messages.
package claudecli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"foreman/pkg/driver"
	execpkg "foreman/pkg/exec"
	"foreman/pkg/logx"
)

const providerName = "claude-cli"

// Config controls how the CLI is invoked.
type Config struct {
	// Binary is the CLI executable. Defaults to "claude".
	Binary string
	Model  string
	// SkipPermissions passes --dangerously-skip-permissions. Only enable inside
	// a sandbox.
	SkipPermissions bool
	// Timeout bounds a single attempt. Zero disables it.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a timeout.
	MaxRetries   int
	RetryBackoff time.Duration
	Env          []string
	SessionTTL   time.Duration
}

// DefaultConfig returns the settings used when a profile leaves them unset.
func DefaultConfig() Config {
	return Config{
		Binary:       "claude",
		Timeout:      30 * time.Minute,
		MaxRetries:   1,
		RetryBackoff: 5 * time.Second,
		SessionTTL:   driver.DefaultSessionTTL,
	}
}

// Driver implements driver.Driver on top of the claude CLI.
type Driver struct {
	cfg      Config
	starter  execpkg.Starter
	sem      chan struct{}
	sessions *driver.SessionStore[struct{}]
	usage    driver.UsageTracker
	logger   *logx.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a CLI driver. A nil starter runs the CLI on the host.
func New(cfg Config, starter execpkg.Starter) *Driver {
	defaults := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = defaults.Binary
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaults.SessionTTL
	}
	if starter == nil {
		starter = execpkg.LocalStarter{}
	}
	return &Driver{
		cfg:      cfg,
		starter:  starter,
		sem:      make(chan struct{}, 1),
		sessions: driver.NewSessionStore[struct{}](cfg.SessionTTL),
		logger:   logx.NewLogger("driver.claudecli"),
		sleep:    sleepContext,
	}
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return providerName }

// Usage implements driver.Driver.
func (d *Driver) Usage() (driver.Usage, bool) { return d.usage.Last() }

// CloseSession forgets the session id. The CLI keeps its transcript on disk.
func (d *Driver) CloseSession(id string) { d.sessions.Close(id) }

type invocation struct {
	outputFormat string
	systemPrompt string
	sessionID    string
	resume       bool
	prompt       string
}

// buildArgs constructs the CLI command line. The system prompt is only sent
// when a session starts; a resumed session already carries it.
func (d *Driver) buildArgs(inv invocation) []string {
	args := []string{d.cfg.Binary, "-p", "--output-format", inv.outputFormat}
	if inv.outputFormat == "stream-json" {
		args = append(args, "--verbose")
	}
	if d.cfg.Model != "" {
		args = append(args, "--model", d.cfg.Model)
	}
	if d.cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if !inv.resume && inv.systemPrompt != "" {
		args = append(args, "--append-system-prompt", inv.systemPrompt)
	}
	if inv.resume {
		args = append(args, "--resume", inv.sessionID)
	} else {
		args = append(args, "--session-id", inv.sessionID)
	}
	return append(args, "--", inv.prompt)
}

func (d *Driver) acquire(ctx context.Context) (func(), error) {
	select {
	case d.sem <- struct{}{}:
		return func() { <-d.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err() //nolint:wrapcheck // cancellation passthrough
	}
}

// Generate runs one non-streaming CLI call.
func (d *Driver) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	if err := req.Validate(); err != nil {
		return driver.GenerateResult{}, err
	}
	d.usage.Begin()

	release, err := d.acquire(ctx)
	if err != nil {
		return driver.GenerateResult{}, err
	}
	defer release()

	sess, _, unlock, err := d.sessions.Acquire(ctx, req.SessionID, func() struct{} { return struct{}{} })
	if err != nil {
		return driver.GenerateResult{}, err
	}
	defer unlock()

	prompt := req.Prompt
	if req.Schema != nil {
		prompt += "\n\nRespond with only a JSON object matching this schema, no prose:\n" + req.Schema.Describe()
	}

	var ev StreamEvent
	for attempt := 0; ; attempt++ {
		inv := invocation{
			outputFormat: "json",
			systemPrompt: req.SystemPrompt,
			sessionID:    sess.ID,
			resume:       req.SessionID != "",
			prompt:       prompt,
		}
		if !inv.resume && attempt > 0 {
			// The CLI may have registered the id before timing out.
			inv.sessionID = driver.NewSessionID()
		}

		ev, err = d.runOnce(ctx, inv, req.Cwd)
		if err == nil {
			break
		}
		if !d.retryTimeout(ctx, err, attempt) {
			return driver.GenerateResult{}, err
		}
	}

	total := ev.Usage.toUsage(d.cfg.Model)
	total.CostUSD = ev.TotalCostUSD
	total.DurationMs = ev.DurationMs
	total.NumTurns = ev.NumTurns
	d.usage.Set(total)
	d.usage.Complete()

	if ev.IsError {
		return driver.GenerateResult{}, driver.Classify(providerName, &resultError{subtype: ev.Subtype, message: ev.Result}, 0)
	}

	sessionID := ev.SessionID
	if sessionID == "" {
		sessionID = sess.ID
	}
	res := driver.GenerateResult{Output: ev.Result, SessionID: sessionID}
	if req.Schema != nil {
		structured, err := req.Schema.ValidateText(ev.Result)
		if err != nil {
			return res, err
		}
		res.Structured = structured
	}
	return res, nil
}

func (d *Driver) runOnce(ctx context.Context, inv invocation, cwd string) (StreamEvent, error) {
	stream, err := d.starter.Start(ctx, d.buildArgs(inv), &execpkg.Opts{WorkDir: cwd, Env: d.cfg.Env, Timeout: d.cfg.Timeout})
	if err != nil {
		return StreamEvent{}, driver.Classify(providerName, err, 0)
	}
	out, readErr := io.ReadAll(stream.Stdout())
	if err := stream.Wait(); err != nil {
		return StreamEvent{}, driver.Classify(providerName, err, 0)
	}
	if readErr != nil {
		return StreamEvent{}, driver.Classify(providerName, readErr, 0)
	}

	var last StreamEvent
	found := false
	for _, line := range strings.Split(string(out), "\n") {
		ev, ok, err := ParseLine([]byte(line))
		if err != nil || !ok {
			continue
		}
		if ev.Type == eventResult {
			last, found = ev, true
		}
	}
	if !found {
		return StreamEvent{}, &driver.ModelProviderError{Provider: providerName, Kind: driver.KindEmptyResponse, Message: "no result in CLI output"}
	}
	return last, nil
}

// retryTimeout waits out the backoff and reports whether another attempt
// should be made after err.
func (d *Driver) retryTimeout(ctx context.Context, err error, attempt int) bool {
	if !errors.Is(err, execpkg.ErrTimeout) || attempt >= d.cfg.MaxRetries {
		return false
	}
	d.logger.Warn("attempt %d timed out after %s, retrying in %s", attempt+1, d.cfg.Timeout, d.cfg.RetryBackoff)
	return d.sleep(ctx, d.cfg.RetryBackoff) == nil
}

// ExecuteAgentic streams a CLI run. A timeout is retried only while nothing
// has been emitted, so a consumer never sees a partial run repeated.
func (d *Driver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d.usage.Begin()

	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	sess, _, unlock, err := d.sessions.Acquire(ctx, req.SessionID, func() struct{} { return struct{}{} })
	if err != nil {
		release()
		return nil, err
	}

	out := make(chan driver.AgenticMessage, 16)
	go func() {
		defer close(out)
		defer release()
		defer unlock()

		for attempt := 0; ; attempt++ {
			inv := invocation{
				outputFormat: "stream-json",
				systemPrompt: req.Instructions,
				sessionID:    sess.ID,
				resume:       req.Resume(),
				prompt:       req.Prompt,
			}
			if !inv.resume && attempt > 0 {
				inv.sessionID = driver.NewSessionID()
			}

			emitted, err := d.stream(ctx, inv, req.Cwd, out)
			if err == nil {
				d.usage.Complete()
				return
			}
			if emitted == 0 && d.retryTimeout(ctx, err, attempt) {
				continue
			}
			d.usage.Complete()
			driver.Send(ctx, out, driver.ErrorMessage(err))
			return
		}
	}()
	return out, nil
}

// stream runs one attempt, forwarding messages until the terminal one. It
// returns how many messages were sent and, when no terminal message was sent,
// the failure.
func (d *Driver) stream(ctx context.Context, inv invocation, cwd string, out chan<- driver.AgenticMessage) (int, error) {
	s, err := d.starter.Start(ctx, d.buildArgs(inv), &execpkg.Opts{WorkDir: cwd, Env: d.cfg.Env, Timeout: d.cfg.Timeout})
	if err != nil {
		return 0, driver.Classify(providerName, err, 0)
	}
	d.logger.Info("started claude session=%s resume=%t", inv.sessionID, inv.resume)

	tr := newTranslator(d.cfg.Model, inv.sessionID)
	sent := 0
	terminal := false

	scanner := bufio.NewScanner(s.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() && !terminal {
		ev, ok, err := ParseLine(scanner.Bytes())
		if err != nil {
			d.logger.Debug("skipping unparseable stream line: %v", err)
			continue
		}
		if !ok {
			continue
		}
		for _, msg := range tr.translate(ev) {
			if msg.Type == driver.MessageUsage && msg.Usage != nil {
				d.usage.Add(*msg.Usage)
			}
			if !driver.Send(ctx, out, msg) {
				_ = s.Wait()
				return sent, ctx.Err()
			}
			sent++
			if msg.Terminal() {
				terminal = true
				break
			}
		}
	}
	// Drain so the process is never blocked on a full pipe.
	_, _ = io.Copy(io.Discard, s.Stdout())
	waitErr := s.Wait()

	if terminal {
		if waitErr != nil {
			d.logger.Debug("claude exited after result: %v", waitErr)
		}
		return sent, nil
	}
	if waitErr != nil {
		return sent, driver.Classify(providerName, waitErr, 0)
	}
	if err := scanner.Err(); err != nil {
		return sent, driver.Classify(providerName, fmt.Errorf("read stream: %w", err), 0)
	}
	return sent, &driver.ModelProviderError{Provider: providerName, Kind: driver.KindEmptyResponse, Message: "stream ended without a result event"}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err() //nolint:wrapcheck // cancellation passthrough
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // cancellation passthrough
	}
}

var _ driver.Driver = (*Driver)(nil)
