package container

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"foreman/pkg/driver"
	execpkg "foreman/pkg/exec"
	"foreman/pkg/logx"
	"foreman/pkg/sandbox"
)

const providerName = "container"

// Config controls how the worker is invoked.
type Config struct {
	// Command is the worker executable inside the sandbox.
	Command string
	// Env is passed to every worker invocation, typically provider keys.
	Env     []string
	Timeout time.Duration
	// Cwd is the worker's working directory inside the sandbox. Defaults to
	// the mounted workspace.
	Cwd        string
	SessionTTL time.Duration
}

// Driver implements driver.Driver by relaying to a worker in a sandbox.
type Driver struct {
	sandbox  sandbox.Sandbox
	cfg      Config
	sessions *driver.SessionStore[struct{}]
	usage    driver.UsageTracker
	logger   *logx.Logger
}

// New creates a container driver.
func New(sb sandbox.Sandbox, cfg Config) *Driver {
	if cfg.Command == "" {
		cfg.Command = "foreman-worker"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = driver.DefaultSessionTTL
	}
	if cfg.Cwd == "" {
		cfg.Cwd = sandbox.WorkspaceDir
	}
	return &Driver{
		sandbox:  sb,
		cfg:      cfg,
		sessions: driver.NewSessionStore[struct{}](cfg.SessionTTL),
		logger:   logx.NewLogger("driver.container"),
	}
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return providerName }

// Usage implements driver.Driver.
func (d *Driver) Usage() (driver.Usage, bool) { return d.usage.Last() }

// CloseSession forgets the session on the host. The worker's transcript stays
// in the sandbox until it is torn down.
func (d *Driver) CloseSession(id string) { d.sessions.Close(id) }

func (d *Driver) start(ctx context.Context, mode string, req Request) (execpkg.Stream, error) {
	if err := d.sandbox.EnsureRunning(ctx); err != nil {
		return nil, driver.Classify(providerName, fmt.Errorf("sandbox unavailable: %w", err), 0)
	}
	// The host cwd means nothing inside the sandbox.
	req.Cwd = d.cfg.Cwd
	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}
	stream, err := d.sandbox.ExecStream(ctx, sandbox.ExecRequest{
		Cmd:     []string{d.cfg.Command, mode},
		Stdin:   string(stdin),
		Env:     d.cfg.Env,
		WorkDir: d.cfg.Cwd,
		Timeout: d.cfg.Timeout,
	})
	if err != nil {
		return nil, driver.Classify(providerName, err, 0)
	}
	return stream, nil
}

// Generate implements driver.Driver.
func (d *Driver) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	if err := req.Validate(); err != nil {
		return driver.GenerateResult{}, err
	}
	d.usage.Begin()
	defer d.usage.Complete()

	sess, created, release, err := d.sessions.Acquire(ctx, req.SessionID, func() struct{} { return struct{}{} })
	if err != nil {
		return driver.GenerateResult{}, err
	}
	defer release()

	wreq := Request{Prompt: req.Prompt, SessionID: sess.ID, Resume: !created, Schema: req.Schema}
	if created {
		wreq.Instructions = req.SystemPrompt
	}
	stream, err := d.start(ctx, ModeGenerate, wreq)
	if err != nil {
		return driver.GenerateResult{}, err
	}

	var (
		result   *driver.GenerateResult
		failure  error
		scanner  = newScanner(stream.Stdout())
		received bool
	)
	for scanner.Scan() && !received {
		msg, structured, err := driver.DecodeMessage(scanner.Bytes())
		if err != nil {
			d.logger.Debug("skipping worker line: %v", err)
			continue
		}
		switch msg.Type {
		case driver.MessageResult:
			result = &driver.GenerateResult{Output: msg.Content, Structured: structured, SessionID: msg.SessionID}
			if msg.Usage != nil {
				d.usage.Set(*msg.Usage)
			}
			received = true
		case driver.MessageError:
			failure = msg.Err
			received = true
		}
	}
	_, _ = io.Copy(io.Discard, stream.Stdout())
	waitErr := stream.Wait()

	switch {
	case failure != nil:
		return driver.GenerateResult{}, failure
	case result != nil:
		if result.SessionID == "" {
			result.SessionID = sess.ID
		}
		return *result, nil
	case waitErr != nil:
		return driver.GenerateResult{}, driver.Classify(providerName, waitErr, 0)
	default:
		return driver.GenerateResult{}, &driver.ModelProviderError{Provider: providerName, Kind: driver.KindEmptyResponse, Message: "worker produced no result"}
	}
}

// ExecuteAgentic implements driver.Driver.
func (d *Driver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	d.usage.Begin()

	sess, created, release, err := d.sessions.Acquire(ctx, req.SessionID, func() struct{} { return struct{}{} })
	if err != nil {
		return nil, err
	}

	wreq := Request{Prompt: req.Prompt, SessionID: sess.ID, Resume: !created}
	if created {
		wreq.Instructions = req.Instructions
	}
	stream, err := d.start(ctx, ModeAgentic, wreq)
	if err != nil {
		release()
		d.usage.Complete()
		return nil, err
	}

	out := make(chan driver.AgenticMessage, 16)
	go func() {
		defer close(out)
		defer release()
		defer d.usage.Complete()

		if terminal := d.relay(ctx, stream, out); terminal != nil {
			driver.Send(ctx, out, *terminal)
		}
	}()
	return out, nil
}

// relay forwards worker messages and returns the terminal message to send
// when the worker did not produce one.
func (d *Driver) relay(ctx context.Context, stream execpkg.Stream, out chan<- driver.AgenticMessage) *driver.AgenticMessage {
	scanner := newScanner(stream.Stdout())
	for scanner.Scan() {
		msg, _, err := driver.DecodeMessage(scanner.Bytes())
		if err != nil {
			d.logger.Debug("skipping worker line: %v", err)
			continue
		}
		if msg.Type == driver.MessageUsage && msg.Usage != nil {
			d.usage.Add(*msg.Usage)
		}
		if !driver.Send(ctx, out, msg) {
			_ = stream.Wait()
			return nil
		}
		if msg.Terminal() {
			_, _ = io.Copy(io.Discard, stream.Stdout())
			if err := stream.Wait(); err != nil {
				d.logger.Debug("worker exited after result: %v", err)
			}
			return nil
		}
	}

	waitErr := stream.Wait()
	if err := scanner.Err(); err != nil && waitErr == nil {
		waitErr = fmt.Errorf("read worker output: %w", err)
	}
	if waitErr == nil {
		waitErr = driver.ErrStreamIncomplete
	}
	if errors.Is(waitErr, driver.ErrStreamIncomplete) {
		msg := driver.ErrorMessage(&driver.ModelProviderError{Provider: providerName, Kind: driver.KindEmptyResponse, Message: waitErr.Error(), Err: waitErr})
		return &msg
	}
	msg := driver.ErrorMessage(driver.Classify(providerName, waitErr, 0))
	return &msg
}

func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return s
}

var _ driver.Driver = (*Driver)(nil)
