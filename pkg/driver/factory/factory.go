// Package factory builds the driver for each agent role from a profile.
//
// A Factory belongs to one workflow instance. Roles whose configuration is
// identical share a driver instance, so within a workflow they share sessions
// and, for the CLI, one semaphore. Container-backed roles share one sandbox
// named after the workflow.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"foreman/pkg/config"
	"foreman/pkg/driver"
	"foreman/pkg/driver/api"
	"foreman/pkg/driver/claudecli"
	"foreman/pkg/driver/container"
	execpkg "foreman/pkg/exec"
	"foreman/pkg/logx"
	"foreman/pkg/sandbox"
	"foreman/pkg/tools"
)

// Wrapper decorates the driver handed to a role, e.g. with metrics.
type Wrapper func(role string, d driver.Driver) driver.Driver

// ProviderFunc builds an api.Provider. Tests replace it.
type ProviderFunc func(ctx context.Context, cfg api.ProviderConfig) (api.Provider, error)

// SandboxFunc builds the sandbox for container-backed roles. Tests replace it.
type SandboxFunc func(cfg sandbox.DockerConfig) sandbox.Sandbox

// Option configures a Factory.
type Option func(*Factory)

// WithWrapper decorates every driver returned by Driver.
func WithWrapper(w Wrapper) Option {
	return func(f *Factory) { f.wrap = w }
}

// WithProviderFunc replaces api.NewProvider.
func WithProviderFunc(fn ProviderFunc) Option {
	return func(f *Factory) { f.newProvider = fn }
}

// WithSandboxFunc replaces the docker sandbox constructor.
func WithSandboxFunc(fn SandboxFunc) Option {
	return func(f *Factory) { f.newSandbox = fn }
}

// WithStarter sets the process starter used by the CLI driver.
func WithStarter(s execpkg.Starter) Option {
	return func(f *Factory) { f.starter = s }
}

// WithExecutor sets the executor used by host-side tools of the api driver.
func WithExecutor(e execpkg.Executor) Option {
	return func(f *Factory) { f.executor = e }
}

// Factory builds and caches drivers for one workflow.
type Factory struct {
	profile    *config.Profile
	keys       *config.Keyring
	workflowID string

	wrap        Wrapper
	newProvider ProviderFunc
	newSandbox  SandboxFunc
	starter     execpkg.Starter
	executor    execpkg.Executor
	logger      *logx.Logger

	mu      sync.Mutex
	base    map[string]driver.Driver
	roles   map[string]driver.Driver
	sandbox sandbox.Sandbox
	closed  bool
}

// New creates a factory. A nil keyring reads keys from the environment only.
func New(profile *config.Profile, keys *config.Keyring, workflowID string, opts ...Option) *Factory {
	if keys == nil {
		keys = config.NewKeyring(nil)
	}
	f := &Factory{
		profile:     profile,
		keys:        keys,
		workflowID:  workflowID,
		newProvider: api.NewProvider,
		newSandbox: func(cfg sandbox.DockerConfig) sandbox.Sandbox {
			return sandbox.NewDocker(cfg, nil, nil)
		},
		logger: logx.NewLogger("driver.factory"),
		base:   make(map[string]driver.Driver),
		roles:  make(map[string]driver.Driver),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.executor == nil {
		f.executor = execpkg.NewLocalExec()
	}
	return f
}

// Driver returns the driver configured for role, creating it on first use.
func (f *Factory) Driver(ctx context.Context, role string) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, driver.NewValidationError("factory", "closed")
	}
	if d, ok := f.roles[role]; ok {
		return d, nil
	}

	agent := f.profile.Agent(role)
	key := cacheKey(agent)
	base, ok := f.base[key]
	if !ok {
		var err error
		base, err = f.build(ctx, role, agent)
		if err != nil {
			return nil, fmt.Errorf("build %s driver for %s: %w", agent.Driver, role, err)
		}
		f.base[key] = base
		f.logger.Info("%s: using %s (model %q)", role, base.Name(), agent.Model)
	}

	d := base
	if f.retryEnabled() {
		d = driver.WithRetry(d, driver.RetryPolicy{MaxAttempts: f.profile.Retry.MaxAttempts})
	}
	if f.wrap != nil {
		d = f.wrap(role, d)
	}
	f.roles[role] = d
	return d, nil
}

func (f *Factory) retryEnabled() bool {
	return f.profile.Retry.Enabled
}

func cacheKey(a config.AgentConfig) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d", a.Driver, a.Provider, a.Model, a.BaseURL, a.MaxTurns, a.MaxTokens)
}

func (f *Factory) build(ctx context.Context, role string, agent config.AgentConfig) (driver.Driver, error) {
	switch agent.Driver {
	case config.DriverCLI:
		return f.buildCLI(agent), nil
	case config.DriverAPI:
		return f.buildAPI(ctx, agent)
	case config.DriverContainer:
		return f.buildContainer(agent)
	default:
		return nil, driver.NewValidationError("agents."+role+".driver", fmt.Sprintf("unknown driver %q", agent.Driver))
	}
}

func (f *Factory) buildCLI(agent config.AgentConfig) driver.Driver {
	cli := f.profile.CLI
	cfg := claudecli.DefaultConfig()
	cfg.Model = agent.Model
	cfg.SkipPermissions = cli.SkipPermissions
	if cli.Binary != "" {
		cfg.Binary = cli.Binary
	}
	if cli.Timeout > 0 {
		cfg.Timeout = cli.Timeout
	}
	if cli.MaxRetries > 0 {
		cfg.MaxRetries = cli.MaxRetries
	}
	if cli.RetryBackoff > 0 {
		cfg.RetryBackoff = cli.RetryBackoff
	}
	return claudecli.New(cfg, f.starter)
}

// ProviderConfig resolves the provider, credentials and endpoint for an agent.
func (f *Factory) ProviderConfig(agent config.AgentConfig) (api.ProviderConfig, error) {
	if agent.Model == "" {
		return api.ProviderConfig{}, driver.NewValidationError("model", "required for "+agent.Driver+" driver")
	}
	provider := agent.Provider
	if provider == "" {
		var err error
		provider, err = config.ProviderFor(agent.Model)
		if err != nil {
			return api.ProviderConfig{}, driver.NewValidationError("model", err.Error())
		}
	}

	cfg := api.ProviderConfig{Kind: provider, Model: agent.Model, BaseURL: agent.BaseURL}
	switch provider {
	case config.ProviderBedrock:
		cfg.AWSRegion = f.profile.AWS.Region
		cfg.AWSProfile = f.profile.AWS.Profile
	case config.ProviderOllama:
		if cfg.BaseURL == "" {
			host, err := f.keys.APIKey(provider)
			if err != nil {
				return api.ProviderConfig{}, err
			}
			cfg.BaseURL = host
		}
	default:
		key, err := f.keys.APIKey(provider)
		if err != nil {
			return api.ProviderConfig{}, &driver.ModelProviderError{Provider: provider, Kind: driver.KindAuth, Message: err.Error(), Err: err}
		}
		cfg.APIKey = key
	}
	return cfg, nil
}

func (f *Factory) buildAPI(ctx context.Context, agent config.AgentConfig) (driver.Driver, error) {
	pcfg, err := f.ProviderConfig(agent)
	if err != nil {
		return nil, err
	}
	provider, err := f.newProvider(ctx, pcfg)
	if err != nil {
		return nil, err //nolint:wrapcheck // typed provider errors pass through
	}
	executor := f.executor
	return api.New(provider, api.Config{
		MaxTurns:  agent.MaxTurns,
		MaxTokens: agent.MaxTokens,
		Tools: func(cwd string) api.ToolRunner {
			return tools.NewSet(tools.Config{Root: cwd}, executor)
		},
	}), nil
}

func (f *Factory) buildContainer(agent config.AgentConfig) (driver.Driver, error) {
	pcfg, err := f.ProviderConfig(agent)
	if err != nil {
		return nil, err
	}
	sb := f.sharedSandbox()
	return container.New(sb, container.Config{
		Command: f.profile.Sandbox.Worker,
		Env:     container.WorkerEnv(pcfg),
		Timeout: f.profile.Sandbox.Timeout,
	}), nil
}

// sharedSandbox is called with f.mu held.
func (f *Factory) sharedSandbox() sandbox.Sandbox {
	if f.sandbox != nil {
		return f.sandbox
	}
	sc := f.profile.Sandbox
	f.sandbox = f.newSandbox(sandbox.DockerConfig{
		Image:          sc.Image,
		ID:             f.workflowID,
		HostDir:        f.profile.WorkDir,
		Runtime:        sc.Runtime,
		User:           sc.User,
		NetworkEnabled: sc.Network,
		TmpfsSize:      sc.TmpfsSize,
		Limits:         sandbox.Limits{CPUs: sc.CPUs, Memory: sc.Memory, PIDs: sc.PIDs},
	})
	return f.sandbox
}

// Close tears down the sandbox, if one was started. Drivers must not be used
// afterwards.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	if f.sandbox != nil {
		if err := f.sandbox.Teardown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("teardown sandbox: %w", err))
		}
	}
	f.base = nil
	f.roles = nil
	return errors.Join(errs...)
}
