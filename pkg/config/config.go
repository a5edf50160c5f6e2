// Package config loads foreman profiles.
//
// A profile selects the driver and model for every agent role, the working
// directory, iteration limits, and the optional side channels (persistence,
// events, metrics). Profiles are read with viper from foreman.yaml and may be
// overridden by FOREMAN_* environment variables, e.g.
// FOREMAN_LIMITS_MAX_REVIEW_ITERATIONS=5.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"foreman/pkg/logx"
)

const (
	// FileName is the profile file name looked up in the working directory.
	FileName = "foreman.yaml"
	// DirName holds per-repository state: database, secrets.
	DirName = ".foreman"
	// DatabaseFileName is the default sqlite database inside DirName.
	DatabaseFileName = "foreman.db"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "FOREMAN"
)

// Driver kinds.
const (
	DriverCLI       = "cli"
	DriverAPI       = "api"
	DriverContainer = "container"
)

// Agent roles.
const (
	AgentArchitect = "architect"
	AgentDeveloper = "developer"
	AgentReviewer  = "reviewer"
	AgentEvaluator = "evaluator"
)

// AgentRoles lists every role a profile configures.
var AgentRoles = []string{AgentArchitect, AgentDeveloper, AgentReviewer, AgentEvaluator}

// Defaults applied when a profile leaves them unset.
const (
	DefaultProfileID           = "default"
	DefaultMaxReviewIterations = 3
	DefaultMaxReviewPasses     = 2
	DefaultDiffTokenBudget     = 24000
	DefaultCLIBinary           = "claude"
	DefaultCLITimeout          = 30 * time.Minute
	DefaultCLIRetryBackoff     = 5 * time.Second
	DefaultSandboxImage        = "ghcr.io/foreman-dev/worker:latest"
	DefaultTmpfsSize           = "1g"
	DefaultDockerCPUs          = "2"
	DefaultDockerMemory        = "2g"
	DefaultDockerPIDs          = int64(1024)
	DefaultEventsSubject       = "foreman.events"
)

// AgentConfig selects the backend for one agent role.
type AgentConfig struct {
	// Driver is one of cli, api or container.
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Model is required for api and container drivers; the CLI uses its own
	// default when empty.
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// Provider overrides the provider inferred from Model, e.g. "bedrock".
	Provider  string `mapstructure:"provider" yaml:"provider,omitempty"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	MaxTurns  int    `mapstructure:"max_turns" yaml:"max_turns,omitempty"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
}

// CLIConfig controls the claude CLI driver.
type CLIConfig struct {
	Binary          string        `mapstructure:"binary" yaml:"binary"`
	SkipPermissions bool          `mapstructure:"skip_permissions" yaml:"skip_permissions"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// SandboxConfig controls the container driver's sandbox.
type SandboxConfig struct {
	Image     string        `mapstructure:"image" yaml:"image"`
	Runtime   string        `mapstructure:"runtime" yaml:"runtime,omitempty"`
	User      string        `mapstructure:"user" yaml:"user,omitempty"`
	Network   bool          `mapstructure:"network" yaml:"network"`
	CPUs      string        `mapstructure:"cpus" yaml:"cpus"`
	Memory    string        `mapstructure:"memory" yaml:"memory"`
	PIDs      int64         `mapstructure:"pids" yaml:"pids"`
	TmpfsSize string        `mapstructure:"tmpfs_size" yaml:"tmpfs_size"`
	Worker    string        `mapstructure:"worker" yaml:"worker,omitempty"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// LimitsConfig bounds the review loops.
type LimitsConfig struct {
	MaxReviewIterations int `mapstructure:"max_review_iterations" yaml:"max_review_iterations"`
	MaxReviewPasses     int `mapstructure:"max_review_passes" yaml:"max_review_passes"`
	DiffTokenBudget     int `mapstructure:"diff_token_budget" yaml:"diff_token_budget"`
}

// RetryConfig controls retries of Generate calls on transient provider errors.
type RetryConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	MaxAttempts int  `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// PersistenceConfig locates the sqlite database. An empty Path means
// <work_dir>/.foreman/foreman.db; "off" disables persistence.
type PersistenceConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// EventsConfig selects outward event sinks.
type EventsConfig struct {
	Console bool   `mapstructure:"console" yaml:"console"`
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url,omitempty"`
	Subject string `mapstructure:"subject" yaml:"subject,omitempty"`
	// LogDir receives daily JSONL event files. Empty means
	// <work_dir>/.foreman/events; "off" disables the log.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir,omitempty"`
}

// MetricsConfig controls driver instrumentation.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Out is a file the text exposition is written to when a run ends.
	Out string `mapstructure:"out" yaml:"out,omitempty"`
}

// AWSConfig is used by Bedrock-backed agents.
type AWSConfig struct {
	Region  string `mapstructure:"region" yaml:"region,omitempty"`
	Profile string `mapstructure:"profile" yaml:"profile,omitempty"`
}

// Profile is the complete configuration of a workflow run.
type Profile struct {
	ID          string                 `mapstructure:"id" yaml:"id"`
	WorkDir     string                 `mapstructure:"work_dir" yaml:"work_dir"`
	AutoApprove bool                   `mapstructure:"auto_approve" yaml:"auto_approve"`
	Agents      map[string]AgentConfig `mapstructure:"agents" yaml:"agents"`
	CLI         CLIConfig              `mapstructure:"claude_cli" yaml:"claude_cli"`
	Sandbox     SandboxConfig          `mapstructure:"sandbox" yaml:"sandbox"`
	Limits      LimitsConfig           `mapstructure:"limits" yaml:"limits"`
	Retry       RetryConfig            `mapstructure:"retry" yaml:"retry"`
	Persistence PersistenceConfig      `mapstructure:"persistence" yaml:"persistence"`
	Events      EventsConfig           `mapstructure:"events" yaml:"events"`
	Metrics     MetricsConfig          `mapstructure:"metrics" yaml:"metrics"`
	AWS         AWSConfig              `mapstructure:"aws" yaml:"aws,omitempty"`
	// Prompts overrides built-in prompt templates by name.
	Prompts map[string]string `mapstructure:"prompts" yaml:"prompts,omitempty"`
}

// Default returns a profile that drives every agent through the claude CLI.
func Default() *Profile {
	p := &Profile{}
	applyDefaults(p)
	return p
}

// Agent returns the configuration for role, falling back to the CLI driver.
func (p *Profile) Agent(role string) AgentConfig {
	cfg, ok := p.Agents[role]
	if !ok {
		cfg = AgentConfig{}
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverCLI
	}
	return cfg
}

// DatabasePath resolves the sqlite path, or "" when persistence is off.
func (p *Profile) DatabasePath() string {
	return p.resolve(p.Persistence.Path, DatabaseFileName)
}

// EventLogDir resolves the event log directory, or "" when it is off.
func (p *Profile) EventLogDir() string {
	return p.resolve(p.Events.LogDir, "events")
}

func (p *Profile) resolve(path, fallback string) string {
	switch {
	case strings.EqualFold(path, "off"):
		return ""
	case path == "":
		return filepath.Join(p.WorkDir, DirName, fallback)
	case filepath.IsAbs(path):
		return path
	default:
		return filepath.Join(p.WorkDir, path)
	}
}

// Validate reports every problem with the profile at once.
func (p *Profile) Validate() error {
	var errs []error
	if p.WorkDir == "" {
		errs = append(errs, errors.New("work_dir must be set"))
	}
	for role := range p.Agents {
		if !knownRole(role) {
			errs = append(errs, fmt.Errorf("agents.%s: unknown role", role))
		}
	}
	for _, role := range AgentRoles {
		agent := p.Agent(role)
		switch agent.Driver {
		case DriverCLI:
		case DriverAPI, DriverContainer:
			if agent.Model == "" {
				errs = append(errs, fmt.Errorf("agents.%s: model is required for the %s driver", role, agent.Driver))
				continue
			}
			if agent.Provider == "" {
				if _, err := ProviderFor(agent.Model); err != nil {
					errs = append(errs, fmt.Errorf("agents.%s: %w", role, err))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("agents.%s: unknown driver %q", role, agent.Driver))
		}
	}
	if p.Limits.MaxReviewIterations <= 0 {
		errs = append(errs, errors.New("limits.max_review_iterations must be positive"))
	}
	if p.Limits.MaxReviewPasses <= 0 {
		errs = append(errs, errors.New("limits.max_review_passes must be positive"))
	}
	if p.CLI.MaxRetries < 0 {
		errs = append(errs, errors.New("claude_cli.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

func knownRole(role string) bool {
	for _, r := range AgentRoles {
		if r == role {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("id", DefaultProfileID)
	v.SetDefault("work_dir", "")
	v.SetDefault("auto_approve", false)

	v.SetDefault("claude_cli.binary", DefaultCLIBinary)
	v.SetDefault("claude_cli.skip_permissions", false)
	v.SetDefault("claude_cli.timeout", DefaultCLITimeout)
	v.SetDefault("claude_cli.max_retries", 1)
	v.SetDefault("claude_cli.retry_backoff", DefaultCLIRetryBackoff)

	v.SetDefault("sandbox.image", DefaultSandboxImage)
	v.SetDefault("sandbox.runtime", "")
	v.SetDefault("sandbox.network", false)
	v.SetDefault("sandbox.cpus", DefaultDockerCPUs)
	v.SetDefault("sandbox.memory", DefaultDockerMemory)
	v.SetDefault("sandbox.pids", DefaultDockerPIDs)
	v.SetDefault("sandbox.tmpfs_size", DefaultTmpfsSize)

	v.SetDefault("limits.max_review_iterations", DefaultMaxReviewIterations)
	v.SetDefault("limits.max_review_passes", DefaultMaxReviewPasses)
	v.SetDefault("limits.diff_token_budget", DefaultDiffTokenBudget)

	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.max_attempts", 0)

	v.SetDefault("persistence.path", "")
	v.SetDefault("events.console", true)
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", DefaultEventsSubject)
	v.SetDefault("events.log_dir", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.out", "")
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
}

// applyDefaults fills zero values for profiles built in code.
func applyDefaults(p *Profile) {
	if p.ID == "" {
		p.ID = DefaultProfileID
	}
	if p.CLI.Binary == "" {
		p.CLI.Binary = DefaultCLIBinary
	}
	if p.CLI.Timeout == 0 {
		p.CLI.Timeout = DefaultCLITimeout
	}
	if p.CLI.RetryBackoff == 0 {
		p.CLI.RetryBackoff = DefaultCLIRetryBackoff
	}
	if p.Sandbox.Image == "" {
		p.Sandbox.Image = DefaultSandboxImage
	}
	if p.Sandbox.CPUs == "" {
		p.Sandbox.CPUs = DefaultDockerCPUs
	}
	if p.Sandbox.Memory == "" {
		p.Sandbox.Memory = DefaultDockerMemory
	}
	if p.Sandbox.PIDs == 0 {
		p.Sandbox.PIDs = DefaultDockerPIDs
	}
	if p.Sandbox.TmpfsSize == "" {
		p.Sandbox.TmpfsSize = DefaultTmpfsSize
	}
	if p.Limits.MaxReviewIterations == 0 {
		p.Limits.MaxReviewIterations = DefaultMaxReviewIterations
	}
	if p.Limits.MaxReviewPasses == 0 {
		p.Limits.MaxReviewPasses = DefaultMaxReviewPasses
	}
	if p.Limits.DiffTokenBudget == 0 {
		p.Limits.DiffTokenBudget = DefaultDiffTokenBudget
	}
	if p.Events.Subject == "" {
		p.Events.Subject = DefaultEventsSubject
	}
	if p.Agents == nil {
		p.Agents = map[string]AgentConfig{}
	}
}

// Load reads the profile at path. An empty path looks for foreman.yaml in
// workDir; a missing file is not an error and yields the defaults. Relative
// work_dir values are resolved against the file's directory.
func Load(path, workDir string) (*Profile, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if path == "" && workDir != "" {
		candidate := filepath.Join(workDir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading profile %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	p := &Profile{}
	if err := v.Unmarshal(p); err != nil {
		return nil, fmt.Errorf("unmarshaling profile: %w", err)
	}
	applyDefaults(p)

	switch {
	case p.WorkDir == "":
		p.WorkDir = workDir
	case !filepath.IsAbs(p.WorkDir) && path != "":
		p.WorkDir = filepath.Join(filepath.Dir(path), p.WorkDir)
	}
	if p.WorkDir != "" {
		abs, err := filepath.Abs(p.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("resolving work_dir: %w", err)
		}
		p.WorkDir = abs
	}

	if path != "" {
		logger().Debug("loaded profile %s from %s", p.ID, path)
	}
	return p, nil
}

// Save writes p as YAML. Existing files are only replaced when overwrite is set.
func Save(p *Profile, path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // profile holds no secrets
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func logger() *logx.Logger {
	return logx.NewLogger("config")
}
