// Package preflight validates, before a workflow starts, that everything the
// profile's drivers depend on is present: a git working directory, the claude
// CLI, a container runtime, provider credentials and a reachable Ollama.
// Only the checks the configured agents actually need are run.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"sort"
	"strings"

	"github.com/ollama/ollama/api"

	"foreman/pkg/config"
	execpkg "foreman/pkg/exec"
	"foreman/pkg/git"
)

// Check names one preflight check.
type Check string

// Checks in the order they are reported.
const (
	CheckGit       Check = "git"
	CheckCLI       Check = "claude-cli"
	CheckContainer Check = "container"
	CheckAnthropic Check = Check(config.ProviderAnthropic)
	CheckBedrock   Check = Check(config.ProviderBedrock)
	CheckOpenAI    Check = Check(config.ProviderOpenAI)
	CheckGemini    Check = Check(config.ProviderGemini)
	CheckOllama    Check = Check(config.ProviderOllama)
)

var order = []Check{CheckGit, CheckCLI, CheckContainer, CheckAnthropic, CheckBedrock, CheckOpenAI, CheckGemini, CheckOllama}

// CheckResult represents the outcome of a single preflight check.
type CheckResult struct {
	Error   error
	Message string
	Check   Check
	Passed  bool
}

// Results contains all preflight check results.
type Results struct {
	Summary string
	Checks  []CheckResult
	Passed  bool
}

// OllamaLister is the part of the Ollama client the checks use.
type OllamaLister interface {
	List(ctx context.Context) (*api.ListResponse, error)
}

// Checker runs the checks for one profile.
type Checker struct {
	profile  *config.Profile
	keys     *config.Keyring
	git      git.Runner
	executor execpkg.Executor
	lookPath func(string) (string, error)
	ollama   func(host string) (OllamaLister, error)
	bedrock  func(ctx context.Context, region, profile string) error
}

// Option configures a Checker.
type Option func(*Checker)

// WithGitRunner replaces the default git runner.
func WithGitRunner(r git.Runner) Option {
	return func(c *Checker) { c.git = r }
}

// WithExecutor replaces the executor used for version probes.
func WithExecutor(e execpkg.Executor) Option {
	return func(c *Checker) { c.executor = e }
}

// WithLookPath replaces exec.LookPath.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(c *Checker) { c.lookPath = fn }
}

// WithOllamaClient replaces the Ollama client constructor.
func WithOllamaClient(fn func(host string) (OllamaLister, error)) Option {
	return func(c *Checker) { c.ollama = fn }
}

// WithBedrockCheck replaces the AWS credential probe.
func WithBedrockCheck(fn func(ctx context.Context, region, profile string) error) Option {
	return func(c *Checker) { c.bedrock = fn }
}

// New creates a checker. A nil keyring reads the environment only.
func New(profile *config.Profile, keys *config.Keyring, opts ...Option) *Checker {
	if keys == nil {
		keys = config.NewKeyring(nil)
	}
	c := &Checker{
		profile:  profile,
		keys:     keys,
		git:      git.NewDefaultRunner(),
		executor: execpkg.NewLocalExec(),
		lookPath: exec.LookPath,
		ollama:   newOllamaClient,
		bedrock:  retrieveAWSCredentials,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newOllamaClient(host string) (OllamaLister, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	return api.NewClient(u, http.DefaultClient), nil
}

// Required determines which checks the profile needs. Git is always
// required; the rest follow from each agent's driver and model.
func (c *Checker) Required() ([]Check, error) {
	needed := map[Check]bool{CheckGit: true}
	var problems []string

	for _, role := range config.AgentRoles {
		agent := c.profile.Agent(role)
		switch agent.Driver {
		case config.DriverCLI:
			needed[CheckCLI] = true
			continue
		case config.DriverContainer:
			needed[CheckContainer] = true
		}
		provider := agent.Provider
		if provider == "" {
			p, err := config.ProviderFor(agent.Model)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", role, err))
				continue
			}
			provider = p
		}
		needed[Check(provider)] = true
	}

	checks := make([]Check, 0, len(needed))
	for _, check := range order {
		if needed[check] {
			checks = append(checks, check)
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return checks, errors.New(strings.Join(problems, "; "))
	}
	return checks, nil
}

// Run executes every required check. A profile whose providers cannot be
// inferred is reported as a failed check rather than an error.
func (c *Checker) Run(ctx context.Context) *Results {
	required, err := c.Required()

	results := &Results{Checks: make([]CheckResult, 0, len(required)+1), Passed: true}
	if err != nil {
		results.Checks = append(results.Checks, CheckResult{Check: "profile", Message: err.Error(), Error: err})
	}
	for _, check := range required {
		results.Checks = append(results.Checks, c.runCheck(ctx, check))
	}

	failed := 0
	for i := range results.Checks {
		if !results.Checks[i].Passed {
			failed++
		}
	}
	results.Passed = failed == 0
	if results.Passed {
		results.Summary = fmt.Sprintf("All %d preflight checks passed", len(results.Checks))
	} else {
		results.Summary = fmt.Sprintf("%d of %d preflight checks failed", failed, len(results.Checks))
	}
	return results
}

// Validate runs the checks and returns an error listing every failure.
func (c *Checker) Validate(ctx context.Context) error {
	results := c.Run(ctx)
	if results.Passed {
		return nil
	}
	var failed []string
	for i := range results.Checks {
		if !results.Checks[i].Passed {
			failed = append(failed, FormatCheckError(results.Checks[i]))
		}
	}
	return fmt.Errorf("preflight failed:\n%s", strings.Join(failed, ""))
}

func (c *Checker) runCheck(ctx context.Context, check Check) CheckResult {
	switch check {
	case CheckGit:
		return c.checkGit(ctx)
	case CheckCLI:
		return c.checkCLI(ctx)
	case CheckContainer:
		return c.checkContainer(ctx)
	case CheckOllama:
		return c.checkOllama(ctx)
	case CheckBedrock:
		return c.checkBedrock(ctx)
	case CheckAnthropic, CheckOpenAI, CheckGemini:
		return c.checkAPIKey(check)
	default:
		return CheckResult{Check: check, Message: "unknown check", Error: fmt.Errorf("unknown check: %s", check)}
	}
}
