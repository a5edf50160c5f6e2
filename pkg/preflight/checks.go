package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"foreman/pkg/config"
	execpkg "foreman/pkg/exec"
)

const probeTimeout = 10 * time.Second

func (c *Checker) checkGit(ctx context.Context) CheckResult {
	out, err := c.git.Run(ctx, c.profile.WorkDir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return CheckResult{
			Check:   CheckGit,
			Message: fmt.Sprintf("%s is not a git working tree", c.profile.WorkDir),
			Error:   err,
		}
	}
	if strings.TrimSpace(string(out)) != "true" {
		return CheckResult{
			Check:   CheckGit,
			Message: fmt.Sprintf("%s is inside a bare repository", c.profile.WorkDir),
			Error:   fmt.Errorf("not a work tree"),
		}
	}
	return CheckResult{Check: CheckGit, Passed: true, Message: "git working tree found"}
}

func (c *Checker) checkCLI(ctx context.Context) CheckResult {
	binary := c.profile.CLI.Binary
	if binary == "" {
		binary = "claude"
	}
	path, err := c.lookPath(binary)
	if err != nil {
		return CheckResult{
			Check:   CheckCLI,
			Message: fmt.Sprintf("%s not found in PATH", binary),
			Error:   err,
		}
	}
	res, err := c.executor.Run(ctx, []string{path, "--version"}, &execpkg.Opts{Timeout: probeTimeout})
	if err != nil {
		return CheckResult{Check: CheckCLI, Message: "failed to run " + binary, Error: err}
	}
	if !res.Success() {
		return CheckResult{
			Check:   CheckCLI,
			Message: fmt.Sprintf("%s --version exited with %d", binary, res.ExitCode),
			Error:   fmt.Errorf("%s", strings.TrimSpace(res.Combined())),
		}
	}
	return CheckResult{
		Check:   CheckCLI,
		Passed:  true,
		Message: fmt.Sprintf("%s %s", binary, strings.TrimSpace(res.Stdout)),
	}
}

func (c *Checker) checkContainer(ctx context.Context) CheckResult {
	runtimes := []string{"docker", "podman"}
	if rt := c.profile.Sandbox.Runtime; rt != "" {
		runtimes = []string{rt}
	}
	var lastErr error
	for _, rt := range runtimes {
		res, err := c.executor.Run(ctx, []string{rt, "version", "--format", "{{.Server.Version}}"}, &execpkg.Opts{Timeout: probeTimeout})
		if err != nil {
			lastErr = err
			continue
		}
		if !res.Success() {
			lastErr = fmt.Errorf("%s: %s", rt, strings.TrimSpace(res.Combined()))
			continue
		}
		return CheckResult{
			Check:   CheckContainer,
			Passed:  true,
			Message: fmt.Sprintf("%s daemon %s", rt, strings.TrimSpace(res.Stdout)),
		}
	}
	return CheckResult{
		Check:   CheckContainer,
		Message: fmt.Sprintf("no container runtime reachable (tried %s)", strings.Join(runtimes, ", ")),
		Error:   lastErr,
	}
}

func (c *Checker) checkAPIKey(check Check) CheckResult {
	if _, err := c.keys.APIKey(string(check)); err != nil {
		return CheckResult{Check: check, Message: "API key not configured", Error: err}
	}
	return CheckResult{Check: check, Passed: true, Message: "API key found"}
}

// checkOllama confirms the server answers and that every model assigned to an
// Ollama agent has been pulled.
func (c *Checker) checkOllama(ctx context.Context) CheckResult {
	host, _ := c.keys.APIKey(config.ProviderOllama)
	client, err := c.ollama(host)
	if err != nil {
		return CheckResult{Check: CheckOllama, Message: "invalid Ollama host", Error: err}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	list, err := client.List(ctx)
	if err != nil {
		return CheckResult{
			Check:   CheckOllama,
			Message: fmt.Sprintf("Ollama server at %s not reachable", host),
			Error:   err,
		}
	}

	available := make(map[string]bool, len(list.Models))
	for i := range list.Models {
		name := list.Models[i].Name
		available[name] = true
		available[strings.TrimSuffix(name, ":latest")] = true
	}
	var missing []string
	for _, model := range c.ollamaModels() {
		if !available[model] {
			missing = append(missing, model)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Check:   CheckOllama,
			Message: fmt.Sprintf("models not pulled: %s", strings.Join(missing, ", ")),
			Error:   fmt.Errorf("missing ollama models: %v", missing),
		}
	}
	return CheckResult{
		Check:   CheckOllama,
		Passed:  true,
		Message: fmt.Sprintf("Ollama server at %s (%d models)", host, len(list.Models)),
	}
}

func (c *Checker) ollamaModels() []string {
	seen := make(map[string]bool)
	var models []string
	for _, role := range config.AgentRoles {
		agent := c.profile.Agent(role)
		if agent.Driver == config.DriverCLI || agent.Model == "" {
			continue
		}
		provider := agent.Provider
		if provider == "" {
			provider, _ = config.ProviderFor(agent.Model)
		}
		if provider != config.ProviderOllama {
			continue
		}
		if !seen[agent.Model] {
			seen[agent.Model] = true
			models = append(models, agent.Model)
		}
	}
	return models
}

func (c *Checker) checkBedrock(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := c.bedrock(ctx, c.profile.AWS.Region, c.profile.AWS.Profile); err != nil {
		return CheckResult{Check: CheckBedrock, Message: "AWS credentials not available", Error: err}
	}
	return CheckResult{Check: CheckBedrock, Passed: true, Message: "AWS credentials resolved"}
}

func retrieveAWSCredentials(ctx context.Context, region, profile string) error {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		return fmt.Errorf("no AWS region configured")
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}
	return nil
}
