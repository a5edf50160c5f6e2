package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/driver"
)

const sampleProfile = `id: team
work_dir: repo
auto_approve: true
agents:
  architect:
    driver: api
    model: claude-opus-4-5
  developer:
    driver: cli
  reviewer:
    driver: container
    model: gpt-5
claude_cli:
  timeout: 10m
  max_retries: 2
limits:
  max_review_iterations: 4
prompts:
  developer_system: "Be brief."
`

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProfile(t *testing.T) {
	path := writeProfile(t, sampleProfile)

	p, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "team", p.ID)
	assert.True(t, p.AutoApprove)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "repo"), p.WorkDir)
	assert.Equal(t, 10*time.Minute, p.CLI.Timeout)
	assert.Equal(t, 2, p.CLI.MaxRetries)
	assert.Equal(t, DefaultCLIBinary, p.CLI.Binary)
	assert.Equal(t, 4, p.Limits.MaxReviewIterations)
	assert.Equal(t, DefaultMaxReviewPasses, p.Limits.MaxReviewPasses)
	assert.Equal(t, "Be brief.", p.Prompts["developer_system"])

	assert.Equal(t, AgentConfig{Driver: DriverAPI, Model: "claude-opus-4-5"}, p.Agent(AgentArchitect))
	assert.Equal(t, DriverCLI, p.Agent(AgentEvaluator).Driver, "unset roles default to the CLI")
	require.NoError(t, p.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeProfile(t, sampleProfile)
	t.Setenv("FOREMAN_LIMITS_MAX_REVIEW_ITERATIONS", "7")
	t.Setenv("FOREMAN_AUTO_APPROVE", "false")

	p, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 7, p.Limits.MaxReviewIterations)
	assert.False(t, p.AutoApprove)
}

func TestLoadWithoutFile(t *testing.T) {
	dir := t.TempDir()
	p, err := Load("", dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileID, p.ID)
	assert.Equal(t, dir, p.WorkDir)
	assert.True(t, p.Events.Console)
	assert.Equal(t, filepath.Join(dir, DirName, DatabaseFileName), p.DatabasePath())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Profile)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Profile) {}},
		{
			name:    "work dir required",
			mutate:  func(p *Profile) { p.WorkDir = "" },
			wantErr: "work_dir",
		},
		{
			name:    "api needs a model",
			mutate:  func(p *Profile) { p.Agents[AgentDeveloper] = AgentConfig{Driver: DriverAPI} },
			wantErr: "agents.developer: model is required",
		},
		{
			name:    "unknown driver",
			mutate:  func(p *Profile) { p.Agents[AgentReviewer] = AgentConfig{Driver: "telepathy"} },
			wantErr: "unknown driver",
		},
		{
			name:    "unknown role",
			mutate:  func(p *Profile) { p.Agents["pm"] = AgentConfig{} },
			wantErr: "agents.pm: unknown role",
		},
		{
			name:    "model without provider",
			mutate:  func(p *Profile) { p.Agents[AgentArchitect] = AgentConfig{Driver: DriverAPI, Model: "mystery-1"} },
			wantErr: "cannot infer provider",
		},
		{
			name: "explicit provider skips inference",
			mutate: func(p *Profile) {
				p.Agents[AgentArchitect] = AgentConfig{Driver: DriverAPI, Model: "mystery-1", Provider: ProviderOllama}
			},
		},
		{
			name:    "limits must be positive",
			mutate:  func(p *Profile) { p.Limits.MaxReviewPasses = -1 },
			wantErr: "max_review_passes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			p.WorkDir = t.TempDir()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	p := Default()
	p.WorkDir = dir
	p.Agents[AgentReviewer] = AgentConfig{Driver: DriverAPI, Model: "gemini-2.5-pro", MaxTurns: 12}
	p.CLI.Timeout = 5 * time.Minute
	require.NoError(t, Save(p, path, false))
	assert.Error(t, Save(p, path, false), "refuses to overwrite")

	loaded, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, p.Agents[AgentReviewer], loaded.Agents[AgentReviewer])
	assert.Equal(t, 5*time.Minute, loaded.CLI.Timeout)
	assert.Equal(t, dir, loaded.WorkDir)
}

func TestDatabasePath(t *testing.T) {
	p := Default()
	p.WorkDir = "/repo"

	p.Persistence.Path = "off"
	assert.Empty(t, p.DatabasePath())

	p.Persistence.Path = "state/db.sqlite"
	assert.Equal(t, filepath.Join("/repo", "state/db.sqlite"), p.DatabasePath())

	p.Persistence.Path = "/var/lib/foreman.db"
	assert.Equal(t, "/var/lib/foreman.db", p.DatabasePath())
}

func TestEventLogDir(t *testing.T) {
	p := Default()
	p.WorkDir = "/repo"
	assert.Equal(t, filepath.Join("/repo", DirName, "events"), p.EventLogDir())

	p.Events.LogDir = "OFF"
	assert.Empty(t, p.EventLogDir())

	p.Events.LogDir = "logs/events"
	assert.Equal(t, filepath.Join("/repo", "logs/events"), p.EventLogDir())
}

func TestProviderFor(t *testing.T) {
	tests := map[string]string{
		"claude-sonnet-4-5":                         ProviderAnthropic,
		"claude-some-future":                        ProviderAnthropic,
		"us.anthropic.claude-sonnet-4-5-v1:0":       ProviderBedrock,
		"gpt-4.1":                                   ProviderOpenAI,
		"o3":                                        ProviderOpenAI,
		"gemini-2.5-flash":                          ProviderGemini,
		"qwen2.5-coder:32b":                         ProviderOllama,
		"ollama:phi4":                               ProviderOllama,
	}
	for model, want := range tests {
		got, err := ProviderFor(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}

	_, err := ProviderFor("mystery")
	assert.Error(t, err)
}

func TestCalculateCost(t *testing.T) {
	u := driver.Usage{InputTokens: 1_000_000, OutputTokens: 100_000, CacheReadTokens: 1_000_000}
	assert.InDelta(t, 3.0+1.5+0.30, CalculateCost("claude-sonnet-4-5", u), 1e-9)
	assert.Zero(t, CalculateCost("unknown-model", u))

	costed := WithCost("claude-sonnet-4-5", driver.Usage{InputTokens: 1_000_000})
	assert.InDelta(t, 3.0, costed.CostUSD, 1e-9)

	reported := WithCost("claude-sonnet-4-5", driver.Usage{InputTokens: 1_000_000, CostUSD: 0.42})
	assert.InDelta(t, 0.42, reported.CostUSD, 1e-9, "backend-reported cost wins")

	info, known := LookupModel("llama3.3")
	assert.False(t, known)
	assert.Equal(t, ProviderOllama, info.Provider)
}
