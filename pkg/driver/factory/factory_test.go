package factory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/mocks"
	"foreman/pkg/config"
	"foreman/pkg/driver"
	"foreman/pkg/driver/api"
	"foreman/pkg/driver/factory"
	"foreman/pkg/sandbox"
)

type stubProvider struct{ cfg api.ProviderConfig }

func (p *stubProvider) Name() string  { return p.cfg.Kind }
func (p *stubProvider) Model() string { return p.cfg.Model }
func (p *stubProvider) Chat(context.Context, api.ChatRequest) (api.ChatResponse, error) {
	return api.ChatResponse{}, nil
}

func testProfile(t *testing.T) *config.Profile {
	t.Helper()
	p := config.Default()
	p.WorkDir = t.TempDir()
	p.Retry.Enabled = false
	p.Agents = map[string]config.AgentConfig{
		config.AgentArchitect: {Driver: config.DriverCLI},
		config.AgentDeveloper: {Driver: config.DriverCLI},
		config.AgentReviewer:  {Driver: config.DriverAPI, Model: "claude-sonnet-4-5"},
		config.AgentEvaluator: {Driver: config.DriverContainer, Model: "gpt-4o"},
	}
	return p
}

func testKeys() *config.Keyring {
	return config.NewKeyring(map[string]string{
		config.EnvAnthropicAPIKey: "sk-ant",
		config.EnvOpenAIAPIKey:    "sk-oai",
	})
}

func TestDriverPerRole(t *testing.T) {
	ctx := context.Background()
	var providers []api.ProviderConfig
	sb := mocks.NewMockSandbox()
	var sandboxCfg sandbox.DockerConfig

	f := factory.New(testProfile(t), testKeys(), "wf-1",
		factory.WithProviderFunc(func(_ context.Context, cfg api.ProviderConfig) (api.Provider, error) {
			providers = append(providers, cfg)
			return &stubProvider{cfg: cfg}, nil
		}),
		factory.WithSandboxFunc(func(cfg sandbox.DockerConfig) sandbox.Sandbox {
			sandboxCfg = cfg
			return sb
		}),
	)

	architect, err := f.Driver(ctx, config.AgentArchitect)
	require.NoError(t, err)
	assert.Equal(t, "claude-cli", architect.Name())

	developer, err := f.Driver(ctx, config.AgentDeveloper)
	require.NoError(t, err)
	assert.Same(t, architect, developer, "identical configs share one instance")

	reviewer, err := f.Driver(ctx, config.AgentReviewer)
	require.NoError(t, err)
	assert.Equal(t, "api:anthropic", reviewer.Name())

	evaluator, err := f.Driver(ctx, config.AgentEvaluator)
	require.NoError(t, err)
	assert.Equal(t, "container", evaluator.Name())

	require.Len(t, providers, 1)
	assert.Equal(t, api.ProviderConfig{Kind: "anthropic", Model: "claude-sonnet-4-5", APIKey: "sk-ant"}, providers[0])
	assert.Equal(t, "wf-1", sandboxCfg.ID)
	assert.Equal(t, config.DefaultSandboxImage, sandboxCfg.Image)

	again, err := f.Driver(ctx, config.AgentReviewer)
	require.NoError(t, err)
	assert.Same(t, reviewer, again)

	require.NoError(t, f.Close(ctx))
	assert.Equal(t, 1, sb.TeardownCalls)
	require.NoError(t, f.Close(ctx))
	assert.Equal(t, 1, sb.TeardownCalls)

	_, err = f.Driver(ctx, config.AgentReviewer)
	var verr *driver.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestProviderConfig(t *testing.T) {
	p := testProfile(t)
	p.AWS = config.AWSConfig{Region: "us-west-2", Profile: "dev"}
	f := factory.New(p, testKeys(), "wf-1")

	tests := []struct {
		name  string
		agent config.AgentConfig
		want  api.ProviderConfig
		err   bool
	}{
		{
			name:  "inferred openai",
			agent: config.AgentConfig{Driver: config.DriverAPI, Model: "gpt-4o"},
			want:  api.ProviderConfig{Kind: "openai", Model: "gpt-4o", APIKey: "sk-oai"},
		},
		{
			name:  "bedrock uses aws settings",
			agent: config.AgentConfig{Driver: config.DriverAPI, Model: "claude-sonnet-4-5", Provider: "bedrock"},
			want:  api.ProviderConfig{Kind: "bedrock", Model: "claude-sonnet-4-5", AWSRegion: "us-west-2", AWSProfile: "dev"},
		},
		{
			name:  "ollama defaults host",
			agent: config.AgentConfig{Driver: config.DriverAPI, Model: "llama3.1"},
			want:  api.ProviderConfig{Kind: "ollama", Model: "llama3.1", BaseURL: "http://localhost:11434"},
		},
		{
			name:  "missing key",
			agent: config.AgentConfig{Driver: config.DriverAPI, Model: "gemini-2.5-pro"},
			err:   true,
		},
		{
			name:  "missing model",
			agent: config.AgentConfig{Driver: config.DriverAPI},
			err:   true,
		},
		{
			name:  "unknown model",
			agent: config.AgentConfig{Driver: config.DriverAPI, Model: "mystery-1"},
			err:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GEMINI_API_KEY", "")
			t.Setenv("GOOGLE_API_KEY", "")
			t.Setenv("OLLAMA_HOST", "")
			got, err := f.ProviderConfig(tt.agent)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDriverBuildErrors(t *testing.T) {
	ctx := context.Background()
	p := testProfile(t)
	p.Agents[config.AgentReviewer] = config.AgentConfig{Driver: "telepathy"}

	boom := &driver.ModelProviderError{Provider: "anthropic", Kind: driver.KindAuth, Message: "bad key"}
	f := factory.New(p, testKeys(), "wf-1",
		factory.WithProviderFunc(func(context.Context, api.ProviderConfig) (api.Provider, error) {
			return nil, boom
		}))

	_, err := f.Driver(ctx, config.AgentReviewer)
	var verr *driver.ValidationError
	assert.ErrorAs(t, err, &verr)

	p.Agents[config.AgentReviewer] = config.AgentConfig{Driver: config.DriverAPI, Model: "claude-sonnet-4-5"}
	_, err = f.Driver(ctx, config.AgentReviewer)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, driver.KindAuth, driver.KindOf(err))
}

func TestWrapperAndRetry(t *testing.T) {
	ctx := context.Background()
	p := testProfile(t)
	p.Retry = config.RetryConfig{Enabled: true, MaxAttempts: 2}

	var wrapped []string
	f := factory.New(p, testKeys(), "wf-1",
		factory.WithWrapper(func(role string, d driver.Driver) driver.Driver {
			wrapped = append(wrapped, role)
			return d
		}))

	architect, err := f.Driver(ctx, config.AgentArchitect)
	require.NoError(t, err)
	developer, err := f.Driver(ctx, config.AgentDeveloper)
	require.NoError(t, err)

	assert.Equal(t, []string{config.AgentArchitect, config.AgentDeveloper}, wrapped)
	assert.NotSame(t, architect, developer, "each role gets its own decorated driver")
	assert.Equal(t, "claude-cli", developer.Name())
}

func TestCLIDriverUsesInjectedStarter(t *testing.T) {
	ctx := context.Background()
	result := `{"type":"result","subtype":"success","session_id":"s-1","result":"planned","usage":{"input_tokens":3,"output_tokens":2}}`
	starter := &mocks.MockStarter{Streams: []*mocks.Stream{mocks.NewStream([]string{result}, nil)}}

	f := factory.New(testProfile(t), testKeys(), "wf-1", factory.WithStarter(starter))
	d, err := f.Driver(ctx, config.AgentArchitect)
	require.NoError(t, err)

	res, err := d.Generate(ctx, driver.GenerateRequest{Prompt: "plan the change"})
	require.NoError(t, err)
	assert.Equal(t, "planned", res.Output)
	require.Len(t, starter.Calls, 1)
	assert.Equal(t, config.DefaultCLIBinary, starter.Calls[0][0])
}
