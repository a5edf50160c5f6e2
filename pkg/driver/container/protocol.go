// Package container runs the API driver inside a sandbox. The host side
// (Driver) sends one JSON request per call on the worker's stdin and relays
// the NDJSON it prints; the worker side (Worker) executes the call and keeps
// session transcripts on the sandbox filesystem.
package container

import (
	"foreman/pkg/driver"
	"foreman/pkg/driver/api"
)

// Worker modes, passed as the first worker argument.
const (
	ModeGenerate = "generate"
	ModeAgentic  = "agentic"
)

// Request is the JSON document written to the worker's stdin.
type Request struct {
	Prompt string `json:"prompt"`
	// Instructions is the system prompt. It is omitted when Resume is set.
	Instructions string         `json:"instructions,omitempty"`
	SessionID    string         `json:"session_id"`
	Resume       bool           `json:"resume,omitempty"`
	Cwd          string         `json:"cwd,omitempty"`
	Schema       *driver.Schema `json:"schema,omitempty"`
}

// Environment variables read by the worker to build its provider.
const (
	EnvProvider   = "FOREMAN_PROVIDER"
	EnvModel      = "FOREMAN_MODEL"
	EnvAPIKey     = "FOREMAN_API_KEY"
	EnvBaseURL    = "FOREMAN_BASE_URL"
	EnvAWSRegion  = "FOREMAN_AWS_REGION"
	EnvAWSProfile = "FOREMAN_AWS_PROFILE"
	EnvSessionDir = "FOREMAN_SESSION_DIR"
)

// DefaultSessionDir holds worker transcripts inside the sandbox. It sits under
// /tmp so the mounted workspace never sees it.
const DefaultSessionDir = "/tmp/foreman-sessions"

// WorkerEnv renders the provider selection as worker environment entries.
func WorkerEnv(cfg api.ProviderConfig) []string {
	env := []string{EnvProvider + "=" + cfg.Kind, EnvModel + "=" + cfg.Model}
	for _, kv := range [][2]string{
		{EnvAPIKey, cfg.APIKey},
		{EnvBaseURL, cfg.BaseURL},
		{EnvAWSRegion, cfg.AWSRegion},
		{EnvAWSProfile, cfg.AWSProfile},
	} {
		if kv[1] != "" {
			env = append(env, kv[0]+"="+kv[1])
		}
	}
	return env
}

// ProviderConfigFromEnv is the inverse of WorkerEnv.
func ProviderConfigFromEnv(getenv func(string) string) api.ProviderConfig {
	return api.ProviderConfig{
		Kind:       getenv(EnvProvider),
		Model:      getenv(EnvModel),
		APIKey:     getenv(EnvAPIKey),
		BaseURL:    getenv(EnvBaseURL),
		AWSRegion:  getenv(EnvAWSRegion),
		AWSProfile: getenv(EnvAWSProfile),
	}
}
