package preflight

import (
	"fmt"
	"strings"
)

// FormatCheckError formats a failed check result with actionable guidance.
func FormatCheckError(check CheckResult) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("  %s: %s\n", check.Check, check.Message))
	if check.Error != nil {
		sb.WriteString(fmt.Sprintf("    error: %v\n", check.Error))
	}
	sb.WriteString(fmt.Sprintf("    %s\n", guidance(check.Check)))

	return sb.String()
}

// FormatResults formats all preflight results for display.
func FormatResults(results *Results) string {
	var sb strings.Builder

	if results.Passed {
		sb.WriteString("Preflight checks passed\n")
		for i := range results.Checks {
			sb.WriteString(fmt.Sprintf("  [PASS] %s: %s\n", results.Checks[i].Check, results.Checks[i].Message))
		}
		return sb.String()
	}

	sb.WriteString(results.Summary + "\n\n")
	for i := range results.Checks {
		if results.Checks[i].Passed {
			sb.WriteString(fmt.Sprintf("  [PASS] %s: %s\n", results.Checks[i].Check, results.Checks[i].Message))
		}
	}
	for i := range results.Checks {
		if !results.Checks[i].Passed {
			sb.WriteString("  [FAIL]")
			sb.WriteString(strings.TrimPrefix(FormatCheckError(results.Checks[i]), " "))
		}
	}
	return sb.String()
}

func guidance(check Check) string {
	switch check {
	case CheckGit:
		return "Run foreman from inside a git repository, or set work_dir in the profile."

	case CheckCLI:
		return "Install the claude CLI (npm install -g @anthropic-ai/claude-code) or set claude_cli.binary."

	case CheckContainer:
		return "Install Docker or Podman and make sure the daemon is running: https://docs.docker.com/get-docker/"

	case CheckAnthropic:
		return "Set ANTHROPIC_API_KEY or store it with `foreman config secrets`: https://console.anthropic.com/"

	case CheckOpenAI:
		return "Set OPENAI_API_KEY: https://platform.openai.com/api-keys"

	case CheckGemini:
		return "Set GEMINI_API_KEY (or GOOGLE_API_KEY): https://aistudio.google.com/app/apikey"

	case CheckBedrock:
		return "Configure AWS credentials (aws configure, AWS_PROFILE) and set aws.region in the profile."

	case CheckOllama:
		return "Start Ollama (ollama serve) and pull the configured models:\n" +
			"    ollama pull <model>\n" +
			"    set OLLAMA_HOST if the server is not on localhost:11434"

	default:
		return "Fix the agent configuration in the profile."
	}
}
