package config

import (
	"strings"
	"time"
)

// State backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendObject   = "object"
)

const (
	// DefaultStateKey is the key the supervisor record is stored under.
	DefaultStateKey = "llm-supervisor:state"
	// DefaultCooldownMinutes is how long the agent stays on the local model.
	DefaultCooldownMinutes = 30
	// DefaultConfirmationPhrase unlocks code actions in local mode.
	DefaultConfirmationPhrase = "CONFIRM LOCAL"
	// DefaultCloudProfile is the host profile that selects the cloud provider.
	DefaultCloudProfile = "anthropic:default"
	// DefaultLocalProvider is the provider name of the local profile.
	DefaultLocalProvider = "ollama"
	// DefaultLocalBaseURL is where the local provider listens.
	DefaultLocalBaseURL = "http://127.0.0.1:11434"
)

// DefaultCodeIntents lists the task intents that modify code.
var DefaultCodeIntents = []string{
	"write_code",
	"edit_file",
	"create_file",
	"delete_file",
	"apply_patch",
	"run_command",
}

// SupervisorConfig holds the settings read by the hook handlers.
type SupervisorConfig struct {
	// LocalModel is the model served by the local provider, e.g. qwen2.5:7b.
	LocalModel string `yaml:"local-model" json:"local-model"`

	// LocalProvider is the provider name placed in the local profile. Default: ollama.
	LocalProvider string `yaml:"local-provider" json:"local-provider"`

	// LocalBaseURL is the local provider endpoint. Default: http://127.0.0.1:11434.
	LocalBaseURL string `yaml:"local-base-url" json:"local-base-url"`

	// CloudProfile is the profile activated in cloud mode. Default: anthropic:default.
	CloudProfile string `yaml:"cloud-profile" json:"cloud-profile"`

	// CooldownMinutes is the minimum time spent in local mode before the next agent
	// start switches back to cloud. Default: 30. Zero recovers on the next start.
	CooldownMinutes float64 `yaml:"cooldown-minutes" json:"cooldown-minutes"`

	// RequireConfirmationForCode blocks code actions in local mode unless the user
	// message carries the confirmation phrase. Default: true.
	RequireConfirmationForCode bool `yaml:"require-confirmation-for-code" json:"require-confirmation-for-code"`

	// ConfirmationPhrase is the text that confirms a code action. Default: CONFIRM LOCAL.
	ConfirmationPhrase string `yaml:"confirmation-phrase" json:"confirmation-phrase"`

	// ConfirmationCaseSensitive controls how the phrase is matched. Default: true.
	ConfirmationCaseSensitive bool `yaml:"confirmation-case-sensitive" json:"confirmation-case-sensitive"`

	// CodeIntents is the closed list of intents treated as code actions.
	CodeIntents []string `yaml:"code-intents" json:"code-intents"`

	// RateLimitPatterns are appended to the built-in rate-limit substrings.
	RateLimitPatterns []string `yaml:"rate-limit-patterns" json:"rate-limit-patterns"`
}

// DefaultSupervisorConfig returns the supervisor defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		LocalProvider:              DefaultLocalProvider,
		LocalBaseURL:               DefaultLocalBaseURL,
		CloudProfile:               DefaultCloudProfile,
		CooldownMinutes:            DefaultCooldownMinutes,
		RequireConfirmationForCode: true,
		ConfirmationPhrase:         DefaultConfirmationPhrase,
		ConfirmationCaseSensitive:  true,
		CodeIntents:                append([]string(nil), DefaultCodeIntents...),
	}
}

// SanitizeSupervisor normalizes the supervisor section.
func (cfg *Config) SanitizeSupervisor() {
	if cfg == nil {
		return
	}
	sc := &cfg.SupervisorConfig

	sc.LocalModel = strings.TrimSpace(sc.LocalModel)
	if sc.LocalProvider = strings.TrimSpace(sc.LocalProvider); sc.LocalProvider == "" {
		sc.LocalProvider = DefaultLocalProvider
	}
	if sc.LocalBaseURL = strings.TrimRight(strings.TrimSpace(sc.LocalBaseURL), "/"); sc.LocalBaseURL == "" {
		sc.LocalBaseURL = DefaultLocalBaseURL
	}
	if sc.CloudProfile = strings.TrimSpace(sc.CloudProfile); sc.CloudProfile == "" {
		sc.CloudProfile = DefaultCloudProfile
	}
	if sc.CooldownMinutes < 0 {
		sc.CooldownMinutes = DefaultCooldownMinutes
	}
	if sc.ConfirmationPhrase == "" {
		sc.ConfirmationPhrase = DefaultConfirmationPhrase
	}

	sc.CodeIntents = normalizeList(sc.CodeIntents, true)
	if len(sc.CodeIntents) == 0 {
		sc.CodeIntents = append([]string(nil), DefaultCodeIntents...)
	}
	sc.RateLimitPatterns = normalizeList(sc.RateLimitPatterns, true)
}

// Cooldown returns CooldownMinutes as a duration.
func (sc SupervisorConfig) Cooldown() time.Duration {
	return time.Duration(sc.CooldownMinutes * float64(time.Minute))
}

// normalizeList trims entries, drops empties and duplicates, preserving order.
func normalizeList(items []string, lower bool) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if lower {
			item = strings.ToLower(item)
		}
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
