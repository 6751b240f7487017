// Package config provides the configuration schema, loader, hot-reload watcher
// and provider registry for the voicectl server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the log handler.
type LogFormat string

const (
	FormatText    LogFormat = "text"
	FormatJSON    LogFormat = "json"
	FormatConsole LogFormat = "console"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	switch f {
	case FormatText, FormatJSON, FormatConsole:
		return true
	}
	return false
}

// Defaults applied by [LoadFromReader] to unset fields.
const (
	DefaultListenAddr        = ":8080"
	DefaultCompletionTimeout = 30 * time.Second
	DefaultEventBuffer       = 64
	DefaultIdleTimeout       = time.Hour
	DefaultJanitorInterval   = time.Minute
)

// Config is the root configuration structure. It is loaded from YAML with
// [Load] or [LoadFromReader]; VOICECTL_* environment variables override the
// file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Matching  MatchingConfig  `yaml:"matching"`
	Providers ProvidersConfig `yaml:"providers"`
	Assistant AssistantConfig `yaml:"assistant"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on.
	ListenAddr string `yaml:"listen_addr" env:"VOICECTL_LISTEN_ADDR"`

	LogLevel  LogLevel  `yaml:"log_level"  env:"VOICECTL_LOG_LEVEL"`
	LogFormat LogFormat `yaml:"log_format" env:"VOICECTL_LOG_FORMAT"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM certificate and key paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DispatchConfig tunes the per-session dispatcher.
type DispatchConfig struct {
	// CompletionTimeout bounds the wait for an asynchronous action. Unset
	// means [DefaultCompletionTimeout]; zero waits indefinitely.
	CompletionTimeout *time.Duration `yaml:"completion_timeout"`

	// EventBuffer is the per-subscriber event buffer.
	EventBuffer int `yaml:"event_buffer" env:"VOICECTL_EVENT_BUFFER"`

	// QueueSize is the word queue capacity of a session.
	QueueSize int `yaml:"queue_size" env:"VOICECTL_QUEUE_SIZE"`
}

// Timeout returns the effective completion timeout.
func (d DispatchConfig) Timeout() time.Duration {
	if d.CompletionTimeout == nil {
		return DefaultCompletionTimeout
	}
	return *d.CompletionTimeout
}

// SessionsConfig controls the session lifecycle.
type SessionsConfig struct {
	// IdleTimeout closes sessions without activity for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"VOICECTL_SESSION_IDLE_TIMEOUT"`

	// JanitorInterval is how often idle sessions are looked for.
	JanitorInterval time.Duration `yaml:"janitor_interval"`

	// MaxSessions caps concurrent sessions. Zero is unlimited.
	MaxSessions int `yaml:"max_sessions" env:"VOICECTL_MAX_SESSIONS"`
}

// MatchingConfig extends phrase matching.
type MatchingConfig struct {
	// Equivalences are extra groups of interchangeable words, merged with
	// the built-in digit table. Example: [["ok", "okay"]].
	Equivalences [][]string `yaml:"equivalences"`
}

// ProvidersConfig selects the external backends. Each entry's Name is looked
// up in the [Registry]; an empty name disables the feature.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
}

// ProviderEntry is the configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "openai", "deepgram").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values such as "language" or
	// "sample_rate".
	Options map[string]any `yaml:"options"`
}

// AssistantConfig shapes the replies of the conversation assistant.
type AssistantConfig struct {
	SystemPrompt string        `yaml:"system_prompt"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float64       `yaml:"temperature"`
	Timeout      time.Duration `yaml:"timeout"`
}

// envOverrides carries the variables that do not map onto a single config
// field tag, such as provider secrets.
type envOverrides struct {
	LLMAPIKey string `env:"VOICECTL_LLM_API_KEY"`
	LLMModel  string `env:"VOICECTL_LLM_MODEL"`
	STTAPIKey string `env:"VOICECTL_STT_API_KEY"`
}
