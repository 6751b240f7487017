package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicectl/pkg/words"
)

// ValidProviderNames lists known provider names per provider kind. Unknown
// names only produce a warning since a registry may carry extra providers.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies environment overrides and
// defaults, and validates the result. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) {
	return LoadFromReader(eofReader{})
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	if o.LLMAPIKey != "" {
		cfg.Providers.LLM.APIKey = o.LLMAPIKey
	}
	if o.LLMModel != "" {
		cfg.Providers.LLM.Model = o.LLMModel
	}
	if o.STTAPIKey != "" {
		cfg.Providers.STT.APIKey = o.STTAPIKey
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = FormatText
	}
	if cfg.Dispatch.EventBuffer == 0 {
		cfg.Dispatch.EventBuffer = DefaultEventBuffer
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Sessions.JanitorInterval == 0 {
		cfg.Sessions.JanitorInterval = DefaultJanitorInterval
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, console", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Dispatch.Timeout() < 0 {
		errs = append(errs, fmt.Errorf("dispatch.completion_timeout %v must not be negative", cfg.Dispatch.Timeout()))
	}
	if cfg.Dispatch.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("dispatch.event_buffer %d must not be negative", cfg.Dispatch.EventBuffer))
	}
	if cfg.Dispatch.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("dispatch.queue_size %d must not be negative", cfg.Dispatch.QueueSize))
	}

	if cfg.Sessions.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_timeout %v must not be negative", cfg.Sessions.IdleTimeout))
	}
	if cfg.Sessions.JanitorInterval < 0 {
		errs = append(errs, fmt.Errorf("sessions.janitor_interval %v must not be negative", cfg.Sessions.JanitorInterval))
	}
	if cfg.Sessions.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_sessions %d must not be negative", cfg.Sessions.MaxSessions))
	}

	for i, group := range cfg.Matching.Equivalences {
		prefix := fmt.Sprintf("matching.equivalences[%d]", i)
		if len(group) < 2 {
			errs = append(errs, fmt.Errorf("%s needs at least two words", prefix))
		}
		for j, w := range group {
			if len(words.Split(w)) != 1 {
				errs = append(errs, fmt.Errorf("%s[%d] %q must be a single word", prefix, j, w))
			}
		}
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	if cfg.Providers.LLM.Name != "" && cfg.Providers.LLM.Model == "" {
		errs = append(errs, errors.New("providers.llm.model is required when providers.llm.name is set"))
	}
	if cfg.Providers.STT.Name == "deepgram" && cfg.Providers.STT.APIKey == "" {
		errs = append(errs, errors.New("providers.stt.api_key is required for deepgram"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; \"send message\" will fail")
	}

	if t := cfg.Assistant.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("assistant.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Assistant.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("assistant.max_tokens %d must not be negative", cfg.Assistant.MaxTokens))
	}
	if cfg.Assistant.Timeout < 0 {
		errs = append(errs, fmt.Errorf("assistant.timeout %v must not be negative", cfg.Assistant.Timeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is set but not a known
// provider of kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if known := ValidProviderNames[kind]; slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
