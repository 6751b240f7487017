package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EquivalencesChanged applies to sessions created after the reload.
	EquivalencesChanged bool

	CompletionTimeoutChanged bool
	NewCompletionTimeout     time.Duration

	AssistantChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart, by their YAML path.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.EquivalencesChanged && !d.CompletionTimeoutChanged &&
		!d.AssistantChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.EqualFunc(old.Matching.Equivalences, new.Matching.Equivalences, slices.Equal[[]string]) {
		d.EquivalencesChanged = true
	}

	if old.Dispatch.Timeout() != new.Dispatch.Timeout() {
		d.CompletionTimeoutChanged = true
		d.NewCompletionTimeout = new.Dispatch.Timeout()
	}

	if old.Assistant != new.Assistant {
		d.AssistantChanged = true
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("providers.llm", !entryEqual(old.Providers.LLM, new.Providers.LLM))
	restart("providers.stt", !entryEqual(old.Providers.STT, new.Providers.STT))
	restart("sessions", old.Sessions != new.Sessions)

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// entryEqual ignores Options; option edits are picked up on restart anyway.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
