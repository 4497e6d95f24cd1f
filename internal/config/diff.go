package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true when the persona text differs. It applies to the
	// next request and the next voice session.
	PersonaChanged bool

	// ModelsChanged is true when any model, the voice or the reasoning limits
	// differ.
	ModelsChanged bool

	GroundingChanged bool

	// RestartRequired lists fields that changed but are only read at startup.
	RestartRequired []string
}

// Changed reports whether anything in d needs attention.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.ModelsChanged ||
		d.GroundingChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	og, ng := old.Gemini, new.Gemini
	if og.Persona != ng.Persona {
		d.PersonaChanged = true
	}
	if og.ChatModel != ng.ChatModel || og.ReasoningModel != ng.ReasoningModel ||
		og.ImageModel != ng.ImageModel || og.LiveModel != ng.LiveModel ||
		og.FallbackModel != ng.FallbackModel ||
		og.Voice != ng.Voice || og.ThinkingBudget != ng.ThinkingBudget ||
		og.MaxOutputTokens != ng.MaxOutputTokens {
		d.ModelsChanged = true
	}
	if og.GroundingEnabled() != ng.GroundingEnabled() {
		d.GroundingChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server.log_format")
	}
	if og.APIKey != ng.APIKey || og.BaseURL != ng.BaseURL || og.LiveURL != ng.LiveURL {
		d.RestartRequired = append(d.RestartRequired, "gemini endpoint or credentials")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}
