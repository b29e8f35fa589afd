package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SensitivityChanged bool
	NewSensitivity     float64

	SilenceThresholdChanged bool
	NewSilenceThresholdMS   int

	MinSpeechChanged bool
	NewMinSpeechMS   int

	VolumeChanged bool
	NewVolume     float64

	// RestartRequired lists the top-level sections whose changes are
	// ignored until the process restarts.
	RestartRequired []string
}

// Empty reports whether d carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SensitivityChanged && !d.SilenceThresholdChanged &&
		!d.MinSpeechChanged && !d.VolumeChanged
}

// Diff compares old and new configs and returns what changed.
// Both configs are expected to have defaults applied.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ov, nv := old.Voice, new.Voice
	if ov.VADSensitivity != nv.VADSensitivity {
		d.SensitivityChanged = true
		d.NewSensitivity = nv.VADSensitivity
	}
	if ov.SilenceThresholdMS != nv.SilenceThresholdMS {
		d.SilenceThresholdChanged = true
		d.NewSilenceThresholdMS = nv.SilenceThresholdMS
	}
	if ov.MinSpeechDurationMS != nv.MinSpeechDurationMS {
		d.MinSpeechChanged = true
		d.NewMinSpeechMS = nv.MinSpeechDurationMS
	}
	if ov.PlaybackVolume() != nv.PlaybackVolume() {
		d.VolumeChanged = true
		d.NewVolume = nv.PlaybackVolume()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if ov.SampleRate != nv.SampleRate || ov.FFTSize != nv.FFTSize ||
		ov.ChunkIntervalMS != nv.ChunkIntervalMS || ov.TickIntervalMS != nv.TickIntervalMS {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !conversationEqual(old.Conversation, new.Conversation) {
		d.RestartRequired = append(d.RestartRequired, "conversation")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entriesEqual(a.LLM, b.LLM) && entriesEqual(a.STT, b.STT) && entriesEqual(a.TTS, b.TTS)
}

// entriesEqual compares provider chains. Options maps are compared by
// length only; a changed option value alone is not reported.
func entriesEqual(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.APIKey != y.APIKey || x.BaseURL != y.BaseURL ||
			x.Model != y.Model || len(x.Options) != len(y.Options) {
			return false
		}
	}
	return true
}

func conversationEqual(a, b ConversationConfig) bool {
	return a.Disabled == b.Disabled &&
		a.SessionID == b.SessionID &&
		a.SystemPrompt == b.SystemPrompt &&
		a.Voice == b.Voice &&
		a.Language == b.Language &&
		a.HistoryTurns == b.HistoryTurns &&
		a.Temperature == b.Temperature &&
		a.MaxTokens == b.MaxTokens &&
		a.Streaming == b.Streaming &&
		a.CommandsEnabled() == b.CommandsEnabled()
}
