package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	SessionChanged  bool // voice, instructions or transcription changed
	VoiceChanged    bool
	PromptChanged   bool
	ModelChanged    bool
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is set when a setting that is only read at startup
	// changed (provider, devices, server, history).
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	o, n := old.Session, new.Session
	d.VoiceChanged = o.Voice != n.Voice
	d.PromptChanged = o.Instructions != n.Instructions || o.InstructionsFile != n.InstructionsFile
	d.ModelChanged = old.Provider.Model != new.Provider.Model
	d.SessionChanged = d.VoiceChanged || d.PromptChanged || d.ModelChanged ||
		o.Transcription != n.Transcription

	if old.Provider.Name != new.Provider.Name ||
		old.Provider.APIKey != new.Provider.APIKey ||
		old.Provider.BaseURL != new.Provider.BaseURL ||
		!slices.EqualFunc(old.Provider.Fallbacks, new.Provider.Fallbacks, sameProvider) ||
		!sameDevice(old.Devices.Microphone, new.Devices.Microphone) ||
		!sameDevice(old.Devices.Speaker, new.Devices.Speaker) ||
		!sameDevice(old.Devices.Camera, new.Devices.Camera) ||
		old.Server.ListenAddr != new.Server.ListenAddr ||
		old.History != new.History ||
		old.Video != new.Video ||
		o.Gain != n.Gain || o.BlockSize != n.BlockSize || o.QueueSize != n.QueueSize {
		d.RestartRequired = true
	}

	return d
}

func sameDevice(a, b DeviceEntry) bool {
	return a.Name == b.Name && a.Device == b.Device && a.Path == b.Path
}

func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
