package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// listener changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionDefaultsChanged is true when any of the session defaults
	// (cost tier, default mode, duration, audio output mode) changed.
	// Applies to sessions created after the reload; live sessions keep
	// the settings they started with.
	SessionDefaultsChanged bool
	NewSessionDefaults     SessionConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionDefaultsChanged = true
		d.NewSessionDefaults = new.Session
	}

	return d
}
