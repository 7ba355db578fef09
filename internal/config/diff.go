package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true when any character voice field changed. The new
	// voice takes effect from the next synthesised clause.
	VoiceChanged bool

	// ExpressionsChanged is true when the character's expression set changed.
	// Mood resolution uses the new set from the next envelope.
	ExpressionsChanged bool
}

// Any reports whether the diff contains at least one applicable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.ExpressionsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Character voice
	if old.Character.Voice != new.Character.Voice {
		d.VoiceChanged = true
	}

	// Character expressions
	if !slices.Equal(old.Character.Expressions, new.Character.Expressions) {
		d.ExpressionsChanged = true
	}

	return d
}
