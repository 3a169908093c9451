package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider,
// capture, and network changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LexiconChanged is true when the food vocabulary differs. The
	// correction pipeline and STT keyword hints are rebuilt from
	// NewLexicon on the next session.
	LexiconChanged bool
	NewLexicon     []string

	// ParseChanged is true when any parse-stage tuning field differs
	// (timeout, strict validation, failure policy, default meal).
	ParseChanged bool
	NewParse     ParseConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Lexicon, new.Lexicon) {
		d.LexiconChanged = true
		d.NewLexicon = slices.Clone(new.Lexicon)
	}

	if old.Parse != new.Parse {
		d.ParseChanged = true
		d.NewParse = new.Parse
	}

	return d
}
