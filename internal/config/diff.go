package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LanguageChanged is set when recognition.language changed. The new
	// language applies from the next recording session.
	LanguageChanged bool
	NewLanguage     string

	VocabularyChanged bool
	NewVocabulary     []string

	GainChanged bool
	NewGain     int
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LanguageChanged || d.VocabularyChanged || d.GainChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Recognition.Language != new.Recognition.Language {
		d.LanguageChanged = true
		d.NewLanguage = new.Recognition.Language
	}

	if !slices.Equal(old.Recognition.Vocabulary, new.Recognition.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Recognition.Vocabulary)
	}

	if og, ng := old.Audio.Sensitivity(), new.Audio.Sensitivity(); og != ng {
		d.GainChanged = true
		d.NewGain = ng
	}

	return d
}
