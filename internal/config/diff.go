package config

import (
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// sectionEqual treats nil and empty slices and maps alike, so an omitted list
// and an explicit empty one do not force a restart.
var sectionEqual = cmpopts.EquateEmpty()

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// NoiseChanged is true when a live-tunable noise parameter changed.
	NoiseChanged bool
	NewNoise     NoiseConfig

	VocabularyChanged bool
	NewVocabulary     []string

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// HasChanges reports whether anything differs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.NoiseChanged || d.VocabularyChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Noise.Params() != new.Noise.Params() {
		d.NoiseChanged = true
		d.NewNoise = new.Noise
	}
	if old.Noise.IsEnabled() != new.Noise.IsEnabled() {
		d.RestartRequired = append(d.RestartRequired, "noise.enabled")
	}

	if !slices.Equal(old.Transcription.Vocabulary, new.Transcription.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = slices.Clone(new.Transcription.Vocabulary)
	}

	oldT, newT := old.Transcription, new.Transcription
	oldT.Vocabulary, newT.Vocabulary = nil, nil
	oldS, newS := old.Server, new.Server
	oldS.LogLevel, newS.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldS, newS},
		{"speakers", old.Speakers, new.Speakers},
		{"capture", old.Capture, new.Capture},
		{"vad", old.VAD, new.VAD},
		{"collision", old.Collision, new.Collision},
		{"recorder", old.Recorder, new.Recorder},
		{"providers", old.Providers, new.Providers},
		{"transcription", oldT, newT},
		{"event_feed", old.EventFeed, new.EventFeed},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !cmp.Equal(s.old, s.new, sectionEqual) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
