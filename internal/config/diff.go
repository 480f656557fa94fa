package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// LogLevel and Practice changes are applied live; the rest only take effect
// after a restart and are reported so the caller can warn about them.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PracticeChanged bool
	NewPractice     PracticeConfig

	// RestartRequired lists the top-level sections whose changes are
	// ignored until the process restarts.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PracticeChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !practiceEqual(old.Practice, new.Practice) {
		d.PracticeChanged = true
		d.NewPractice = new.Practice
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	return d
}

func practiceEqual(a, b PracticeConfig) bool {
	return a.MaxAlternatives == b.MaxAlternatives &&
		a.SpeechRate == b.SpeechRate &&
		a.GenerateRequestsPerMinute == b.GenerateRequestsPerMinute &&
		a.SessionIdleTimeout == b.SessionIdleTimeout &&
		maps.Equal(a.Voices, b.Voices)
}
