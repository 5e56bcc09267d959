package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart and is deliberately ignored here.
type ConfigDiff struct {
	// PartialsChanged is true when the partial-results flag block differs.
	// Sessions created before the change keep their original snapshot.
	PartialsChanged bool
	NewPartials     PartialsConfig

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// QualityChanged is true when analyzer thresholds differ; analyzers pick
	// the new values up on their next chunk.
	QualityChanged bool
	NewQuality     QualityConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Partials != new.Partials {
		d.PartialsChanged = true
		d.NewPartials = new.Partials
	}

	if old.Ingest.Quality != new.Ingest.Quality {
		d.QualityChanged = true
		d.NewQuality = new.Ingest.Quality
	}

	return d
}
