package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RateLimitChanged is true when the inference rate limit changed.
	RateLimitChanged bool
	NewRateRPS       float64
	NewRateBurst     int

	// EngineChanged is true when any retrieval tuning knob changed.
	EngineChanged bool
	NewEngine     EngineConfig
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.RateLimitChanged || d.EngineChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; everything
// else (listen address, database, embeddings provider) requires one.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.RateRPS != new.Server.RateRPS || old.Server.RateBurst != new.Server.RateBurst {
		d.RateLimitChanged = true
		d.NewRateRPS = new.Server.RateRPS
		d.NewRateBurst = new.Server.RateBurst
	}

	if old.Engine != new.Engine {
		d.EngineChanged = true
		d.NewEngine = new.Engine
	}

	return d
}
