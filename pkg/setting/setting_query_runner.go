package setting

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// QueryRunnerSettings contains the [query_runner] section.
type QueryRunnerSettings struct {
	// LoadingStateDelay is how long a request may stay silent before a
	// Loading snapshot is published.
	LoadingStateDelay    time.Duration
	DefaultMaxDataPoints int64
	// MinInterval is the fallback lower bound for the computed interval
	// when neither the panel nor the data source sets one.
	MinInterval string
}

// QueryCachingSettings contains the [query_caching] section.
type QueryCachingSettings struct {
	Enabled    bool
	MaxEntries int
	DefaultTTL time.Duration
	// MaxTTL caps every per request or per data source TTL.
	MaxTTL time.Duration
}

func (cfg *Cfg) readQueryRunnerSettings(iniFile *ini.File) error {
	section := iniFile.Section("query_runner")

	cfg.QueryRunner = QueryRunnerSettings{
		LoadingStateDelay:    section.Key("loading_state_delay").MustDuration(250 * time.Millisecond),
		DefaultMaxDataPoints: section.Key("default_max_data_points").MustInt64(1000),
		MinInterval:          section.Key("min_interval").MustString(""),
	}
	if cfg.QueryRunner.LoadingStateDelay <= 0 {
		return fmt.Errorf("query_runner.loading_state_delay must be positive, got %s", cfg.QueryRunner.LoadingStateDelay)
	}
	if cfg.QueryRunner.DefaultMaxDataPoints <= 0 {
		return fmt.Errorf("query_runner.default_max_data_points must be positive, got %d", cfg.QueryRunner.DefaultMaxDataPoints)
	}

	cachingSection := iniFile.Section("query_caching")
	cfg.QueryCaching = QueryCachingSettings{
		Enabled:    cachingSection.Key("enabled").MustBool(false),
		MaxEntries: cachingSection.Key("max_entries").MustInt(1000),
		DefaultTTL: cachingSection.Key("ttl").MustDuration(time.Minute),
		MaxTTL:     cachingSection.Key("max_ttl").MustDuration(time.Hour),
	}
	if cfg.QueryCaching.MaxEntries <= 0 {
		return fmt.Errorf("query_caching.max_entries must be positive, got %d", cfg.QueryCaching.MaxEntries)
	}
	return nil
}
