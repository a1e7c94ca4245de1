package setting

import (
	"fmt"
	"os"
	"time"

	"github.com/drone/envsubst"
	"gopkg.in/ini.v1"
)

// Cfg holds the query runner configuration read from an ini file.
type Cfg struct {
	Raw *ini.File

	// [log]
	LogFormat string
	LogLevel  string

	Tracing      TracingSettings
	QueryRunner  QueryRunnerSettings
	QueryCaching QueryCachingSettings

	// [datasources]
	DataSourceCacheTTL             time.Duration
	DataSourceCacheCleanupInterval time.Duration
	DataSources                    []DataSourceSettings

	// [usage_stats]
	UsageStatsReportInterval time.Duration
}

// TracingSettings is the [tracing.opentelemetry.otlp] section.
type TracingSettings struct {
	OTLPAddress  string
	ServiceName  string
	SamplerParam float64
}

// NewCfg returns a Cfg with every default applied.
func NewCfg() *Cfg {
	cfg := &Cfg{}
	if err := cfg.Load(ini.Empty()); err != nil {
		// defaults only, nothing to validate
		panic(err)
	}
	return cfg
}

// NewCfgFromFile reads path, expands ${ENV} references and loads the result.
func NewCfgFromFile(path string) (*Cfg, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return NewCfgFromBytes(content)
}

// NewCfgFromBytes loads an ini document after env var expansion.
func NewCfgFromBytes(content []byte) (*Cfg, error) {
	expanded, err := envsubst.EvalEnv(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	iniFile, err := ini.Load([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ini: %w", err)
	}

	cfg := &Cfg{}
	if err := cfg.Load(iniFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads every known section from iniFile.
func (cfg *Cfg) Load(iniFile *ini.File) error {
	cfg.Raw = iniFile

	logSection := iniFile.Section("log")
	cfg.LogFormat = logSection.Key("format").MustString("console")
	cfg.LogLevel = logSection.Key("level").MustString("info")

	tracingSection := iniFile.Section("tracing.opentelemetry.otlp")
	cfg.Tracing = TracingSettings{
		OTLPAddress:  tracingSection.Key("address").MustString(""),
		ServiceName:  tracingSection.Key("service_name").MustString("grafana-query"),
		SamplerParam: tracingSection.Key("sampler_param").MustFloat64(1),
	}

	cfg.UsageStatsReportInterval = iniFile.Section("usage_stats").Key("report_interval").MustDuration(0)
	if cfg.UsageStatsReportInterval < 0 {
		return fmt.Errorf("usage_stats.report_interval must not be negative, got %s", cfg.UsageStatsReportInterval)
	}

	if err := cfg.readQueryRunnerSettings(iniFile); err != nil {
		return err
	}
	return cfg.readDataSourcesSettings(iniFile)
}
