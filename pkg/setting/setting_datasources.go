package setting

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const dataSourceSectionPrefix = "datasource."

// DataSourceSettings describes one provisioned data source, read from a
// [datasource.<name>] section.
type DataSourceSettings struct {
	Name              string
	Type              string
	UID               string
	URL               string
	IsDefault         bool
	Interval          string
	TenantID          string
	BasicAuthUser     string
	BasicAuthPassword string
	QueryCachingTTL   time.Duration
	// JSONData holds every key of the section that is not one of the
	// fields above.
	JSONData map[string]string
}

var knownDataSourceKeys = map[string]bool{
	"type": true, "uid": true, "url": true, "is_default": true, "time_interval": true,
	"tenant_id": true, "basic_auth_user": true, "basic_auth_password": true, "query_caching_ttl": true,
}

// readDataSourcesSettings reads the [datasources] section and every
// [datasource.<name>] section.
func (cfg *Cfg) readDataSourcesSettings(iniFile *ini.File) error {
	section := iniFile.Section("datasources")
	cfg.DataSourceCacheTTL = section.Key("cache_ttl").MustDuration(5 * time.Minute)
	cfg.DataSourceCacheCleanupInterval = section.Key("cache_cleanup_interval").MustDuration(time.Minute)

	cfg.DataSources = nil
	for _, s := range iniFile.Sections() {
		if !strings.HasPrefix(s.Name(), dataSourceSectionPrefix) {
			continue
		}
		name := strings.TrimPrefix(s.Name(), dataSourceSectionPrefix)
		if name == "" {
			return fmt.Errorf("data source section %q has no name", s.Name())
		}

		ds := DataSourceSettings{
			Name:              name,
			Type:              s.Key("type").MustString(""),
			UID:               s.Key("uid").MustString(name),
			URL:               s.Key("url").MustString(""),
			IsDefault:         s.Key("is_default").MustBool(false),
			Interval:          s.Key("time_interval").MustString(""),
			TenantID:          s.Key("tenant_id").MustString(""),
			BasicAuthUser:     s.Key("basic_auth_user").MustString(""),
			BasicAuthPassword: s.Key("basic_auth_password").MustString(""),
			QueryCachingTTL:   s.Key("query_caching_ttl").MustDuration(0),
			JSONData:          map[string]string{},
		}
		if ds.Type == "" {
			return fmt.Errorf("data source %q has no type", name)
		}
		for _, key := range s.Keys() {
			if !knownDataSourceKeys[key.Name()] {
				ds.JSONData[key.Name()] = key.String()
			}
		}
		cfg.DataSources = append(cfg.DataSources, ds)
	}
	return nil
}
