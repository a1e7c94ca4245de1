// Package datasources keeps the configured data source instances and
// resolves data source references for the query runner.
package datasources

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/queryrunner/pkg/apimachinery/errutil"
	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
	"github.com/grafana/queryrunner/pkg/services/templatesrv"
	"github.com/grafana/queryrunner/pkg/setting"
)

var (
	ErrDataSourceNotFound  = errutil.NotFound("datasources.notFound")
	ErrNoDefaultDataSource = errutil.NotFound("datasources.noDefault")
	ErrPluginNotRegistered = errutil.NotFound("datasources.pluginNotRegistered")
	ErrDataSourceExists    = errutil.ValidationFailed("datasources.exists")
	ErrInvalidDataSource   = errutil.ValidationFailed("datasources.invalid")
	ErrInstanceFailed      = errutil.Internal("datasources.instanceFailed")
)

// defaultUID is accepted as an explicit reference to the default data source.
const defaultUID = "default"

// Service holds data source settings and plugin factories, and builds
// and caches data source instances on demand.
type Service struct {
	log         log.Logger
	templateSrv templatesrv.Replacer

	factories  *xsync.Map[string, plugins.Factory]
	settings   *xsync.Map[string, plugins.InstanceSettings]
	uidsByName *xsync.Map[string, string]

	mu         sync.Mutex
	defaultRef string
	order      []string

	cache           *instanceCache
	group           singleflight.Group
	cleanupInterval time.Duration
}

func ProvideService(cfg *setting.Cfg, templateSrv templatesrv.Replacer, reg prometheus.Registerer) *Service {
	return newService(cfg, templateSrv, reg, clock.New())
}

func newService(cfg *setting.Cfg, templateSrv templatesrv.Replacer, reg prometheus.Registerer, clk clock.Clock) *Service {
	return &Service{
		log:             log.New("datasources"),
		templateSrv:     templateSrv,
		factories:       xsync.NewMap[string, plugins.Factory](),
		settings:        xsync.NewMap[string, plugins.InstanceSettings](),
		uidsByName:      xsync.NewMap[string, string](),
		cache:           newInstanceCache(cfg.DataSourceCacheTTL, clk, reg),
		cleanupInterval: cfg.DataSourceCacheCleanupInterval,
	}
}

// RegisterPlugin makes factory available for data sources of pluginType.
func (s *Service) RegisterPlugin(pluginType string, factory plugins.Factory) {
	s.factories.Store(pluginType, factory)
}

// Add registers a data source. The first data source added, or the last
// one flagged as default, is the default data source.
func (s *Service) Add(settings plugins.InstanceSettings) error {
	if settings.Name == "" {
		return ErrInvalidDataSource.Errorf("data source has no name")
	}
	if settings.Type == "" {
		return ErrInvalidDataSource.Errorf("data source %q has no type", settings.Name)
	}
	if settings.UID == "" {
		settings.UID = settings.Name
	}
	if _, ok := s.factories.Load(settings.Type); !ok {
		return ErrPluginNotRegistered.Errorf("data source %q: plugin %q is not registered", settings.Name, settings.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, loaded := s.settings.LoadOrStore(settings.UID, settings); loaded {
		return ErrDataSourceExists.Errorf("data source with uid %q already exists", settings.UID)
	}
	if _, loaded := s.uidsByName.LoadOrStore(settings.Name, settings.UID); loaded {
		s.settings.Delete(settings.UID)
		return ErrDataSourceExists.Errorf("data source with name %q already exists", settings.Name)
	}

	s.order = append(s.order, settings.UID)
	if settings.IsDefault || s.defaultRef == "" {
		s.defaultRef = settings.UID
	}
	s.log.Debug("Data source added", "uid", settings.UID, "name", settings.Name, "type", settings.Type)
	return nil
}

// Remove deletes the data source with the given uid and evicts its
// cached instance.
func (s *Service) Remove(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, ok := s.settings.LoadAndDelete(uid)
	if !ok {
		return ErrDataSourceNotFound.Errorf("data source %q not found", uid)
	}
	s.uidsByName.Delete(settings.Name)
	s.order = slices.DeleteFunc(s.order, func(u string) bool { return u == uid })
	if s.defaultRef == uid {
		s.defaultRef = ""
		if len(s.order) > 0 {
			s.defaultRef = s.order[0]
		}
	}
	s.cache.remove(uid)
	return nil
}

// Provision adds every data source of the [datasource.<name>] sections.
// All failures are reported together.
func (s *Service) Provision(configs []setting.DataSourceSettings) error {
	var result *multierror.Error
	defaults := 0
	for _, c := range configs {
		if c.IsDefault {
			defaults++
		}
		err := s.Add(plugins.InstanceSettings{
			UID:               c.UID,
			Name:              c.Name,
			Type:              c.Type,
			URL:               c.URL,
			IsDefault:         c.IsDefault,
			Interval:          c.Interval,
			TenantID:          c.TenantID,
			BasicAuthUser:     c.BasicAuthUser,
			BasicAuthPassword: c.BasicAuthPassword,
			QueryCachingTTL:   c.QueryCachingTTL,
			JSONData:          c.JSONData,
		})
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if defaults > 1 {
		result = multierror.Append(result, ErrInvalidDataSource.Errorf("%d data sources are marked as default", defaults))
	}
	return result.ErrorOrNil()
}

// List returns the settings of every data source, in the order they were
// added.
func (s *Service) List() []plugins.InstanceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]plugins.InstanceSettings, 0, len(s.order))
	for _, uid := range s.order {
		if settings, ok := s.settings.Load(uid); ok {
			out = append(out, settings)
		}
	}
	return out
}

// GetSettings looks a data source up by uid, then by name.
func (s *Service) GetSettings(uidOrName string) (plugins.InstanceSettings, error) {
	if settings, ok := s.settings.Load(uidOrName); ok {
		return settings, nil
	}
	if uid, ok := s.uidsByName.Load(uidOrName); ok {
		if settings, ok := s.settings.Load(uid); ok {
			return settings, nil
		}
	}
	return plugins.InstanceSettings{}, ErrDataSourceNotFound.Errorf("data source %q not found", uidOrName)
}

// DefaultSettings returns the settings of the default data source.
func (s *Service) DefaultSettings() (plugins.InstanceSettings, error) {
	s.mu.Lock()
	uid := s.defaultRef
	s.mu.Unlock()

	if uid == "" {
		return plugins.InstanceSettings{}, ErrNoDefaultDataSource.Errorf("no data sources configured")
	}
	return s.GetSettings(uid)
}

// Get returns the instance for ref. A nil ref, an empty uid or "default"
// selects the default data source. Template variables in the uid are
// expanded with scopedVars first.
func (s *Service) Get(ctx context.Context, ref *models.DataSourceRef, scopedVars models.ScopedVars) (plugins.DataSource, error) {
	settings, err := s.lookup(ref, scopedVars)
	if err != nil {
		return nil, err
	}

	if instance, ok := s.cache.getByUID(settings.UID); ok {
		return instance, nil
	}

	v, err, _ := s.group.Do(settings.UID, func() (any, error) {
		if instance, ok := s.cache.getByUID(settings.UID); ok {
			return instance, nil
		}
		factory, ok := s.factories.Load(settings.Type)
		if !ok {
			return nil, ErrPluginNotRegistered.Errorf("plugin %q is not registered", settings.Type)
		}
		instance, err := factory(settings)
		if err != nil {
			return nil, ErrInstanceFailed.Errorf("failed to create data source %q: %w", settings.UID, err)
		}
		leased := newLeasedInstance(instance, func(ctx context.Context) (plugins.DataSource, error) {
			return s.Get(ctx, &models.DataSourceRef{UID: settings.UID}, nil)
		})
		s.cache.add(settings, leased)
		s.log.FromContext(ctx).Debug("Data source instance created", "uid", settings.UID, "type", settings.Type)
		return leased, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(plugins.DataSource), nil
}

// GetByName returns a cached instance by data source name, creating it
// when needed.
func (s *Service) GetByName(ctx context.Context, name string) (plugins.DataSource, error) {
	if instance, ok := s.cache.getByName(name); ok {
		return instance, nil
	}
	return s.Get(ctx, &models.DataSourceRef{UID: name}, nil)
}

func (s *Service) lookup(ref *models.DataSourceRef, scopedVars models.ScopedVars) (plugins.InstanceSettings, error) {
	if ref == nil || ref.UID == "" || ref.UID == defaultUID {
		return s.DefaultSettings()
	}
	uid := strings.TrimSpace(s.templateSrv.Replace(ref.UID, scopedVars))
	if uid == defaultUID {
		return s.DefaultSettings()
	}
	settings, err := s.GetSettings(uid)
	if err != nil {
		return settings, err
	}
	if ref.Type != "" && ref.Type != settings.Type {
		return plugins.InstanceSettings{}, ErrDataSourceNotFound.Errorf("data source %q is of type %q, not %q", uid, settings.Type, ref.Type)
	}
	return settings, nil
}

// RemoveExpired evicts instances that outlived the cache TTL.
func (s *Service) RemoveExpired() {
	if n := s.cache.RemoveExpired(); n > 0 {
		s.log.Debug("Evicted expired data source instances", "count", n)
	}
}

// Close evicts every cached instance. Instances with running queries are
// disposed when those return.
func (s *Service) Close() {
	s.cache.flush()
}

// CacheJanitor returns a service that periodically evicts expired
// instances and disposes the rest when stopped.
func (s *Service) CacheJanitor() services.NamedService {
	iteration := func(context.Context) error {
		s.RemoveExpired()
		return nil
	}
	stopping := func(error) error {
		s.Close()
		return nil
	}
	return services.NewTimerService(s.cleanupInterval, nil, iteration, stopping).WithName("datasources.cache-janitor")
}

func (s *Service) String() string {
	return fmt.Sprintf("datasources(%d)", s.settings.Size())
}
