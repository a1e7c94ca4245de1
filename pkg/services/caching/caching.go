// Package caching caches the responses of single shot data source
// queries.
package caching

import (
	"context"
	"encoding/binary"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/grafana/grafana-plugin-sdk-go/backend/gtime"
	"github.com/hashicorp/golang-lru/v2/expirable"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
	"github.com/grafana/queryrunner/pkg/setting"
)

const (
	statusHit  = "hit"
	statusMiss = "miss"
	// statusSkip is a query that could not be cached.
	statusSkip = "skip"
)

type cachedResult struct {
	responses []*models.DataQueryResponse
	expires   time.Time
}

// Service caches query responses keyed by data source and request.
type Service struct {
	log     log.Logger
	cfg     setting.QueryCachingSettings
	clock   clock.Clock
	cache   *expirable.LRU[uint64, *cachedResult]
	queries *prometheus.CounterVec
}

func ProvideService(cfg *setting.Cfg, reg prometheus.Registerer) *Service {
	return newService(cfg.QueryCaching, reg, clock.New())
}

func newService(cfg setting.QueryCachingSettings, reg prometheus.Registerer, clk clock.Clock) *Service {
	return &Service{
		log:   log.New("query.caching"),
		cfg:   cfg,
		clock: clk,
		cache: expirable.NewLRU[uint64, *cachedResult](cfg.MaxEntries, nil, cfg.MaxTTL),
		queries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "grafana",
			Subsystem: "query_caching",
			Name:      "queries_total",
			Help:      "Queries seen by the query cache, by data source type and cache status.",
		}, []string{"datasource_type", "status"}),
	}
}

// WrapFactory returns a factory whose instances are cached with the TTL
// configured on the data source.
func (s *Service) WrapFactory(factory plugins.Factory) plugins.Factory {
	return func(settings plugins.InstanceSettings) (plugins.DataSource, error) {
		ds, err := factory(settings)
		if err != nil {
			return nil, err
		}
		return s.Wrap(ds, settings.QueryCachingTTL), nil
	}
}

// Wrap returns ds with response caching. defaultTTL applies when the
// request carries no caching hint; zero falls back to the configured TTL.
func (s *Service) Wrap(ds plugins.DataSource, defaultTTL time.Duration) plugins.DataSource {
	if !s.cfg.Enabled {
		return ds
	}
	return &cachingDataSource{inner: ds, svc: s, defaultTTL: defaultTTL}
}

// Len returns the number of cached results.
func (s *Service) Len() int {
	return s.cache.Len()
}

// Purge drops every cached result.
func (s *Service) Purge() {
	s.cache.Purge()
}

// TTL picks the caching duration of req: the request TTL, then the
// cacheTimeout string, then defaultTTL, then the configured TTL. The
// result never exceeds the configured maximum.
func (s *Service) TTL(req *models.DataQueryRequest, defaultTTL time.Duration) time.Duration {
	ttl := s.cfg.DefaultTTL
	switch {
	case req.QueryCachingTTL > 0:
		ttl = req.QueryCachingTTL
	case req.CacheTimeout != "":
		if d, err := parseCacheTimeout(req.CacheTimeout); err == nil {
			ttl = d
		} else {
			s.log.Warn("Ignoring invalid cache timeout", "cacheTimeout", req.CacheTimeout, "error", err)
		}
	case defaultTTL > 0:
		ttl = defaultTTL
	}
	if s.cfg.MaxTTL > 0 && ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}
	return ttl
}

// parseCacheTimeout accepts plain seconds ("60") or an interval ("1m").
func parseCacheTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return gtime.ParseInterval(s)
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key hashes everything that determines the result of req against the
// data source uid. The range is aligned to the request interval so
// relative ranges re-resolved a moment later still share an entry.
func Key(uid string, req *models.DataQueryRequest) (uint64, error) {
	targets, err := json.Marshal(req.Targets)
	if err != nil {
		return 0, err
	}

	from, to := req.Range.From, req.Range.To
	if req.IntervalMs > 0 {
		step := time.Duration(req.IntervalMs) * time.Millisecond
		from, to = from.Truncate(step), to.Truncate(step)
	}

	d := xxhash.New()
	_, _ = d.WriteString(uid)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(targets)
	var buf [8]byte
	for _, v := range []int64{from.UnixMilli(), to.UnixMilli(), req.MaxDataPoints, req.IntervalMs} {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64(), nil
}

type cachingDataSource struct {
	inner      plugins.DataSource
	svc        *Service
	defaultTTL time.Duration
}

func (c *cachingDataSource) Ref() models.DataSourceRef {
	return c.inner.Ref()
}

func (c *cachingDataSource) Interval() string {
	if ip, ok := c.inner.(plugins.IntervalProvider); ok {
		return ip.Interval()
	}
	return ""
}

func (c *cachingDataSource) Dispose() {
	if d, ok := c.inner.(plugins.Disposable); ok {
		d.Dispose()
	}
}

func (c *cachingDataSource) Query(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
	ref := c.inner.Ref()
	logger := c.svc.log.FromContext(ctx).New("datasource", ref.UID)

	ttl := c.svc.TTL(req, c.defaultTTL)
	key, err := Key(ref.UID, req)
	if ttl <= 0 || err != nil {
		c.svc.queries.WithLabelValues(ref.Type, statusSkip).Inc()
		return c.inner.Query(ctx, req, sender)
	}

	if cached, ok := c.svc.cache.Get(key); ok && c.svc.clock.Now().Before(cached.expires) {
		c.svc.queries.WithLabelValues(ref.Type, statusHit).Inc()
		logger.Debug("Serving query from cache", "requestId", req.RequestID)
		for _, resp := range cached.responses {
			if err := sender.Send(ctx, resp); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		mu        sync.Mutex
		responses []*models.DataQueryResponse
		cacheable = true
	)
	recorder := plugins.SenderFunc(func(ctx context.Context, resp *models.DataQueryResponse) error {
		if resp != nil {
			mu.Lock()
			if resp.Error != nil || resp.State == models.LoadingStateStreaming || resp.State == models.LoadingStateError {
				cacheable = false
			}
			responses = append(responses, resp)
			mu.Unlock()
		}
		return sender.Send(ctx, resp)
	})

	if err := c.inner.Query(ctx, req, recorder); err != nil {
		c.svc.queries.WithLabelValues(ref.Type, statusSkip).Inc()
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if !cacheable || ctx.Err() != nil {
		c.svc.queries.WithLabelValues(ref.Type, statusSkip).Inc()
		return nil
	}

	c.svc.queries.WithLabelValues(ref.Type, statusMiss).Inc()
	c.svc.cache.Add(key, &cachedResult{
		responses: responses,
		expires:   c.svc.clock.Now().Add(ttl),
	})
	return nil
}
