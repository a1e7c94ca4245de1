package datasources

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
)

// leasedInstance counts the queries running on a cached instance. An
// evicted instance is disposed once its last query returns. A query
// started on a disposed instance runs on a fresh one from reacquire.
type leasedInstance struct {
	plugins.DataSource
	reacquire func(ctx context.Context) (plugins.DataSource, error)

	mu       sync.Mutex
	inflight int
	evicted  bool
	disposed bool
}

func newLeasedInstance(ds plugins.DataSource, reacquire func(ctx context.Context) (plugins.DataSource, error)) *leasedInstance {
	return &leasedInstance{DataSource: ds, reacquire: reacquire}
}

func (l *leasedInstance) Interval() string {
	if ip, ok := l.DataSource.(plugins.IntervalProvider); ok {
		return ip.Interval()
	}
	return ""
}

func (l *leasedInstance) Query(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
	if !l.acquire() {
		ds, err := l.reacquire(ctx)
		if err != nil {
			return err
		}
		return ds.Query(ctx, req, sender)
	}
	defer l.release()
	return l.DataSource.Query(ctx, req, sender)
}

func (l *leasedInstance) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return false
	}
	l.inflight++
	return true
}

func (l *leasedInstance) release() {
	l.mu.Lock()
	l.inflight--
	dispose := l.evicted && l.inflight == 0 && !l.disposed
	if dispose {
		l.disposed = true
	}
	l.mu.Unlock()

	if dispose {
		l.dispose()
	}
}

func (l *leasedInstance) evict() {
	l.mu.Lock()
	l.evicted = true
	dispose := l.inflight == 0 && !l.disposed
	if dispose {
		l.disposed = true
	}
	l.mu.Unlock()

	if dispose {
		l.dispose()
	}
}

func (l *leasedInstance) dispose() {
	if d, ok := l.DataSource.(plugins.Disposable); ok {
		d.Dispose()
	}
}

type cacheEntry struct {
	settings   plugins.InstanceSettings
	instance   *leasedInstance
	expiration time.Time
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return !now.Before(e.expiration)
}

// instanceCache keeps constructed data source instances for a limited
// time, indexed by uid and by name.
type instanceCache struct {
	mtx      sync.RWMutex
	byUID    map[string]*cacheEntry
	byName   map[string]*cacheEntry
	cacheTTL time.Duration
	clock    clock.Clock

	reads *prometheus.CounterVec
}

func newInstanceCache(ttl time.Duration, clk clock.Clock, reg prometheus.Registerer) *instanceCache {
	return &instanceCache{
		byUID:    make(map[string]*cacheEntry),
		byName:   make(map[string]*cacheEntry),
		cacheTTL: ttl,
		clock:    clk,
		reads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "grafana",
			Subsystem: "datasources",
			Name:      "instance_cache_reads_total",
			Help:      "Data source instance cache reads, by hit and lookup method.",
		}, []string{"hit", "method"}),
	}
}

func (c *instanceCache) getByUID(uid string) (_ plugins.DataSource, exists bool) {
	defer func() {
		c.reads.With(prometheus.Labels{
			"hit":    strconv.FormatBool(exists),
			"method": "byUID",
		}).Inc()
	}()

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	entry, exists := c.byUID[uid]
	if !exists || entry.isExpired(c.clock.Now()) {
		return nil, false
	}
	return entry.instance, true
}

func (c *instanceCache) getByName(name string) (_ plugins.DataSource, exists bool) {
	defer func() {
		c.reads.With(prometheus.Labels{
			"hit":    strconv.FormatBool(exists),
			"method": "byName",
		}).Inc()
	}()

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	entry, exists := c.byName[name]
	if !exists || entry.isExpired(c.clock.Now()) {
		return nil, false
	}
	return entry.instance, true
}

// add stores instance under both its uid and name. A previous instance
// with the same uid is evicted.
func (c *instanceCache) add(settings plugins.InstanceSettings, instance *leasedInstance) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if old, ok := c.byUID[settings.UID]; ok && old.instance != instance {
		c.evictLocked(old)
	}
	entry := &cacheEntry{
		settings:   settings,
		instance:   instance,
		expiration: c.clock.Now().Add(c.cacheTTL),
	}
	c.byUID[settings.UID] = entry
	c.byName[settings.Name] = entry
}

// remove evicts the instance cached for uid, if any.
func (c *instanceCache) remove(uid string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if entry, ok := c.byUID[uid]; ok {
		c.evictLocked(entry)
	}
}

// RemoveExpired evicts every expired instance. Instances are disposed
// once their running queries return. It returns the number of evicted
// instances.
func (c *instanceCache) RemoveExpired() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, entry := range c.byUID {
		if entry.isExpired(now) {
			c.evictLocked(entry)
			removed++
		}
	}
	return removed
}

func (c *instanceCache) flush() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, entry := range c.byUID {
		c.evictLocked(entry)
	}
}

func (c *instanceCache) len() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.byUID)
}

func (c *instanceCache) evictLocked(entry *cacheEntry) {
	if c.byUID[entry.settings.UID] == entry {
		delete(c.byUID, entry.settings.UID)
	}
	if c.byName[entry.settings.Name] == entry {
		delete(c.byName, entry.settings.Name)
	}
	entry.instance.evict()
}
