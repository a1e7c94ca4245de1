package queryrunner

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/queryrunner/pkg/apimachinery/errutil"
	"github.com/grafana/queryrunner/pkg/infra/broadcast"
	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/infra/tracing"
	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
	"github.com/grafana/queryrunner/pkg/services/templatesrv"
	"github.com/grafana/queryrunner/pkg/setting"
	"github.com/grafana/queryrunner/pkg/tsdb/intervalv2"
	"github.com/grafana/queryrunner/pkg/tsdb/legacydata"
)

var (
	ErrRunnerDestroyed    = errutil.BadRequest("queryrunner.destroyed")
	ErrNoDataSource       = errutil.BadRequest("queryrunner.noDataSource")
	ErrInvalidMinInterval = errutil.ValidationFailed("queryrunner.invalidMinInterval")
)

const defaultApp = "dashboard"

// DataSourceResolver looks up a data source handle by reference. A nil
// ref means the default data source.
type DataSourceResolver interface {
	Get(ctx context.Context, ref *models.DataSourceRef, scopedVars models.ScopedVars) (plugins.DataSource, error)
}

// RunOptions describes one run of a panel's queries.
type RunOptions struct {
	// Datasource is used as is when set; otherwise DatasourceRef is
	// resolved.
	Datasource    plugins.DataSource
	DatasourceRef *models.DataSourceRef

	Queries      []models.DataQuery
	App          string
	DashboardUID string
	PanelID      int64
	Timezone     string
	TimeRange    models.TimeRange
	// MaxDataPoints falls back to the configured default when zero.
	MaxDataPoints int64
	// MinInterval may reference template variables.
	MinInterval     string
	ScopedVars      models.ScopedVars
	CacheTimeout    string
	QueryCachingTTL time.Duration
}

type lifecycle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// QueryRunner owns the query lifecycle of one panel. It runs at most one
// request at a time and republishes its snapshots to any number of
// subscribers, replaying the latest snapshot to new ones.
type QueryRunner struct {
	log           log.Logger
	tracer        tracing.Tracer
	clock         clock.Clock
	cfg           setting.QueryRunnerSettings
	resolver      DataSourceResolver
	templateSrv   templatesrv.Replacer
	calculator    intervalv2.Calculator
	requestRunner *RequestRunner
	stats         *usageStats

	subject *broadcast.ReplayLatest[*models.PanelData]

	// runMu serializes Run, Cancel and Destroy.
	runMu sync.Mutex

	mu         sync.Mutex
	generation uint64
	active     *lifecycle
	lastResult *models.PanelData
	destroyed  bool
}

// Get subscribes to the snapshots of this runner. The latest snapshot,
// if any, is delivered first. The channel is closed when ctx is done or
// the runner is destroyed.
func (r *QueryRunner) Get(ctx context.Context) <-chan *models.PanelData {
	return r.subject.Subscribe(ctx)
}

// LastResult returns the most recently published snapshot.
func (r *QueryRunner) LastResult() *models.PanelData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastResult
}

// ResendLastResult publishes the latest snapshot again.
func (r *QueryRunner) ResendLastResult() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastResult != nil && !r.destroyed {
		r.subject.Publish(r.lastResult)
	}
}

// Run cancels the active request, if any, and starts a new one. It blocks
// while the data source is resolved; snapshots are delivered through Get.
// When the data source cannot be resolved the error is logged and
// returned and nothing is published.
func (r *QueryRunner) Run(ctx context.Context, opts RunOptions) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.isDestroyed() {
		return ErrRunnerDestroyed.Errorf("query runner has been destroyed")
	}
	r.stopActive()

	ctx, span := r.tracer.Start(ctx, "queryrunner.run", trace.WithAttributes(
		attribute.String("dashboard_uid", opts.DashboardUID),
		attribute.Int64("panel_id", opts.PanelID),
		attribute.Int("queries", len(opts.Queries)),
	))
	defer span.End()
	logger := r.log.FromContext(ctx)

	ds, err := r.resolveDataSource(ctx, opts)
	if err != nil {
		logger.Error("Failed to resolve data source", "error", err)
		r.stats.resolveFailures.Add(1)
		return tracing.Error(span, err)
	}

	req, err := r.buildRequest(ds, opts)
	if err != nil {
		logger.Error("Failed to build request", "error", err)
		return tracing.Error(span, err)
	}
	span.SetAttributes(attribute.String("request_id", req.RequestID))
	logger.Debug("Running queries", "requestId", req.RequestID, "datasource", ds.Ref().UID, "interval", req.Interval, "targets", len(req.Targets))

	r.start(ctx, ds, req)
	r.stats.runs.Add(1)
	return nil
}

// Cancel stops the active request. If the last published snapshot was
// still Loading, a copy of it with state Done is published.
func (r *QueryRunner) Cancel() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if !r.stopActive() {
		return
	}
	r.stats.cancels.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed || r.lastResult == nil || r.lastResult.State != models.LoadingStateLoading {
		return
	}
	r.lastResult = r.lastResult.WithState(models.LoadingStateDone)
	r.subject.Publish(r.lastResult)
}

// Destroy stops the active request and closes every subscription. The
// runner cannot be used afterwards.
func (r *QueryRunner) Destroy() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.stopActive()

	r.mu.Lock()
	r.destroyed = true
	r.mu.Unlock()

	r.subject.Close()
}

func (r *QueryRunner) isDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func (r *QueryRunner) resolveDataSource(ctx context.Context, opts RunOptions) (plugins.DataSource, error) {
	if opts.Datasource != nil {
		return opts.Datasource, nil
	}
	if r.resolver == nil {
		return nil, ErrNoDataSource.Errorf("no data source handle and no resolver configured")
	}
	return r.resolver.Get(ctx, opts.DatasourceRef, opts.ScopedVars)
}

func (r *QueryRunner) buildRequest(ds plugins.DataSource, opts RunOptions) (*models.DataQueryRequest, error) {
	maxDataPoints := opts.MaxDataPoints
	if maxDataPoints <= 0 {
		maxDataPoints = r.cfg.DefaultMaxDataPoints
	}

	lowerLimit := r.cfg.MinInterval
	if opts.MinInterval != "" {
		lowerLimit = r.templateSrv.Replace(opts.MinInterval, opts.ScopedVars)
	} else if ip, ok := ds.(plugins.IntervalProvider); ok && ip.Interval() != "" {
		lowerLimit = r.templateSrv.Replace(ip.Interval(), opts.ScopedVars)
	}
	minInterval, err := intervalv2.ParseIntervalString(lowerLimit)
	if err != nil {
		return nil, ErrInvalidMinInterval.Errorf("invalid min interval %q: %w", lowerLimit, err)
	}

	// Relative ranges are evaluated once per run; snapshots re-evaluate them.
	timeRange := legacydata.ResolveTimeRange(opts.TimeRange, r.clock.Now(), opts.Timezone)
	interval := r.calculator.Calculate(timeRange, minInterval, maxDataPoints)
	intervalMs := interval.Milliseconds()

	scopedVars := opts.ScopedVars.Clone()
	scopedVars["__interval"] = models.ScopedVar{Text: interval.Text, Value: interval.Text}
	scopedVars["__interval_ms"] = models.ScopedVar{Text: strconv.FormatInt(intervalMs, 10), Value: intervalMs}

	ref := ds.Ref()
	targets := make([]models.DataQuery, len(opts.Queries))
	copy(targets, opts.Queries)
	for i := range targets {
		if targets[i].Datasource == nil {
			targets[i].Datasource = &ref
		}
	}

	app := opts.App
	if app == "" {
		app = defaultApp
	}

	return &models.DataQueryRequest{
		App:             app,
		RequestID:       uuid.NewString(),
		DashboardUID:    opts.DashboardUID,
		PanelID:         opts.PanelID,
		Timezone:        opts.Timezone,
		Range:           timeRange,
		Targets:         targets,
		Interval:        interval.Text,
		IntervalMs:      intervalMs,
		MaxDataPoints:   maxDataPoints,
		ScopedVars:      scopedVars,
		CacheTimeout:    opts.CacheTimeout,
		QueryCachingTTL: opts.QueryCachingTTL,
		StartTime:       r.clock.Now(),
	}, nil
}

// start runs req in a new lifecycle. The lifecycle keeps the trace of
// ctx but not its cancellation.
func (r *QueryRunner) start(ctx context.Context, ds plugins.DataSource, req *models.DataQueryRequest) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lc := &lifecycle{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.generation++
	gen := r.generation
	r.active = lc
	r.mu.Unlock()

	results := r.requestRunner.Run(ctx, ds, req)
	go func() {
		defer close(lc.done)
		for pd := range results {
			r.publish(gen, pd)
		}
	}()
}

func (r *QueryRunner) publish(gen uint64, pd *models.PanelData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation || r.destroyed {
		return
	}
	r.lastResult = pd
	if pd.State == models.LoadingStateError {
		r.stats.errors.Add(1)
	}
	r.subject.Publish(pd)
}

// stopActive cancels the active lifecycle and waits for it to finish.
// It reports whether there was one.
func (r *QueryRunner) stopActive() bool {
	r.mu.Lock()
	lc := r.active
	r.active = nil
	r.generation++
	r.mu.Unlock()

	if lc == nil {
		return false
	}
	lc.cancel()
	<-lc.done
	return true
}
