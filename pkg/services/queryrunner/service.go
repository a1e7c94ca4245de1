package queryrunner

import (
	"context"
	"maps"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/queryrunner/pkg/infra/broadcast"
	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/infra/tracing"
	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/services/templatesrv"
	"github.com/grafana/queryrunner/pkg/setting"
	"github.com/grafana/queryrunner/pkg/tsdb/intervalv2"
)

// Service creates query runners that share configuration, metrics and
// collaborators.
type Service struct {
	cfg           setting.QueryRunnerSettings
	log           log.Logger
	tracer        tracing.Tracer
	clock         clock.Clock
	resolver      DataSourceResolver
	templateSrv   templatesrv.Replacer
	calculator    intervalv2.Calculator
	requestRunner *RequestRunner
	stats         *usageStats
}

func ProvideService(
	cfg *setting.Cfg,
	resolver DataSourceResolver,
	templateSrv templatesrv.Replacer,
	tracer tracing.Tracer,
	reg prometheus.Registerer,
) *Service {
	return newService(cfg.QueryRunner, resolver, templateSrv, tracer, reg, clock.New())
}

func newService(
	cfg setting.QueryRunnerSettings,
	resolver DataSourceResolver,
	templateSrv templatesrv.Replacer,
	tracer tracing.Tracer,
	reg prometheus.Registerer,
	clk clock.Clock,
) *Service {
	metrics := NewMetrics(reg)
	return &Service{
		cfg:           cfg,
		log:           log.New("query.runner"),
		tracer:        tracer,
		clock:         clk,
		resolver:      resolver,
		templateSrv:   templateSrv,
		calculator:    intervalv2.NewCalculator(),
		requestRunner: NewRequestRunner(cfg.LoadingStateDelay, clk, tracer, metrics),
		stats:         &usageStats{},
	}
}

// NewQueryRunner returns an idle runner.
func (s *Service) NewQueryRunner() *QueryRunner {
	s.stats.runners.Add(1)
	return &QueryRunner{
		log:           s.log,
		tracer:        s.tracer,
		clock:         s.clock,
		cfg:           s.cfg,
		resolver:      s.resolver,
		templateSrv:   s.templateSrv,
		calculator:    s.calculator,
		requestRunner: s.requestRunner,
		stats:         s.stats,
		subject:       broadcast.NewReplayLatest[*models.PanelData](),
	}
}

type usageStats struct {
	runners         atomic.Int64
	runs            atomic.Int64
	cancels         atomic.Int64
	errors          atomic.Int64
	resolveFailures atomic.Int64
}

func (s *Service) countRuns(context.Context) (map[string]any, error) {
	return map[string]any{
		"stats.query_runner.runners.count":          s.stats.runners.Load(),
		"stats.query_runner.runs.count":             s.stats.runs.Load(),
		"stats.query_runner.cancels.count":          s.stats.cancels.Load(),
		"stats.query_runner.resolve_failures.count": s.stats.resolveFailures.Load(),
	}, nil
}

func (s *Service) countErrors(context.Context) (map[string]any, error) {
	return map[string]any{
		"stats.query_runner.error_snapshots.count": s.stats.errors.Load(),
	}, nil
}

// GetUsageStats reports counters of every runner created by s.
func (s *Service) GetUsageStats(ctx context.Context) map[string]any {
	metricsMap := make(map[string]any)
	collectFuncs := map[string]func(context.Context) (map[string]any, error){
		"countRuns":   s.countRuns,
		"countErrors": s.countErrors,
	}

	for name, fn := range collectFuncs {
		stats, err := fn(ctx)
		if err != nil {
			s.log.Error("Failed to collect usage stats", "func", name, "error", err)
			continue
		}
		maps.Copy(metricsMap, stats)
	}
	return metricsMap
}
