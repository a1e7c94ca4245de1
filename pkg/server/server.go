// Package server wires the query runner services together.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/infra/tracing"
	"github.com/grafana/queryrunner/pkg/registry"
	"github.com/grafana/queryrunner/pkg/registry/backgroundsvcs/dskitadapter"
	"github.com/grafana/queryrunner/pkg/registry/usagestatssvcs"
	"github.com/grafana/queryrunner/pkg/services/caching"
	"github.com/grafana/queryrunner/pkg/services/datasources"
	"github.com/grafana/queryrunner/pkg/services/queryrunner"
	"github.com/grafana/queryrunner/pkg/services/templatesrv"
	"github.com/grafana/queryrunner/pkg/setting"
	"github.com/grafana/queryrunner/pkg/tsdb/loki"
	"github.com/grafana/queryrunner/pkg/tsdb/sqleng"
	"github.com/grafana/queryrunner/pkg/tsdb/testdata"
)

const dataSourceHTTPTimeout = 30 * time.Second

// Server owns every service of the process.
type Server struct {
	Cfg         *setting.Cfg
	Tracing     *tracing.TracingService
	TemplateSrv *templatesrv.Service
	DataSources *datasources.Service
	Caching     *caching.Service
	QueryRunner *queryrunner.Service
	UsageStats  *usagestatssvcs.UsageStatsProvidersRegistry

	background *registry.BackgroundServiceRegistry
	manager    *dskitadapter.ManagerAdapter
	log        log.Logger
}

// New builds the services from cfg and provisions the configured data
// sources. Metrics are registered with reg.
func New(ctx context.Context, cfg *setting.Cfg, reg prometheus.Registerer) (*Server, error) {
	tracingService, err := tracing.ProvideService(ctx, cfg)
	if err != nil {
		return nil, err
	}

	templateSrv := templatesrv.ProvideService()
	dataSources := datasources.ProvideService(cfg, templateSrv, reg)
	cachingService := caching.ProvideService(cfg, reg)

	clk := clock.New()
	httpClient := &http.Client{Timeout: dataSourceHTTPTimeout}
	dataSources.RegisterPlugin(testdata.PluginType, cachingService.WrapFactory(testdata.ProvideFactory(clk)))
	dataSources.RegisterPlugin(loki.PluginType, cachingService.WrapFactory(loki.ProvideFactory(httpClient, clk)))
	dataSources.RegisterPlugin(sqleng.PluginType, cachingService.WrapFactory(sqleng.ProvideFactory()))

	if err := dataSources.Provision(cfg.DataSources); err != nil {
		return nil, err
	}

	queryRunner := queryrunner.ProvideService(cfg, dataSources, templateSrv, tracingService, reg)
	usageStats := usagestatssvcs.ProvideUsageStatsProvidersRegistry(queryRunner)

	background := registry.NewBackgroundServiceRegistry()
	background.AddService(dataSources.CacheJanitor())
	background.AddRunner(usagestatssvcs.ProvideReporter(cfg, usageStats))

	return &Server{
		Cfg:         cfg,
		Tracing:     tracingService,
		TemplateSrv: templateSrv,
		DataSources: dataSources,
		Caching:     cachingService,
		QueryRunner: queryRunner,
		UsageStats:  usageStats,
		background:  background,
		manager:     dskitadapter.NewManagerAdapter(background),
		log:         log.New("server"),
	}, nil
}

// AddBackgroundService registers svc to be run by Run. It must be called
// before Run.
func (s *Server) AddBackgroundService(svc services.NamedService) {
	s.background.AddService(svc)
}

// Run runs the background services until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("Starting background services")
	err := s.manager.Run(ctx)
	return multierror.Append(err, s.close()).ErrorOrNil()
}

// Close releases the data source instances and flushes traces. It is for
// processes that never called Run.
func (s *Server) Close() error {
	return s.close()
}

func (s *Server) close() error {
	s.DataSources.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Tracing.Shutdown(ctx)
}
