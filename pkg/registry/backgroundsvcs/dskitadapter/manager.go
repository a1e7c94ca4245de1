package dskitadapter

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/go-multierror"

	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/infra/tracing"
	"github.com/grafana/queryrunner/pkg/registry"
)

var ErrNotRunning = errors.New("background services are not running")

// ManagerAdapter runs the services of a registry as dskit modules under
// the All target.
type ManagerAdapter struct {
	reg *registry.BackgroundServiceRegistry

	mu      sync.Mutex
	manager *services.Manager
}

func NewManagerAdapter(reg *registry.BackgroundServiceRegistry) *ManagerAdapter {
	return &ManagerAdapter{
		reg: reg,
	}
}

// Run starts every enabled service and blocks until ctx is done or the
// services have stopped. Failed services are reported in the returned
// error.
func (r *ManagerAdapter) Run(ctx context.Context) error {
	logger := log.New("backgroundsvcs-modules").FromContext(ctx)
	manager := modules.NewManager(logger)
	deps := dependencyMap()
	for modName := range deps {
		manager.RegisterModule(modName, func() (services.Service, error) {
			return nil, nil
		})
	}

	register := func(namedService services.NamedService) {
		if s, ok := namedService.(registry.CanBeDisabled); ok && s.IsDisabled() {
			logger.Debug("service is disabled, skipping", "service", namedService.ServiceName())
			return
		}
		manager.RegisterModule(namedService.ServiceName(), func() (services.Service, error) {
			return namedService, nil
		}, modules.UserInvisibleModule)

		// add the service as a background service dependency if it's not already in the dependency map
		if _, ok := deps[namedService.ServiceName()]; !ok {
			deps[namedService.ServiceName()] = []string{Core}
			deps[BackgroundServices] = append(deps[BackgroundServices], namedService.ServiceName())
		}
	}
	for _, bgSvc := range r.reg.GetServices() {
		if s, ok := bgSvc.(registry.CanBeDisabled); ok && s.IsDisabled() {
			logger.Debug("service is disabled, skipping", "service", reflect.TypeOf(bgSvc).String())
			continue
		}
		namedService, ok := bgSvc.(services.NamedService)
		if !ok {
			namedService = asNamedService(bgSvc)
		}
		register(namedService)
	}
	for _, svc := range r.reg.GetNamedServices() {
		register(svc)
	}

	for modName, targets := range deps {
		if err := manager.AddDependency(modName, targets...); err != nil {
			return err
		}
	}
	serviceMap, err := manager.InitModuleServices(All)
	if err != nil {
		return err
	}
	if len(serviceMap) == 0 {
		<-ctx.Done()
		return nil
	}

	svcs := make([]services.Service, 0, len(serviceMap))
	for _, s := range serviceMap {
		svcs = append(svcs, s)
	}
	sm, err := services.NewManager(svcs...)
	if err != nil {
		return err
	}
	sm.AddListener(services.NewManagerListener(func() {}, func() {}, func(s services.Service) {
		logger.Error("Background service failed, stopping", "error", s.FailureCase())
		sm.StopAsync()
	}))

	r.mu.Lock()
	r.manager = sm
	r.mu.Unlock()

	ctx, span := tracing.Start(ctx, "backgroundsvcs-modules.run")
	defer span.End()

	if err := sm.StartAsync(ctx); err != nil {
		return tracing.Error(span, err)
	}

	stopped := make(chan struct{})
	go func() {
		_ = sm.AwaitStopped(context.Background())
		close(stopped)
	}()
	select {
	case <-ctx.Done():
		sm.StopAsync()
		<-stopped
	case <-stopped:
	}

	var result error
	for _, s := range sm.ServicesByState()[services.Failed] {
		if errors.Is(s.FailureCase(), context.Canceled) {
			continue
		}
		result = multierror.Append(result, s.FailureCase())
	}
	return tracing.Error(span, result)
}

// Shutdown stops every service and waits for them until ctx is done.
func (r *ManagerAdapter) Shutdown(ctx context.Context, reason string) error {
	r.mu.Lock()
	sm := r.manager
	r.mu.Unlock()
	if sm == nil {
		return ErrNotRunning
	}
	log.New("backgroundsvcs-modules").Info("Shutting down background services", "reason", reason)
	sm.StopAsync()
	return sm.AwaitStopped(ctx)
}
