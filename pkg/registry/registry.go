// Package registry holds the interfaces services implement to be picked
// up by the server.
package registry

import (
	"context"

	"github.com/grafana/dskit/services"
)

// BackgroundService is a process that runs until ctx is done.
type BackgroundService interface {
	Run(ctx context.Context) error
}

// CanBeDisabled is implemented by services that may be turned off by
// configuration.
type CanBeDisabled interface {
	IsDisabled() bool
}

// ProvidesUsageStats is implemented by services reporting usage counters.
type ProvidesUsageStats interface {
	GetUsageStats(ctx context.Context) map[string]any
}

// BackgroundServiceRegistry lists the services started with the server.
// Plain background services are run as dskit services by the module
// manager; dskit services are used as they are.
type BackgroundServiceRegistry struct {
	runners []BackgroundService
	named   []services.NamedService
}

func NewBackgroundServiceRegistry() *BackgroundServiceRegistry {
	return &BackgroundServiceRegistry{}
}

func (r *BackgroundServiceRegistry) AddRunner(svcs ...BackgroundService) {
	r.runners = append(r.runners, svcs...)
}

func (r *BackgroundServiceRegistry) AddService(svcs ...services.NamedService) {
	r.named = append(r.named, svcs...)
}

func (r *BackgroundServiceRegistry) GetServices() []BackgroundService {
	return r.runners
}

func (r *BackgroundServiceRegistry) GetNamedServices() []services.NamedService {
	return r.named
}
