package usagestatssvcs

import (
	"github.com/grafana/queryrunner/pkg/registry"
	"github.com/grafana/queryrunner/pkg/services/queryrunner"
)

func ProvideUsageStatsProvidersRegistry(
	queryRunner *queryrunner.Service,
) *UsageStatsProvidersRegistry {
	return NewUsageStatsProvidersRegistry(
		queryRunner,
	)
}

type UsageStatsProvidersRegistry struct {
	Services []registry.ProvidesUsageStats
}

func NewUsageStatsProvidersRegistry(services ...registry.ProvidesUsageStats) *UsageStatsProvidersRegistry {
	return &UsageStatsProvidersRegistry{services}
}

func (r *UsageStatsProvidersRegistry) GetServices() []registry.ProvidesUsageStats {
	return r.Services
}
