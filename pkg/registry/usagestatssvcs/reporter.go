package usagestatssvcs

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/registry"
	"github.com/grafana/queryrunner/pkg/setting"
)

// Reporter logs the usage stats of every provider on an interval. It is
// disabled when no interval is configured.
type Reporter struct {
	providers *UsageStatsProvidersRegistry
	interval  time.Duration
	clock     clock.Clock
	log       log.Logger
}

var (
	_ registry.BackgroundService = (*Reporter)(nil)
	_ registry.CanBeDisabled     = (*Reporter)(nil)
)

func ProvideReporter(cfg *setting.Cfg, providers *UsageStatsProvidersRegistry) *Reporter {
	return newReporter(providers, cfg.UsageStatsReportInterval, clock.New())
}

func newReporter(providers *UsageStatsProvidersRegistry, interval time.Duration, clk clock.Clock) *Reporter {
	return &Reporter{
		providers: providers,
		interval:  interval,
		clock:     clk,
		log:       log.New("usagestats"),
	}
}

func (r *Reporter) IsDisabled() bool {
	return r.interval <= 0
}

func (r *Reporter) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	metrics := r.Collect(ctx)
	args := make([]any, 0, len(metrics)*2)
	for _, k := range slices.Sorted(maps.Keys(metrics)) {
		args = append(args, k, metrics[k])
	}
	r.log.Info("Usage stats", args...)
}

// Collect merges the stats of every provider. Later providers win on
// duplicate keys.
func (r *Reporter) Collect(ctx context.Context) map[string]any {
	out := map[string]any{}
	for _, p := range r.providers.GetServices() {
		maps.Copy(out, p.GetUsageStats(ctx))
	}
	return out
}
