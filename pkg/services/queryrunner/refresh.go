package queryrunner

import (
	"context"
	"time"

	"github.com/grafana/dskit/services"

	"github.com/grafana/queryrunner/pkg/infra/log"
)

// Refresher re-runs a query on a fixed interval, the way a dashboard with
// auto refresh does. It is a dskit service: the first run happens when
// the service starts and stopping it cancels the active request.
type Refresher struct {
	*services.BasicService

	runner *QueryRunner
	opts   RunOptions
	log    log.Logger
}

var _ services.NamedService = (*Refresher)(nil)

func NewRefresher(name string, runner *QueryRunner, opts RunOptions, interval time.Duration) *Refresher {
	r := &Refresher{
		runner: runner,
		opts:   opts,
		log:    log.New("query.refresh", "refresher", name),
	}
	r.BasicService = services.NewTimerService(interval, r.starting, r.iteration, r.stopping).WithName(name)
	return r
}

func (r *Refresher) starting(ctx context.Context) error {
	return r.iteration(ctx)
}

// iteration never fails the service; a failed run is retried on the next tick.
func (r *Refresher) iteration(ctx context.Context) error {
	if err := r.runner.Run(ctx, r.opts); err != nil {
		r.log.Warn("Refresh failed", "error", err)
	}
	return nil
}

func (r *Refresher) stopping(_ error) error {
	r.runner.Cancel()
	return nil
}
