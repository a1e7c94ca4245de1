package queryrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grafana/grafana-plugin-sdk-go/data"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/queryrunner/pkg/apimachinery/errutil"
	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/infra/tracing"
	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
	"github.com/grafana/queryrunner/pkg/tsdb/legacydata"
)

var errQueryPanic = errutil.Internal("queryrunner.datasourcePanic")

// RequestRunner executes one request against a data source and turns the
// responses into a sequence of panel data snapshots.
type RequestRunner struct {
	log          log.Logger
	clock        clock.Clock
	tracer       tracing.Tracer
	metrics      *Metrics
	loadingDelay time.Duration
}

func NewRequestRunner(loadingDelay time.Duration, clk clock.Clock, tracer tracing.Tracer, metrics *Metrics) *RequestRunner {
	return &RequestRunner{
		log:          log.New("query.request"),
		clock:        clk,
		tracer:       tracer,
		metrics:      metrics,
		loadingDelay: loadingDelay,
	}
}

// Run starts req against ds. Snapshots are delivered on the returned
// channel, which is closed when the sequence ends: after the data source
// completes, after the first Error snapshot, or when ctx is cancelled.
// Cancelling ctx also cancels the data source and Run's goroutines exit
// once it has returned.
func (rr *RequestRunner) Run(ctx context.Context, ds plugins.DataSource, req *models.DataQueryRequest) <-chan *models.PanelData {
	out := make(chan *models.PanelData)
	go func() {
		defer close(out)
		rr.run(ctx, ds, req, out)
	}()
	return out
}

func (rr *RequestRunner) run(ctx context.Context, ds plugins.DataSource, req *models.DataQueryRequest, out chan<- *models.PanelData) {
	dsType := ds.Ref().Type
	logger := rr.log.FromContext(ctx).New("requestId", req.RequestID, "datasource", ds.Ref().UID)
	tracker := &StructureRevisionTracker{}
	finalState := models.LoadingStateDone

	emit := func(pd *models.PanelData) bool {
		tracker.Apply(pd)
		select {
		case out <- pd:
			rr.metrics.snapshotsTotal.WithLabelValues(string(pd.State)).Inc()
			finalState = pd.State
			return true
		case <-ctx.Done():
			return false
		}
	}

	if len(req.Targets) == 0 {
		emit(rr.snapshot(req, models.LoadingStateDone, make(data.Frames, 0), nil))
		return
	}

	ctx, span := rr.tracer.Start(ctx, "queryrunner.request", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("datasource_uid", ds.Ref().UID),
		attribute.Int("targets", len(req.Targets)),
	))
	defer span.End()

	queryCtx, cancelQuery := context.WithCancel(ctx)
	events := make(chan *models.DataQueryResponse)
	result := make(chan error, 1)

	// The timer exists before the data source is called.
	loading := rr.clock.Timer(rr.loadingDelay)
	loadingC := loading.C
	started := rr.clock.Now()

	go func() {
		result <- rr.query(queryCtx, ds, req, events)
	}()

	returned := false
	defer func() {
		loading.Stop()
		cancelQuery()
		if !returned {
			<-result
		}
		if ctx.Err() != nil {
			rr.metrics.cancelledTotal.WithLabelValues(dsType).Inc()
			logger.Debug("Request cancelled")
			return
		}
		rr.metrics.requestsTotal.WithLabelValues(dsType, string(finalState)).Inc()
	}()

	merger := NewResultMerger()
	received := false
	for {
		select {
		case <-ctx.Done():
			return

		case <-loadingC:
			loadingC = nil
			if !emit(rr.snapshot(req, models.LoadingStateLoading, nil, nil)) {
				return
			}

		case resp := <-events:
			if !received {
				received = true
				loading.Stop()
				loadingC = nil
				rr.metrics.firstResponseDuration.WithLabelValues(dsType).Observe(rr.clock.Since(started).Seconds())
			}

			merger.Add(resp)
			state := resp.State
			if resp.Error != nil {
				state = models.LoadingStateError
			} else if state == "" {
				state = models.LoadingStateDone
			}

			if !emit(rr.snapshot(req, state, merger.Frames(), resp.Error)) {
				return
			}
			if resp.Error != nil {
				logger.Warn("Data source responded with an error", "error", resp.Error)
				span.SetAttributes(attribute.String("state", string(state)))
				_ = tracing.Error(span, resp.Error)
				return
			}

		case err := <-result:
			returned = true
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				logger.Error("Query failed", "error", err)
				_ = tracing.Error(span, err)
				emit(rr.snapshot(req, models.LoadingStateError, merger.Frames(), err))
				return
			}
			if !received {
				emit(rr.snapshot(req, models.LoadingStateDone, make(data.Frames, 0), nil))
			}
			return
		}
	}
}

func (rr *RequestRunner) query(ctx context.Context, ds plugins.DataSource, req *models.DataQueryRequest, events chan<- *models.DataQueryResponse) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errQueryPanic.Errorf("data source %s panicked: %v", ds.Ref().UID, r)
		}
	}()

	sender := plugins.SenderFunc(func(_ context.Context, resp *models.DataQueryResponse) error {
		if resp == nil {
			return nil
		}
		select {
		case events <- resp:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err := ds.Query(ctx, req, sender); err != nil {
		return fmt.Errorf("query %s: %w", ds.Ref().UID, err)
	}
	return nil
}

// snapshot builds a new snapshot. frames is partitioned into series and
// annotations; a nil frames leaves both nil.
func (rr *RequestRunner) snapshot(req *models.DataQueryRequest, state models.LoadingState, frames data.Frames, err error) *models.PanelData {
	pd := &models.PanelData{
		State:     state,
		Request:   req,
		TimeRange: legacydata.ResolveTimeRange(req.Range, rr.clock.Now(), req.Timezone),
		Error:     models.ToDataQueryError(err),
	}
	if frames != nil {
		pd.Series, pd.Annotations = Partition(frames)
	}
	return pd
}
