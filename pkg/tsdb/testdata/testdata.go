// Package testdata is a data source that generates data, for demos and
// tests of the query pipeline.
package testdata

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grafana/grafana-plugin-sdk-go/data"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/queryrunner/pkg/apimachinery/errutil"
	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
)

const PluginType = "testdata"

var (
	errInvalidQuery    = errutil.BadRequest("testdata.invalidQuery")
	errUnknownScenario = errutil.BadRequest("testdata.unknownScenario")
	errServer          = errutil.Internal("testdata.serverError")
)

type DataSource struct {
	settings plugins.InstanceSettings
	clock    clock.Clock
	log      log.Logger
}

var (
	_ plugins.DataSource       = (*DataSource)(nil)
	_ plugins.IntervalProvider = (*DataSource)(nil)
)

// ProvideFactory returns the plugin factory for testdata instances.
func ProvideFactory(clk clock.Clock) plugins.Factory {
	return func(settings plugins.InstanceSettings) (plugins.DataSource, error) {
		return NewDataSource(settings, clk), nil
	}
}

func NewDataSource(settings plugins.InstanceSettings, clk clock.Clock) *DataSource {
	return &DataSource{
		settings: settings,
		clock:    clk,
		log:      log.New("tsdb.testdata", "uid", settings.UID),
	}
}

func (ds *DataSource) Ref() models.DataSourceRef {
	return ds.settings.Ref()
}

func (ds *DataSource) Interval() string {
	return ds.settings.Interval
}

// Query runs every visible target concurrently. Each target sends its
// own responses keyed by its key or refId; only the last one to answer
// reports Done.
func (ds *DataSource) Query(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
	targets := make([]models.DataQuery, 0, len(req.Targets))
	queries := make([]*Query, 0, len(req.Targets))
	for _, target := range req.Targets {
		if target.Hide {
			continue
		}
		model, err := parseQuery(target)
		if err != nil {
			return err
		}
		targets = append(targets, target)
		queries = append(queries, model)
	}

	group := plugins.NewTargetGroup(sender, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			return ds.runTarget(ctx, req, target, queries[i], group.Sender())
		})
	}
	return g.Wait()
}

func mergeKey(q models.DataQuery) string {
	if q.Key != "" {
		return q.Key
	}
	return q.RefID
}

func (ds *DataSource) runTarget(ctx context.Context, req *models.DataQueryRequest, q models.DataQuery, model *Query, sender plugins.ResponseSender) error {
	respond := func(frames data.Frames) error {
		return sender.Send(ctx, &models.DataQueryResponse{Key: mergeKey(q), Data: frames})
	}

	switch model.ScenarioID {
	case ScenarioRandomWalk:
		return respond(randomWalk(req, q.RefID, model))

	case ScenarioSlowQuery:
		select {
		case <-ds.clock.After(model.delay):
		case <-ctx.Done():
			return nil
		}
		return respond(randomWalk(req, q.RefID, model))

	case ScenarioAnnotations:
		return respond(data.Frames{annotations(req, q.RefID, model)})

	case ScenarioNoDataPoints:
		frame := data.NewFrame(q.RefID,
			data.NewField("time", nil, []time.Time{}),
			data.NewField("value", nil, []float64{}),
		)
		frame.RefID = q.RefID
		return respond(data.Frames{frame})

	case ScenarioServerError:
		msg := model.ErrorMessage
		if msg == "" {
			msg = "testdata server error"
		}
		return sender.Send(ctx, &models.DataQueryResponse{
			Key:   mergeKey(q),
			Error: &models.DataQueryError{Message: msg, RefID: q.RefID, Err: errServer.Errorf("%s", msg)},
		})

	case ScenarioStreaming:
		return ds.stream(ctx, req, q, model, sender)

	default:
		return errUnknownScenario.Errorf("unknown scenario %q in query %s", model.ScenarioID, q.RefID)
	}
}

// stream emits one point per tick. Cancellation ends the stream without
// an error.
func (ds *DataSource) stream(ctx context.Context, req *models.DataQueryRequest, q models.DataQuery, model *Query, sender plugins.ResponseSender) error {
	ticker := ds.clock.Ticker(model.streamInterval)
	defer ticker.Stop()

	rnd := newRand(model)
	value := model.StartValue
	name := seriesName(q.RefID, model, 0)
	times := make([]time.Time, 0)
	values := make([]float64, 0)
	maxPoints := int(req.MaxDataPoints)

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			value = clamp(value+(rnd.Float64()-0.5)*model.Spread, model)
			times = append(times, t)
			values = append(values, value)
			if maxPoints > 0 && len(times) > maxPoints {
				times, values = times[1:], values[1:]
			}

			frame := data.NewFrame(name,
				data.NewField("time", nil, append([]time.Time(nil), times...)),
				data.NewField("value", nil, append([]float64(nil), values...)),
			)
			frame.RefID = q.RefID

			state := models.LoadingStateStreaming
			last := model.StreamTicks > 0 && tick >= model.StreamTicks
			if last {
				state = models.LoadingStateDone
			}
			if err := sender.Send(ctx, &models.DataQueryResponse{Key: mergeKey(q), State: state, Data: data.Frames{frame}}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if last {
				return nil
			}
		}
	}
}

func newRand(model *Query) *rand.Rand {
	seed := model.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

func seriesName(refID string, model *Query, i int) string {
	if model.Alias != "" {
		if model.SeriesCount > 1 {
			return fmt.Sprintf("%s-%d", model.Alias, i)
		}
		return model.Alias
	}
	return fmt.Sprintf("%s-series-%d", refID, i)
}

func clamp(v float64, model *Query) float64 {
	if model.Min != nil && v < *model.Min {
		return *model.Min
	}
	if model.Max != nil && v > *model.Max {
		return *model.Max
	}
	return v
}

// randomWalk returns SeriesCount frames with one point per interval
// across the request range, at most MaxDataPoints each.
func randomWalk(req *models.DataQueryRequest, refID string, model *Query) data.Frames {
	step := time.Duration(req.IntervalMs) * time.Millisecond
	if step <= 0 {
		step = time.Minute
	}
	from, to := req.Range.From, req.Range.To
	rnd := newRand(model)

	frames := make(data.Frames, 0, model.SeriesCount)
	for i := 0; i < model.SeriesCount; i++ {
		times := make([]time.Time, 0)
		values := make([]float64, 0)
		value := model.StartValue
		for t := from; !t.After(to); t = t.Add(step) {
			if req.MaxDataPoints > 0 && int64(len(times)) >= req.MaxDataPoints {
				break
			}
			times = append(times, t)
			values = append(values, value)
			value = clamp(value+(rnd.Float64()-0.5)*model.Spread, model)
		}
		frame := data.NewFrame(seriesName(refID, model, i),
			data.NewField("time", nil, times),
			data.NewField("value", nil, values),
		)
		frame.RefID = refID
		frames = append(frames, frame)
	}
	return frames
}

// annotations returns a frame in the annotations topic with one event
// in the middle of the range.
func annotations(req *models.DataQueryRequest, refID string, model *Query) *data.Frame {
	text := model.Text
	if text == "" {
		text = "testdata annotation"
	}
	mid := req.Range.From.Add(req.Range.To.Sub(req.Range.From) / 2)
	tags := model.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, _ := json.Marshal(tags)

	frame := data.NewFrame("annotations",
		data.NewField("time", nil, []time.Time{mid}),
		data.NewField("timeEnd", nil, []time.Time{mid}),
		data.NewField("text", nil, []string{text}),
		data.NewField("tags", nil, []string{string(tagsJSON)}),
	)
	frame.RefID = refID
	frame.SetMeta(&data.FrameMeta{DataTopic: data.DataTopicAnnotations})
	return frame
}
