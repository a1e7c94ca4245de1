// Package loki is a Loki data source: log and metric queries over the
// HTTP API, live tailing over a websocket and annotations kept in Loki
// streams.
package loki

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/grafana/grafana-plugin-sdk-go/backend/gtime"
	"github.com/grafana/grafana-plugin-sdk-go/data"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/queryrunner/pkg/apimachinery/errutil"
	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
)

const PluginType = "loki"

const defaultMaxLines = 1000

var (
	errInvalidSettings = errutil.ValidationFailed("loki.invalidSettings")
	errInvalidQuery    = errutil.BadRequest("loki.invalidQuery")
	errLokiRequest     = errutil.Internal("loki.requestFailed")
	errLokiResponse    = errutil.Internal("loki.invalidResponse")
)

type DataSource struct {
	settings plugins.InstanceSettings
	client   *lokiClient
	clock    clock.Clock
	log      log.Logger
}

var (
	_ plugins.DataSource       = (*DataSource)(nil)
	_ plugins.IntervalProvider = (*DataSource)(nil)
	_ plugins.Disposable       = (*DataSource)(nil)
)

// ProvideFactory returns the plugin factory for Loki instances. A nil
// httpClient uses a default client.
func ProvideFactory(httpClient *http.Client, clk clock.Clock) plugins.Factory {
	return func(settings plugins.InstanceSettings) (plugins.DataSource, error) {
		return NewDataSource(settings, httpClient, clk)
	}
}

func NewDataSource(settings plugins.InstanceSettings, httpClient *http.Client, clk clock.Clock) (*DataSource, error) {
	logger := log.New("tsdb.loki", "uid", settings.UID)
	client, err := newLokiClient(settings, httpClient, logger)
	if err != nil {
		return nil, err
	}
	return &DataSource{
		settings: settings,
		client:   client,
		clock:    clk,
		log:      logger,
	}, nil
}

func (ds *DataSource) Ref() models.DataSourceRef {
	return ds.settings.Ref()
}

func (ds *DataSource) Interval() string {
	return ds.settings.Interval
}

func (ds *DataSource) Dispose() {
	ds.client.close()
}

func parseModel(q models.DataQuery) (*queryModel, error) {
	model := &queryModel{}
	if len(q.JSON) > 0 {
		if err := json.Unmarshal(q.JSON, model); err != nil {
			return nil, errInvalidQuery.Errorf("failed to decode query %s: %w", q.RefID, err)
		}
	}
	if model.QueryType == "" {
		model.QueryType = q.QueryType
	}
	if model.QueryType == "" {
		model.QueryType = QueryTypeRange
	}
	if model.Expr == "" && model.QueryType != QueryTypeAnnotations {
		return nil, errInvalidQuery.Errorf("query %s has no expression", q.RefID)
	}
	if model.MaxLines <= 0 {
		model.MaxLines = defaultMaxLines
	}
	return model, nil
}

func mergeKey(q models.DataQuery) string {
	if q.Key != "" {
		return q.Key
	}
	return q.RefID
}

// Query runs every visible target concurrently. Range, instant and
// annotation targets respond once; stream targets keep sending until ctx
// is cancelled.
func (ds *DataSource) Query(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
	targets := make([]models.DataQuery, 0, len(req.Targets))
	parsed := make([]*queryModel, 0, len(req.Targets))
	for _, q := range req.Targets {
		if q.Hide {
			continue
		}
		model, err := parseModel(q)
		if err != nil {
			return err
		}
		targets = append(targets, q)
		parsed = append(parsed, model)
	}

	group := plugins.NewTargetGroup(sender, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	for i, q := range targets {
		model, sender := parsed[i], group.Sender()
		g.Go(func() error {
			if model.QueryType == QueryTypeStream {
				return ds.streamTarget(ctx, req, q, model, sender)
			}
			frames, err := ds.queryTarget(ctx, req, q, model)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				ds.log.Warn("Loki query failed", "refId", q.RefID, "error", err)
				return sender.Send(ctx, &models.DataQueryResponse{
					Key:   mergeKey(q),
					Error: &models.DataQueryError{Message: err.Error(), RefID: q.RefID, Err: err},
				})
			}
			return sender.Send(ctx, &models.DataQueryResponse{Key: mergeKey(q), Data: frames})
		})
	}
	return g.Wait()
}

func (ds *DataSource) queryTarget(ctx context.Context, req *models.DataQueryRequest, q models.DataQuery, model *queryModel) (data.Frames, error) {
	switch model.QueryType {
	case QueryTypeAnnotations:
		frame, err := ds.queryAnnotations(ctx, req, model)
		if err != nil {
			return nil, err
		}
		frame.RefID = q.RefID
		return data.Frames{frame}, nil

	case QueryTypeInstant:
		res, err := ds.client.instantQuery(ctx, model.Expr, req.Range.To, model.MaxLines)
		if err != nil {
			return nil, err
		}
		return responseToFrames(res, q.RefID, model.Expr, model.LegendFormat)

	case QueryTypeRange:
		step := time.Duration(req.IntervalMs) * time.Millisecond
		if model.Step != "" {
			d, err := gtime.ParseDuration(model.Step)
			if err != nil {
				return nil, errInvalidQuery.Errorf("invalid step %q: %w", model.Step, err)
			}
			step = d
		}
		res, err := ds.client.rangeQuery(ctx, model.Expr, req.Range.From, req.Range.To, model.MaxLines, step, model.Direction)
		if err != nil {
			return nil, err
		}
		return responseToFrames(res, q.RefID, model.Expr, model.LegendFormat)

	default:
		return nil, errInvalidQuery.Errorf("unsupported query type %q", model.QueryType)
	}
}

// streamTarget tails model.Expr and sends the last MaxLines lines on
// every message. Cancellation closes the websocket and is not an error.
func (ds *DataSource) streamTarget(ctx context.Context, req *models.DataQueryRequest, q models.DataQuery, model *queryModel, sender plugins.ResponseSender) error {
	conn, err := ds.client.tail(ctx, model.Expr, req.Range.From, model.MaxLines)
	if err != nil {
		return sender.Send(ctx, &models.DataQueryResponse{
			Key:   mergeKey(q),
			Error: &models.DataQueryError{Message: err.Error(), RefID: q.RefID, Err: err},
		})
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		if stop() {
			_ = conn.Close()
		}
	}()

	buf := newLineBuffer(int(model.MaxLines))
	for {
		var msg tailResponse
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return sender.Send(ctx, &models.DataQueryResponse{
				Key:   mergeKey(q),
				Error: &models.DataQueryError{Message: "loki tail closed: " + err.Error(), RefID: q.RefID, Err: errLokiRequest.Errorf("tail read: %w", err)},
			})
		}
		if len(msg.DroppedEntries) > 0 {
			ds.log.Warn("Loki dropped tail entries", "count", len(msg.DroppedEntries))
		}
		for _, s := range msg.Streams {
			for _, e := range s.Values {
				buf.add(e, s.Stream)
			}
		}

		frame := buf.frame(q.RefID, model.Expr)
		err := sender.Send(ctx, &models.DataQueryResponse{
			Key:   mergeKey(q),
			State: models.LoadingStateStreaming,
			Data:  data.Frames{frame},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

type tailLine struct {
	entry  logEntry
	labels map[string]string
}

// lineBuffer keeps the newest lines of a tail.
type lineBuffer struct {
	limit int
	lines []tailLine
}

func newLineBuffer(limit int) *lineBuffer {
	return &lineBuffer{limit: limit}
}

func (b *lineBuffer) add(e logEntry, labels map[string]string) {
	b.lines = append(b.lines, tailLine{entry: e, labels: labels})
	if len(b.lines) > b.limit {
		b.lines = b.lines[len(b.lines)-b.limit:]
	}
}

func (b *lineBuffer) frame(refID, expr string) *data.Frame {
	times := make([]time.Time, len(b.lines))
	lines := make([]string, len(b.lines))
	labels := make([]string, len(b.lines))
	for i, l := range b.lines {
		times[i] = l.entry.T
		lines[i] = l.entry.Line
		labels[i] = formatLabels(l.labels)
	}
	frame := data.NewFrame(expr,
		data.NewField("Time", nil, times),
		data.NewField("Line", nil, lines),
		data.NewField("labels", nil, labels),
	)
	frame.RefID = refID
	frame.Meta = &data.FrameMeta{PreferredVisualization: data.VisTypeLogs, ExecutedQueryString: expr}
	return frame
}
