// Package sqleng is a data source running raw SQL against a database/sql
// driver. The bundled driver is sqlite.
package sqleng

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/grafana/grafana-plugin-sdk-go/data"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/grafana/queryrunner/pkg/apimachinery/errutil"
	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
)

const (
	PluginType    = "sqlite"
	defaultDriver = "sqlite"

	FormatTimeSeries = "time_series"
	FormatTable      = "table"
)

var (
	errInvalidSettings = errutil.BadRequest("sqleng.invalidSettings")
	errInvalidQuery    = errutil.BadRequest("sqleng.invalidQuery")
	errMacro           = errutil.BadRequest("sqleng.macro")
	errRowLimit        = errutil.BadRequest("sqleng.rowLimit")
	errQuery           = errutil.Internal("sqleng.queryFailed")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// queryModel is the JSON model of a SQL target.
type queryModel struct {
	RawSQL string `json:"rawSql"`
	Format string `json:"format"`
}

type DataSource struct {
	settings plugins.InstanceSettings
	db       *sqlx.DB
	rowLimit int
	log      log.Logger
}

var (
	_ plugins.DataSource       = (*DataSource)(nil)
	_ plugins.IntervalProvider = (*DataSource)(nil)
	_ plugins.Disposable       = (*DataSource)(nil)
)

// ProvideFactory returns the plugin factory for SQL instances.
//
// The instance URL is the driver DSN. jsonData keys:
//
//	driver          database/sql driver name, default sqlite
//	max_open_conns  connection pool size
//	row_limit       maximum rows per target, 0 for no limit
func ProvideFactory() plugins.Factory {
	return func(settings plugins.InstanceSettings) (plugins.DataSource, error) {
		return NewDataSource(settings)
	}
}

func NewDataSource(settings plugins.InstanceSettings) (*DataSource, error) {
	if settings.URL == "" {
		return nil, errInvalidSettings.Errorf("data source %s has no database url", settings.UID)
	}

	driver := settings.JSONData["driver"]
	if driver == "" {
		driver = defaultDriver
	}
	db, err := sqlx.Open(driver, settings.URL)
	if err != nil {
		return nil, errInvalidSettings.Errorf("failed to open %s database: %w", driver, err)
	}

	maxOpen, err := intSetting(settings, "max_open_conns")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	// Every connection to an in-memory sqlite database sees its own database.
	if strings.Contains(settings.URL, ":memory:") || strings.Contains(settings.URL, "mode=memory") {
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}

	rowLimit, err := intSetting(settings, "row_limit")
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DataSource{
		settings: settings,
		db:       db,
		rowLimit: rowLimit,
		log:      log.New("tsdb.sqleng", "uid", settings.UID),
	}, nil
}

func intSetting(settings plugins.InstanceSettings, key string) (int, error) {
	raw, ok := settings.JSONData[key]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errInvalidSettings.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func (ds *DataSource) Ref() models.DataSourceRef {
	return ds.settings.Ref()
}

func (ds *DataSource) Interval() string {
	return ds.settings.Interval
}

func (ds *DataSource) Dispose() {
	if err := ds.db.Close(); err != nil {
		ds.log.Warn("Failed to close database", "error", err)
	}
}

// Query runs the visible targets one after the other and sends one
// response per target. A failing statement becomes an error response
// for its target only.
func (ds *DataSource) Query(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
	visible := make([]models.DataQuery, 0, len(req.Targets))
	for _, target := range req.Targets {
		if !target.Hide {
			visible = append(visible, target)
		}
	}

	group := plugins.NewTargetGroup(sender, len(visible))
	for _, target := range visible {
		key := target.Key
		if key == "" {
			key = target.RefID
		}

		frame, err := ds.runTarget(ctx, req, target)
		if ctx.Err() != nil {
			return nil
		}
		resp := &models.DataQueryResponse{Key: key}
		if err != nil {
			var gfErr errutil.Error
			if !errors.As(err, &gfErr) {
				err = errQuery.Errorf("query %s failed: %w", target.RefID, err)
			}
			ds.log.Debug("Query failed", "refId", target.RefID, "error", err)
			resp.Error = &models.DataQueryError{Message: err.Error(), RefID: target.RefID, Err: err}
		} else {
			resp.Data = data.Frames{frame}
		}
		if err := group.Sender().Send(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}

func (ds *DataSource) runTarget(ctx context.Context, req *models.DataQueryRequest, target models.DataQuery) (*data.Frame, error) {
	model := queryModel{Format: FormatTimeSeries}
	if len(target.JSON) > 0 {
		if err := json.Unmarshal(target.JSON, &model); err != nil {
			return nil, errInvalidQuery.Errorf("failed to decode query %s: %w", target.RefID, err)
		}
	}
	if strings.TrimSpace(model.RawSQL) == "" {
		return nil, errInvalidQuery.Errorf("query %s has no rawSql", target.RefID)
	}
	if model.Format != FormatTimeSeries && model.Format != FormatTable {
		return nil, errInvalidQuery.Errorf("query %s has unknown format %q", target.RefID, model.Format)
	}

	sql, err := interpolate(model.RawSQL, req)
	if err != nil {
		return nil, err
	}

	rows, err := ds.db.QueryxContext(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	timeColumns := map[string]bool{}
	if model.Format == FormatTimeSeries {
		timeColumns["time"] = true
	}
	frame, err := rowsToFrame(rows, target.RefID, timeColumns, ds.rowLimit)
	if err != nil {
		return nil, err
	}

	if model.Format == FormatTimeSeries {
		frame, err = toTimeSeries(frame)
		if err != nil {
			return nil, errInvalidQuery.Errorf("query %s: %w", target.RefID, err)
		}
	}
	frame.Name = target.RefID
	frame.RefID = target.RefID
	frame.Meta = &data.FrameMeta{ExecutedQueryString: sql}
	return frame, nil
}

// toTimeSeries checks for a time column and turns long frames, where a
// string column names the series, into wide frames. Long results must be
// ordered by time.
func toTimeSeries(frame *data.Frame) (*data.Frame, error) {
	if _, idx := frame.FieldByName("time"); idx < 0 {
		return nil, errInvalidQuery.Errorf("time_series format requires a time column")
	}
	if frame.TimeSeriesSchema().Type != data.TimeSeriesTypeLong {
		return frame, nil
	}
	return data.LongToWide(withStringLabels(frame), nil)
}
