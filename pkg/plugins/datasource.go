// Package plugins defines the contract between the query runner and the
// data source implementations under pkg/tsdb.
package plugins

import (
	"context"
	"time"

	"github.com/grafana/queryrunner/pkg/models"
)

// DataSource runs queries for one configured data source instance.
//
// Query blocks until the request is complete. It delivers results by
// calling sender zero or more times and returns nil on completion or an
// error on failure. A streaming data source keeps sending until ctx is
// cancelled; it must return promptly once ctx is done.
type DataSource interface {
	Ref() models.DataSourceRef
	Query(ctx context.Context, req *models.DataQueryRequest, sender ResponseSender) error
}

// IntervalProvider is implemented by data sources that configure a
// minimum query interval (the time_interval setting).
type IntervalProvider interface {
	Interval() string
}

// ResponseSender receives the responses of a running query.
type ResponseSender interface {
	// Send returns an error once the consumer has gone away, after which
	// the data source should stop.
	Send(ctx context.Context, resp *models.DataQueryResponse) error
}

// SenderFunc adapts a function to a ResponseSender.
type SenderFunc func(ctx context.Context, resp *models.DataQueryResponse) error

func (f SenderFunc) Send(ctx context.Context, resp *models.DataQueryResponse) error {
	return f(ctx, resp)
}

// InstanceSettings is the configuration of one data source instance.
type InstanceSettings struct {
	UID               string
	Name              string
	Type              string
	URL               string
	IsDefault         bool
	Interval          string
	TenantID          string
	BasicAuthUser     string
	BasicAuthPassword string
	QueryCachingTTL   time.Duration
	JSONData          map[string]string
}

// Ref returns the reference of the instance described by s.
func (s InstanceSettings) Ref() models.DataSourceRef {
	return models.DataSourceRef{UID: s.UID, Type: s.Type}
}

// Factory creates a data source instance of one plugin type.
type Factory func(settings InstanceSettings) (DataSource, error)

// Disposable is implemented by instances that hold resources which must
// be released when the instance is evicted.
type Disposable interface {
	Dispose()
}
