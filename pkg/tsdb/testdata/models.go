package testdata

import (
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/gtime"
	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/queryrunner/pkg/models"
)

const (
	ScenarioRandomWalk   = "random_walk"
	ScenarioStreaming    = "streaming"
	ScenarioAnnotations  = "annotations"
	ScenarioSlowQuery    = "slow_query"
	ScenarioServerError  = "server_error"
	ScenarioNoDataPoints = "no_data_points"
)

// Query is the JSON model of a testdata target.
type Query struct {
	ScenarioID  string   `json:"scenarioId"`
	SeriesCount int      `json:"seriesCount"`
	Alias       string   `json:"alias"`
	StartValue  float64  `json:"startValue"`
	Spread      float64  `json:"spread"`
	Min         *float64 `json:"min"`
	Max         *float64 `json:"max"`
	Seed        int64    `json:"seed"`

	// Delay applies to slow_query, e.g. "5s".
	Delay string `json:"delay"`
	// StreamInterval is the tick of the streaming scenario.
	StreamInterval string `json:"streamInterval"`
	// StreamTicks stops the stream after that many points when positive.
	StreamTicks int `json:"streamTicks"`

	ErrorMessage string   `json:"errorMessage"`
	Text         string   `json:"text"`
	Tags         []string `json:"tags"`

	delay          time.Duration
	streamInterval time.Duration
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func parseQuery(q models.DataQuery) (*Query, error) {
	model := &Query{
		ScenarioID:  ScenarioRandomWalk,
		SeriesCount: 1,
		Spread:      1,
	}
	if len(q.JSON) > 0 {
		if err := json.Unmarshal(q.JSON, model); err != nil {
			return nil, errInvalidQuery.Errorf("failed to decode query %s: %w", q.RefID, err)
		}
	}
	if q.QueryType != "" && model.ScenarioID == ScenarioRandomWalk {
		model.ScenarioID = q.QueryType
	}
	if model.SeriesCount <= 0 {
		model.SeriesCount = 1
	}

	var err error
	if model.Delay != "" {
		if model.delay, err = gtime.ParseDuration(model.Delay); err != nil {
			return nil, errInvalidQuery.Errorf("invalid delay %q: %w", model.Delay, err)
		}
	}
	model.streamInterval = time.Second
	if model.StreamInterval != "" {
		if model.streamInterval, err = gtime.ParseDuration(model.StreamInterval); err != nil {
			return nil, errInvalidQuery.Errorf("invalid stream interval %q: %w", model.StreamInterval, err)
		}
		if model.streamInterval <= 0 {
			return nil, errInvalidQuery.Errorf("stream interval must be positive")
		}
	}
	return model, nil
}
