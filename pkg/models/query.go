package models

import (
	"encoding/json"
	"time"
)

// DataSourceRef identifies a data source instance.
type DataSourceRef struct {
	UID  string `json:"uid,omitempty"`
	Type string `json:"type,omitempty"`
}

// DataQuery is a single query target of a panel.
type DataQuery struct {
	// RefID is assigned by the caller and is not globally unique.
	RefID string `json:"refId"`
	// Key optionally groups the results of this target in the merged output.
	Key        string          `json:"key,omitempty"`
	QueryType  string          `json:"queryType,omitempty"`
	Hide       bool            `json:"hide,omitempty"`
	Datasource *DataSourceRef  `json:"datasource,omitempty"`
	JSON       json.RawMessage `json:"model,omitempty"`
}

// ScopedVar is a single template variable value scoped to a request.
type ScopedVar struct {
	Text  string `json:"text"`
	Value any    `json:"value"`
}

type ScopedVars map[string]ScopedVar

// Clone returns a shallow copy that can be extended without touching s.
func (s ScopedVars) Clone() ScopedVars {
	out := make(ScopedVars, len(s)+2)
	for k, v := range s {
		out[k] = v
	}
	return out
}

// DataQueryRequest is the immutable description of one query run.
type DataQueryRequest struct {
	App           string        `json:"app"`
	RequestID     string        `json:"requestId"`
	DashboardUID  string        `json:"dashboardUID,omitempty"`
	PanelID       int64         `json:"panelId,omitempty"`
	Timezone      string        `json:"timezone"`
	Range         TimeRange     `json:"range"`
	Targets       []DataQuery   `json:"targets"`
	Interval      string        `json:"interval"`
	IntervalMs    int64         `json:"intervalMs"`
	MaxDataPoints int64         `json:"maxDataPoints"`
	ScopedVars    ScopedVars    `json:"scopedVars"`
	CacheTimeout  string        `json:"cacheTimeout,omitempty"`
	// QueryCachingTTL overrides the data source caching TTL when positive.
	QueryCachingTTL time.Duration `json:"queryCachingTTL,omitempty"`
	StartTime       time.Time     `json:"startTime"`
}
