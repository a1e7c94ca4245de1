package loki

import (
	"fmt"
	"math"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	QueryTypeRange       = "range"
	QueryTypeInstant     = "instant"
	QueryTypeStream      = "stream"
	QueryTypeAnnotations = "annotations"
)

const (
	annotationsStream = "grafana_annotations"
	changesStream     = "grafana_annotations_changes"
)

// queryModel is the JSON model of a Loki target.
type queryModel struct {
	Expr         string `json:"expr"`
	QueryType    string `json:"queryType"`
	Direction    string `json:"direction"`
	MaxLines     int64  `json:"maxLines"`
	Step         string `json:"step"`
	LegendFormat string `json:"legendFormat"`
}

type queryResponse struct {
	Status    string    `json:"status"`
	Data      queryData `json:"data"`
	ErrorType string    `json:"errorType"`
	Error     string    `json:"error"`
}

type queryData struct {
	ResultType string              `json:"resultType"`
	Result     jsoniter.RawMessage `json:"result"`
}

const (
	resultTypeStreams = "streams"
	resultTypeMatrix  = "matrix"
	resultTypeVector  = "vector"
)

type streamResult struct {
	Stream map[string]string `json:"stream"`
	Values []logEntry        `json:"values"`
}

type matrixResult struct {
	Metric map[string]string `json:"metric"`
	Values []sample          `json:"values"`
}

type vectorResult struct {
	Metric map[string]string `json:"metric"`
	Value  sample            `json:"value"`
}

type tailResponse struct {
	Streams        []streamResult `json:"streams"`
	DroppedEntries []droppedEntry `json:"dropped_entries"`
}

type droppedEntry struct {
	Labels    map[string]string `json:"labels"`
	Timestamp string            `json:"timestamp"`
}

// logEntry is a [<unix ns string>, <line>, <optional metadata>] tuple.
type logEntry struct {
	T    time.Time
	Line string
}

func (e *logEntry) UnmarshalJSON(b []byte) error {
	var raw []any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("log entry has %d elements", len(raw))
	}
	ts, ok := raw[0].(string)
	if !ok {
		return fmt.Errorf("log entry timestamp is %T", raw[0])
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid log entry timestamp: %w", err)
	}
	line, ok := raw[1].(string)
	if !ok {
		return fmt.Errorf("log line is %T", raw[1])
	}
	e.T = time.Unix(0, ns).UTC()
	e.Line = line
	return nil
}

// sample is a [<unix seconds>, "<value>"] tuple.
type sample struct {
	T time.Time
	V float64
}

func (s *sample) UnmarshalJSON(b []byte) error {
	var raw [2]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ts, ok := raw[0].(float64)
	if !ok {
		return fmt.Errorf("sample timestamp is %T", raw[0])
	}
	str, ok := raw[1].(string)
	if !ok {
		return fmt.Errorf("sample value is %T", raw[1])
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return fmt.Errorf("invalid sample value: %w", err)
	}
	s.T = time.UnixMilli(int64(math.Round(ts * 1000))).UTC()
	s.V = v
	return nil
}

// annotationEntry is a line of the annotations stream.
type annotationEntry struct {
	ID           string   `json:"id"`
	OrgID        int64    `json:"org_id"`
	UserID       int64    `json:"user_id,omitempty"`
	DashboardUID string   `json:"dashboard_uid,omitempty"`
	PanelID      int64    `json:"panel_id,omitempty"`
	Text         string   `json:"text"`
	Tags         []string `json:"tags,omitempty"`
	Time         int64    `json:"time"`     // event start, ms
	TimeEnd      int64    `json:"time_end"` // event end, ms
	Created      int64    `json:"created"`  // ms
}

// changeEntry is a line of the changes stream.
type changeEntry struct {
	AnnotationID string   `json:"annotation_id"`
	Operation    string   `json:"operation"` // "update" or "delete"
	Created      int64    `json:"created"`
	Text         string   `json:"text,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Annotation is a merged annotation.
type Annotation struct {
	ID           int64
	DashboardUID string
	PanelID      int64
	Text         string
	Tags         []string
	Time         int64
	TimeEnd      int64
	Created      int64
}
