package loki

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/data"

	"github.com/grafana/queryrunner/pkg/models"
)

const (
	operationUpdate = "update"
	operationDelete = "delete"

	changesQueryLimit = 10000
)

// queryAnnotations reads the annotations of the request's dashboard and
// panel from the main stream and folds the changes stream into them.
func (ds *DataSource) queryAnnotations(ctx context.Context, req *models.DataQueryRequest, model *queryModel) (*data.Frame, error) {
	selectors := [][3]string{{"stream", "=", annotationsStream}}
	if req.DashboardUID != "" {
		selectors = append(selectors, [3]string{"dashboard_uid", "=", req.DashboardUID})
	}
	if req.PanelID > 0 {
		selectors = append(selectors, [3]string{"panel_id", "=", strconv.FormatInt(req.PanelID, 10)})
	}
	mainQuery, err := selectorString(selectors)
	if err != nil {
		return nil, err
	}

	res, err := ds.client.rangeQuery(ctx, mainQuery, req.Range.From, req.Range.To, model.MaxLines, 0, "")
	if err != nil {
		return nil, err
	}
	entries := make([]*annotationEntry, 0)
	if err := decodeLines(res, func(line string) error {
		var e annotationEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return err
		}
		entries = append(entries, &e)
		return nil
	}); err != nil {
		ds.log.Debug("Skipped annotation entries", "error", err)
	}

	// Changes are matched by annotation id, not time, so the whole
	// stream is read.
	changesQuery, _ := selectorString([][3]string{{"stream", "=", changesStream}})
	res, err = ds.client.rangeQuery(ctx, changesQuery, time.Unix(0, 0), ds.clock.Now(), changesQueryLimit, 0, "")
	if err != nil {
		return nil, err
	}
	changes := make([]*changeEntry, 0)
	if err := decodeLines(res, func(line string) error {
		var c changeEntry
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return err
		}
		changes = append(changes, &c)
		return nil
	}); err != nil {
		ds.log.Debug("Skipped change entries", "error", err)
	}

	merged := mergeAnnotations(entries, changes, model.MaxLines)
	return annotationsFrame(merged), nil
}

// decodeLines calls fn for every log line of a streams response. Lines
// that fail to decode are skipped; the last error is returned.
func decodeLines(res *queryResponse, fn func(line string) error) error {
	if res.Data.ResultType != resultTypeStreams {
		return errLokiResponse.Errorf("expected streams, got %q", res.Data.ResultType)
	}
	var streams []streamResult
	if err := json.Unmarshal(res.Data.Result, &streams); err != nil {
		return errLokiResponse.Errorf("failed to decode streams: %w", err)
	}
	var lastErr error
	for _, s := range streams {
		for _, e := range s.Values {
			if err := fn(e.Line); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// mergeAnnotations applies the latest change of every annotation. Deleted
// annotations are dropped; time fields cannot be changed. The result is
// sorted by time, newest first, and cut to limit when positive.
func mergeAnnotations(entries []*annotationEntry, changes []*changeEntry, limit int64) []*Annotation {
	latest := make(map[string]*changeEntry, len(changes))
	for _, c := range changes {
		if existing, ok := latest[c.AnnotationID]; !ok || c.Created > existing.Created {
			latest[c.AnnotationID] = c
		}
	}

	result := make([]*Annotation, 0, len(entries))
	for _, e := range entries {
		ann := toAnnotation(e)
		if c, ok := latest[e.ID]; ok {
			switch c.Operation {
			case operationDelete:
				continue
			case operationUpdate:
				if c.Text != "" {
					ann.Text = c.Text
				}
				if c.Tags != nil {
					ann.Tags = c.Tags
				}
			}
		}
		result = append(result, ann)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Time != result[j].Time {
			return result[i].Time > result[j].Time
		}
		return result[i].TimeEnd > result[j].TimeEnd
	})

	if limit > 0 && int64(len(result)) > limit {
		result = result[:limit]
	}
	return result
}

func toAnnotation(e *annotationEntry) *Annotation {
	ann := &Annotation{
		DashboardUID: e.DashboardUID,
		PanelID:      e.PanelID,
		Text:         e.Text,
		Tags:         e.Tags,
		Time:         e.Time,
		TimeEnd:      e.TimeEnd,
		Created:      e.Created,
	}
	if id, ok := strings.CutPrefix(e.ID, "ann-"); ok {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			ann.ID = n
		}
	}
	return ann
}

func annotationsFrame(anns []*Annotation) *data.Frame {
	ids := make([]int64, len(anns))
	times := make([]time.Time, len(anns))
	timeEnds := make([]time.Time, len(anns))
	texts := make([]string, len(anns))
	tags := make([]string, len(anns))
	for i, a := range anns {
		ids[i] = a.ID
		times[i] = time.UnixMilli(a.Time).UTC()
		timeEnds[i] = time.UnixMilli(a.TimeEnd).UTC()
		texts[i] = a.Text
		t := a.Tags
		if t == nil {
			t = []string{}
		}
		b, _ := json.Marshal(t)
		tags[i] = string(b)
	}
	frame := data.NewFrame("annotations",
		data.NewField("id", nil, ids),
		data.NewField("time", nil, times),
		data.NewField("timeEnd", nil, timeEnds),
		data.NewField("text", nil, texts),
		data.NewField("tags", nil, tags),
	)
	frame.SetMeta(&data.FrameMeta{DataTopic: data.DataTopicAnnotations})
	return frame
}
