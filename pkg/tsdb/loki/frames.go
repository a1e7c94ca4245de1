package loki

import (
	"strings"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/data"
)

// responseToFrames converts a query response into frames tagged with refID.
func responseToFrames(res *queryResponse, refID, expr, legendFormat string) (data.Frames, error) {
	var frames data.Frames
	switch res.Data.ResultType {
	case resultTypeStreams:
		var streams []streamResult
		if err := json.Unmarshal(res.Data.Result, &streams); err != nil {
			return nil, errLokiResponse.Errorf("failed to decode streams: %w", err)
		}
		for _, s := range streams {
			frames = append(frames, streamFrame(s.Stream, s.Values))
		}

	case resultTypeMatrix:
		var matrix []matrixResult
		if err := json.Unmarshal(res.Data.Result, &matrix); err != nil {
			return nil, errLokiResponse.Errorf("failed to decode matrix: %w", err)
		}
		for _, m := range matrix {
			frames = append(frames, seriesFrame(m.Metric, m.Values, legendFormat))
		}

	case resultTypeVector:
		var vector []vectorResult
		if err := json.Unmarshal(res.Data.Result, &vector); err != nil {
			return nil, errLokiResponse.Errorf("failed to decode vector: %w", err)
		}
		for _, v := range vector {
			frames = append(frames, seriesFrame(v.Metric, []sample{v.Value}, legendFormat))
		}

	default:
		return nil, errLokiResponse.Errorf("unsupported result type %q", res.Data.ResultType)
	}

	if frames == nil {
		frames = data.Frames{}
	}
	for _, f := range frames {
		f.RefID = refID
		if f.Meta == nil {
			f.Meta = &data.FrameMeta{}
		}
		f.Meta.ExecutedQueryString = expr
	}
	return frames, nil
}

func streamFrame(labels map[string]string, entries []logEntry) *data.Frame {
	times := make([]time.Time, len(entries))
	lines := make([]string, len(entries))
	for i, e := range entries {
		times[i] = e.T
		lines[i] = e.Line
	}
	frame := data.NewFrame(formatLabels(labels),
		data.NewField("Time", nil, times),
		data.NewField("Line", data.Labels(labels), lines),
	)
	frame.Meta = &data.FrameMeta{PreferredVisualization: data.VisTypeLogs}
	return frame
}

func seriesFrame(labels map[string]string, samples []sample, legendFormat string) *data.Frame {
	times := make([]time.Time, len(samples))
	values := make([]float64, len(samples))
	for i, s := range samples {
		times[i] = s.T
		values[i] = s.V
	}
	name := formatLabels(labels)
	if legendFormat != "" {
		name = renderLegend(legendFormat, labels)
	}
	valueField := data.NewField("Value", data.Labels(labels), values)
	valueField.Config = &data.FieldConfig{DisplayNameFromDS: name}
	return data.NewFrame(name,
		data.NewField("Time", nil, times),
		valueField,
	)
}

// renderLegend replaces {{label}} references with label values.
func renderLegend(format string, labels map[string]string) string {
	out := format
	for k, v := range labels {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
		out = strings.ReplaceAll(out, "{{ "+k+" }}", v)
	}
	return out
}
