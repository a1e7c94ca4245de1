package queryrunner

import (
	"github.com/grafana/grafana-plugin-sdk-go/data"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/grafana/queryrunner/pkg/models"
)

// ResultMerger folds the responses of one request into a single frame
// list. Responses are grouped by merge key: a response replaces the frames
// previously stored under its key, and keys keep the position they had
// when first seen.
type ResultMerger struct {
	packets *orderedmap.OrderedMap[string, data.Frames]
}

// NewResultMerger creates an empty merger. Use one merger per request.
func NewResultMerger() *ResultMerger {
	return &ResultMerger{
		packets: orderedmap.New[string, data.Frames](),
	}
}

// Add stores the frames of resp under its merge key. A response without
// data clears the key but keeps its position.
func (m *ResultMerger) Add(resp *models.DataQueryResponse) {
	m.packets.Set(resp.MergeKey(), resp.Data)
}

// Keys returns the merge keys in first-seen order.
func (m *ResultMerger) Keys() []string {
	keys := make([]string, 0, m.packets.Len())
	for pair := m.packets.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Frames returns every stored frame, in key order. The returned slice is
// new on every call.
func (m *ResultMerger) Frames() data.Frames {
	frames := make(data.Frames, 0)
	for pair := m.packets.Oldest(); pair != nil; pair = pair.Next() {
		for _, frame := range pair.Value {
			if frame != nil {
				frames = append(frames, frame)
			}
		}
	}
	return frames
}

// IsAnnotationFrame reports whether frame belongs to the annotations topic.
func IsAnnotationFrame(frame *data.Frame) bool {
	return frame.Meta != nil && frame.Meta.DataTopic == data.DataTopicAnnotations
}

// Partition splits frames into series and annotations, keeping order.
// Both results are non-nil.
func Partition(frames data.Frames) (series data.Frames, annotations data.Frames) {
	series = make(data.Frames, 0, len(frames))
	annotations = make(data.Frames, 0)
	for _, frame := range frames {
		if IsAnnotationFrame(frame) {
			annotations = append(annotations, frame)
			continue
		}
		series = append(series, frame)
	}
	return series, annotations
}
