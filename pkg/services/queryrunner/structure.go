package queryrunner

import (
	"github.com/grafana/grafana-plugin-sdk-go/data"

	"github.com/grafana/queryrunner/pkg/models"
)

// StructureRevisionTracker assigns StructureRev to the snapshots of one
// request lifecycle. The revision starts at 1 and increases by one each
// time the ordered series list changes shape: a different number of
// frames, or a frame whose fields differ in count, name, type or order.
// Field values and annotations are not considered.
type StructureRevisionTracker struct {
	last *models.PanelData
}

// Apply sets pd.StructureRev from the previously applied snapshot and
// remembers pd. It must be called exactly once per snapshot, before the
// snapshot is published.
func (t *StructureRevisionTracker) Apply(pd *models.PanelData) *models.PanelData {
	rev := 1
	if last := t.last; last != nil && last.StructureRev > 0 && last.Series != nil {
		rev = last.StructureRev
		if !SameStructure(pd.Series, last.Series) {
			rev++
		}
	}
	pd.StructureRev = rev
	t.last = pd
	return pd
}

// SameStructure reports whether a and b have the same shape position by
// position.
func SameStructure(a, b data.Frames) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameFrameStructure(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameFrameStructure(a, b *data.Frame) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		fa, fb := a.Fields[i], b.Fields[i]
		if fa.Name != fb.Name || fa.Type() != fb.Type() {
			return false
		}
	}
	return true
}
