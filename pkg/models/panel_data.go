package models

import (
	"errors"
	"fmt"

	"github.com/grafana/grafana-plugin-sdk-go/data"
)

// LoadingState is the state of a panel data snapshot.
type LoadingState string

const (
	LoadingStateNotStarted LoadingState = "NotStarted"
	LoadingStateLoading    LoadingState = "Loading"
	LoadingStateStreaming  LoadingState = "Streaming"
	LoadingStateDone       LoadingState = "Done"
	LoadingStateError      LoadingState = "Error"
)

// DataQueryResponse is one event emitted by a data source. A data source
// may emit any number of them for a single request.
type DataQueryResponse struct {
	Data data.Frames
	// Key selects the merge slot for Data. When empty the RefID of the
	// first frame is used.
	Key string
	// State is optional; the runner reports Done when it is empty.
	State LoadingState
	Error error
}

// MergeKey returns the key the frames of this response are merged under.
func (r *DataQueryResponse) MergeKey() string {
	if r.Key != "" {
		return r.Key
	}
	if len(r.Data) > 0 && r.Data[0] != nil {
		return r.Data[0].RefID
	}
	return ""
}

// DataQueryError is the error attached to an Error snapshot.
type DataQueryError struct {
	Message string
	RefID   string
	Status  int
	Err     error
}

func (e *DataQueryError) Error() string {
	if e.RefID != "" {
		return fmt.Sprintf("%s: %s", e.RefID, e.Message)
	}
	return e.Message
}

func (e *DataQueryError) Unwrap() error {
	return e.Err
}

// ToDataQueryError converts err into a *DataQueryError, keeping err reachable
// through errors.Is and errors.As.
func ToDataQueryError(err error) *DataQueryError {
	if err == nil {
		return nil
	}
	var dqErr *DataQueryError
	if errors.As(err, &dqErr) {
		return dqErr
	}
	return &DataQueryError{Message: err.Error(), Err: err}
}

// PanelData is a snapshot of the merged results of one request.
// Snapshots are never mutated after publication; frames may be shared
// between consecutive snapshots.
type PanelData struct {
	State       LoadingState
	Series      data.Frames
	Annotations data.Frames
	Request     *DataQueryRequest
	TimeRange   TimeRange
	Error       *DataQueryError
	// StructureRev increases whenever the shape of Series changes.
	StructureRev int
}

// WithState returns a copy of p with the state replaced.
func (p *PanelData) WithState(state LoadingState) *PanelData {
	cp := *p
	cp.State = state
	return &cp
}
