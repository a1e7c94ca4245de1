package queryrunner

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/data"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/queryrunner/pkg/models"
	"github.com/grafana/queryrunner/pkg/plugins"
)

func TestRequestRunner_EmptyTargets(t *testing.T) {
	rr, _ := newTestRequestRunner()
	ds := newFakeDataSource("ds1", nil)

	out := collect(t, rr.Run(context.Background(), ds, newRequest()))

	require.Len(t, out, 1)
	assert.Equal(t, models.LoadingStateDone, out[0].State)
	assert.NotNil(t, out[0].Series)
	assert.Empty(t, out[0].Series)
	assert.Equal(t, 1, out[0].StructureRev)
	assert.Zero(t, ds.calls.Load())
}

func TestRequestRunner_LoadingPlaceholder(t *testing.T) {
	rr, clk := newTestRequestRunner()
	release := make(chan struct{})
	ds := newFakeDataSource("ds1", func(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return send(ctx, sender, &models.DataQueryResponse{Data: data.Frames{timeValueFrame("A", 1)}})
	})
	req := newRequest("A")

	ch := rr.Run(context.Background(), ds, req)
	ds.waitCalled(t)

	clk.Add(249 * time.Millisecond)
	requireNoSnapshot(t, ch)

	clk.Add(time.Millisecond)
	loading := next(t, ch)
	assert.Equal(t, models.LoadingStateLoading, loading.State)
	assert.Nil(t, loading.Series)
	assert.Same(t, req, loading.Request)
	assert.Equal(t, 1, loading.StructureRev)

	close(release)
	done := next(t, ch)
	assert.Equal(t, models.LoadingStateDone, done.State)
	assert.Equal(t, []string{"A"}, frameNames(done.Series))
	assert.Equal(t, 1, done.StructureRev)
	requireClosed(t, ch)
}

func TestRequestRunner_NoPlaceholderWhenFirstEventIsFast(t *testing.T) {
	rr, clk := newTestRequestRunner()
	step := make(chan struct{})
	ds := newFakeDataSource("ds1", func(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
		if err := send(ctx, sender, &models.DataQueryResponse{State: models.LoadingStateStreaming, Data: data.Frames{timeValueFrame("A", 1)}}); err != nil {
			return err
		}
		<-step
		return send(ctx, sender, &models.DataQueryResponse{State: models.LoadingStateDone, Data: data.Frames{timeValueFrame("A", 2)}})
	})

	ch := rr.Run(context.Background(), ds, newRequest("A"))
	first := next(t, ch)
	assert.Equal(t, models.LoadingStateStreaming, first.State)

	// The timer was stopped by the first event.
	clk.Add(time.Second)
	requireNoSnapshot(t, ch)

	close(step)
	last := next(t, ch)
	assert.Equal(t, models.LoadingStateDone, last.State)
	requireClosed(t, ch)
}

func TestRequestRunner_MergesAndTracksStructure(t *testing.T) {
	rr, _ := newTestRequestRunner()
	withExtra := timeValueFrame("A", 1)
	withExtra.Fields = append(withExtra.Fields, data.NewField("host", nil, []string{"a"}))
	withExtra.Name = "A3"

	events := []*models.DataQueryResponse{
		{State: models.LoadingStateStreaming, Data: data.Frames{timeValueFrame("A", 1)}},
		{State: models.LoadingStateStreaming, Data: data.Frames{timeValueFrame("A", 7, 8)}},
		{State: models.LoadingStateStreaming, Data: data.Frames{timeValueFrame("B", 1)}},
		{State: models.LoadingStateStreaming, Data: data.Frames{withExtra}},
		{State: models.LoadingStateStreaming, Key: "ann", Data: data.Frames{annotationFrame("C")}},
		{Key: "B"},
	}
	ds := newFakeDataSource("ds1", func(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
		for _, e := range events {
			if err := send(ctx, sender, e); err != nil {
				return err
			}
		}
		return nil
	})

	out := collect(t, rr.Run(context.Background(), ds, newRequest("A", "B")))
	require.Len(t, out, len(events))

	revs := make([]int, 0, len(out))
	for _, pd := range out {
		revs = append(revs, pd.StructureRev)
	}
	assert.Equal(t, []int{1, 1, 2, 3, 3, 4}, revs)

	assert.Equal(t, []string{"A"}, frameNames(out[1].Series))
	assert.Equal(t, []string{"A", "B"}, frameNames(out[2].Series))
	assert.Equal(t, []string{"A3", "B"}, frameNames(out[3].Series))

	assert.Equal(t, []string{"A3", "B"}, frameNames(out[4].Series))
	assert.Equal(t, []string{"annotations"}, frameNames(out[4].Annotations))

	assert.Equal(t, []string{"A3"}, frameNames(out[5].Series))
	assert.Equal(t, models.LoadingStateDone, out[5].State)
}

func TestRequestRunner_ErrorEventTerminates(t *testing.T) {
	rr, _ := newTestRequestRunner()
	dsErr := errors.New("bad query")
	upstreamCancelled := make(chan error, 1)
	ds := newFakeDataSource("ds1", func(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
		if err := send(ctx, sender, &models.DataQueryResponse{State: models.LoadingStateStreaming, Data: data.Frames{timeValueFrame("A", 1)}}); err != nil {
			return err
		}
		if err := send(ctx, sender, &models.DataQueryResponse{Key: "B", Error: dsErr}); err != nil {
			return err
		}
		<-ctx.Done()
		upstreamCancelled <- send(ctx, sender, &models.DataQueryResponse{Data: data.Frames{timeValueFrame("A", 2)}})
		return nil
	})

	out := collect(t, rr.Run(context.Background(), ds, newRequest("A", "B")))

	require.Len(t, out, 2)
	assert.Equal(t, models.LoadingStateStreaming, out[0].State)
	assert.Equal(t, models.LoadingStateError, out[1].State)
	require.NotNil(t, out[1].Error)
	assert.ErrorIs(t, out[1].Error, dsErr)
	assert.Equal(t, []string{"A"}, frameNames(out[1].Series))

	select {
	case err := <-upstreamCancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("data source was not cancelled")
	}
}

func TestRequestRunner_QueryFailure(t *testing.T) {
	t.Run("returned error", func(t *testing.T) {
		rr, _ := newTestRequestRunner()
		boom := errors.New("boom")
		ds := newFakeDataSource("ds1", func(context.Context, *models.DataQueryRequest, plugins.ResponseSender) error {
			return boom
		})

		out := collect(t, rr.Run(context.Background(), ds, newRequest("A")))

		require.Len(t, out, 1)
		assert.Equal(t, models.LoadingStateError, out[0].State)
		require.NotNil(t, out[0].Error)
		assert.ErrorIs(t, out[0].Error, boom)
		assert.Contains(t, out[0].Error.Message, "ds1")
	})

	t.Run("panic", func(t *testing.T) {
		rr, _ := newTestRequestRunner()
		ds := newFakeDataSource("ds1", func(context.Context, *models.DataQueryRequest, plugins.ResponseSender) error {
			panic("nil map")
		})

		out := collect(t, rr.Run(context.Background(), ds, newRequest("A")))

		require.Len(t, out, 1)
		assert.Equal(t, models.LoadingStateError, out[0].State)
		require.NotNil(t, out[0].Error)
		assert.ErrorIs(t, out[0].Error, errQueryPanic)
		assert.Contains(t, out[0].Error.Message, "nil map")
	})
}

func TestRequestRunner_CompletesWithoutEvents(t *testing.T) {
	rr, _ := newTestRequestRunner()
	ds := newFakeDataSource("ds1", nil)

	out := collect(t, rr.Run(context.Background(), ds, newRequest("A")))

	require.Len(t, out, 1)
	assert.Equal(t, models.LoadingStateDone, out[0].State)
	assert.NotNil(t, out[0].Series)
	assert.Empty(t, out[0].Series)
	assert.Nil(t, out[0].Error)
}

func TestRequestRunner_ResolvesRelativeRangePerEmission(t *testing.T) {
	rr, clk := newTestRequestRunner()
	step := make(chan struct{})
	ds := newFakeDataSource("ds1", func(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
		if err := send(ctx, sender, &models.DataQueryResponse{State: models.LoadingStateStreaming, Data: data.Frames{timeValueFrame("A", 1)}}); err != nil {
			return err
		}
		<-step
		return send(ctx, sender, &models.DataQueryResponse{Data: data.Frames{timeValueFrame("A", 2)}})
	})
	req := newRequest("A")
	before := *req
	before.Targets = slices.Clone(req.Targets)

	ch := rr.Run(context.Background(), ds, req)
	first := next(t, ch)
	clk.Add(time.Minute)
	close(step)
	second := next(t, ch)
	requireClosed(t, ch)

	assert.True(t, first.TimeRange.To.Equal(testNow), "got %s", first.TimeRange.To)
	assert.True(t, second.TimeRange.To.Equal(testNow.Add(time.Minute)), "got %s", second.TimeRange.To)
	assert.True(t, second.TimeRange.From.Equal(testNow.Add(-time.Hour+time.Minute)), "got %s", second.TimeRange.From)
	assert.Equal(t, before, *req)
}

func TestRequestRunner_AbsoluteRangeIsReused(t *testing.T) {
	rr, clk := newTestRequestRunner()
	clk.Add(time.Hour)
	ds := newFakeDataSource("ds1", func(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
		return send(ctx, sender, &models.DataQueryResponse{Data: data.Frames{timeValueFrame("A", 1)}})
	})
	req := newRequest("A")
	req.Range = absoluteRange()

	out := collect(t, rr.Run(context.Background(), ds, req))

	require.Len(t, out, 1)
	assert.True(t, out[0].TimeRange.From.Equal(req.Range.From))
	assert.True(t, out[0].TimeRange.To.Equal(req.Range.To))
}

func TestRequestRunner_Cancellation(t *testing.T) {
	rr, _ := newTestRequestRunner()
	returned := make(chan struct{})
	ds := newFakeDataSource("ds1", func(ctx context.Context, req *models.DataQueryRequest, sender plugins.ResponseSender) error {
		defer close(returned)
		if err := send(ctx, sender, &models.DataQueryResponse{State: models.LoadingStateStreaming, Data: data.Frames{timeValueFrame("A", 1)}}); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch := rr.Run(ctx, ds, newRequest("A"))
	first := next(t, ch)
	assert.Equal(t, models.LoadingStateStreaming, first.State)

	cancel()
	requireClosed(t, ch)
	select {
	case <-returned:
	default:
		t.Fatal("channel closed before the data source returned")
	}
}
