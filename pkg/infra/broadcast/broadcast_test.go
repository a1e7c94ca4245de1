package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func requireClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func requireNothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v, ok := <-ch:
		t.Fatalf("unexpected receive %v (open=%v)", v, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplayLatest(t *testing.T) {
	t.Run("subscriber before first publish gets nothing until publish", func(t *testing.T) {
		b := NewReplayLatest[int]()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch := b.Subscribe(ctx)
		requireNothing(t, ch)

		b.Publish(1)
		require.Equal(t, 1, receive(t, ch))
	})

	t.Run("late subscriber receives latest then new values", func(t *testing.T) {
		b := NewReplayLatest[int]()
		b.Publish(1)
		b.Publish(2)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := b.Subscribe(ctx)
		require.Equal(t, 2, receive(t, ch))

		b.Publish(3)
		require.Equal(t, 3, receive(t, ch))
		requireNothing(t, ch)
	})

	t.Run("slow subscriber keeps order and does not block publisher", func(t *testing.T) {
		b := NewReplayLatest[int]()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := b.Subscribe(ctx)

		for i := 0; i < 100; i++ {
			require.True(t, b.Publish(i))
		}
		for i := 0; i < 100; i++ {
			require.Equal(t, i, receive(t, ch))
		}
	})

	t.Run("cancelled subscription is closed and removed", func(t *testing.T) {
		b := NewReplayLatest[int]()
		ctx, cancel := context.WithCancel(context.Background())
		ch := b.Subscribe(ctx)
		require.Equal(t, 1, b.Subscribers())

		cancel()
		requireClosed(t, ch)
		require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("close drains queued values then closes", func(t *testing.T) {
		b := NewReplayLatest[string]()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := b.Subscribe(ctx)

		b.Publish("a")
		b.Publish("b")
		b.Close()

		require.Equal(t, "a", receive(t, ch))
		require.Equal(t, "b", receive(t, ch))
		requireClosed(t, ch)

		require.False(t, b.Publish("c"))
		requireClosed(t, b.Subscribe(ctx))

		latest, ok := b.Latest()
		require.True(t, ok)
		require.Equal(t, "b", latest)
	})

	t.Run("independent subscribers", func(t *testing.T) {
		b := NewReplayLatest[int]()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var wg sync.WaitGroup
		results := make([][]int, 3)
		for i := range results {
			ch := b.Subscribe(ctx)
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for v := range ch {
					results[i] = append(results[i], v)
					if v == 9 {
						return
					}
				}
			}(i)
		}
		for i := 0; i < 10; i++ {
			b.Publish(i)
		}
		wg.Wait()
		for _, r := range results {
			require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, r)
		}
	})
}
