package dskitadapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"

	"github.com/grafana/queryrunner/pkg/registry"
)

type fakeRunner struct {
	started  atomic.Bool
	disabled bool
}

func (f *fakeRunner) Run(ctx context.Context) error {
	f.started.Store(true)
	<-ctx.Done()
	return nil
}

func (f *fakeRunner) IsDisabled() bool {
	return f.disabled
}

type failingRunner struct{}

func (failingRunner) Run(context.Context) error {
	return errors.New("boom")
}

func runAsync(t *testing.T, m *ManagerAdapter, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	return done
}

func TestManagerAdapter_Run(t *testing.T) {
	t.Run("runs plain and dskit services until cancelled", func(t *testing.T) {
		runner := &fakeRunner{}
		disabled := &fakeRunner{disabled: true}
		var ticks atomic.Int32
		timer := services.NewTimerService(5*time.Millisecond, nil, func(context.Context) error {
			ticks.Add(1)
			return nil
		}, nil).WithName("ticker")

		reg := registry.NewBackgroundServiceRegistry()
		reg.AddRunner(runner, disabled)
		reg.AddService(timer)

		ctx, cancel := context.WithCancel(context.Background())
		m := NewManagerAdapter(reg)
		done := runAsync(t, m, ctx)

		require.Eventually(t, func() bool {
			return runner.started.Load() && ticks.Load() >= 2
		}, 5*time.Second, 5*time.Millisecond)
		require.False(t, disabled.started.Load())

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("manager did not stop")
		}
		require.Equal(t, services.Terminated, timer.State())
	})

	t.Run("a failing service stops the others", func(t *testing.T) {
		healthy := &fakeRunner{}
		reg := registry.NewBackgroundServiceRegistry()
		reg.AddRunner(healthy, failingRunner{})

		m := NewManagerAdapter(reg)
		done := runAsync(t, m, context.Background())

		select {
		case err := <-done:
			require.ErrorContains(t, err, "boom")
		case <-time.After(5 * time.Second):
			t.Fatal("manager did not stop")
		}
	})

	t.Run("no services waits for the context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		m := NewManagerAdapter(registry.NewBackgroundServiceRegistry())
		done := runAsync(t, m, ctx)

		select {
		case <-done:
			t.Fatal("returned before cancellation")
		case <-time.After(20 * time.Millisecond):
		}
		cancel()
		require.NoError(t, <-done)
	})
}

func TestManagerAdapter_Shutdown(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		m := NewManagerAdapter(registry.NewBackgroundServiceRegistry())
		require.ErrorIs(t, m.Shutdown(context.Background(), "test"), ErrNotRunning)
	})

	t.Run("stops running services", func(t *testing.T) {
		runner := &fakeRunner{}
		reg := registry.NewBackgroundServiceRegistry()
		reg.AddRunner(runner)

		m := NewManagerAdapter(reg)
		done := runAsync(t, m, context.Background())
		require.Eventually(t, runner.started.Load, 5*time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx, "test"))
		require.NoError(t, <-done)
	})
}

func TestAsNamedService(t *testing.T) {
	svc := asNamedService(&fakeRunner{})
	require.Equal(t, "*dskitadapter.fakeRunner", svc.ServiceName())
}
