package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func runLoopAsync(t *testing.T, l *Loop) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not shut down")
		}
	}
}

func TestSubmitRunsOnLoopGoroutine(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	done := make(chan struct{})
	require.NoError(t, l.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}
}

func TestScheduleTimerFires(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	fired := make(chan struct{})
	l.ScheduleTimer("dim", 20*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelNamedStopsTimer(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	var mu sync.Mutex
	fired := false
	l.ScheduleTimer("off", 20*time.Millisecond, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	l.CancelNamed("off")

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, fired, "canceled timer must not fire")
}

func TestPendingCallResolve(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	pc := l.NewPendingCall(func(result any, err error) {
		resultCh <- result
		errCh <- err
	})

	l.Resolve(pc.ID, "enabled")

	require.Equal(t, "enabled", <-resultCh)
	require.NoError(t, <-errCh)
}

func TestCancelPendingCallSuppressesResult(t *testing.T) {
	l := newTestLoop(t)
	stop := runLoopAsync(t, l)
	defer stop()

	called := make(chan struct{}, 1)
	pc := l.NewPendingCall(func(any, error) { called <- struct{}{} })
	l.CancelPendingCall(pc.ID)
	l.Resolve(pc.ID, "late reply")

	select {
	case <-called:
		t.Fatal("canceled pending call must not invoke onResult")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRejectAllPendingOnShutdown(t *testing.T) {
	l := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	errCh := make(chan error, 1)
	l.NewPendingCall(func(_ any, err error) { errCh <- err })

	cancel()
	<-done

	require.ErrorIs(t, <-errCh, ErrClosed)
}
