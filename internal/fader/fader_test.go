package fader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
)

func newRunningLoop(t *testing.T) (*loop.Loop, func()) {
	t.Helper()
	l, err := loop.New(mcelog.Noop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	return l, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not shut down")
		}
		_ = l.Close()
	}
}

func TestSmallDeltaSnapsImmediately(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	var mu sync.Mutex
	var written []int
	f := New(l, mcelog.Noop(), func(lv int) error {
		mu.Lock()
		written = append(written, lv)
		mu.Unlock()
		return nil
	}, 50)

	f.SetFadeTarget(TypeDefault, 51, 1000)
	require.True(t, f.Idle(), "a 1-unit delta must apply immediately, not fade")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{51}, written)
}

func TestFadeInterpolatesAndSettles(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	settled := make(chan Type, 1)
	f := New(l, mcelog.Noop(), func(int) error { return nil }, 0)
	f.OnSettled = func(t Type) { settled <- t }

	f.SetFadeTarget(TypeDefault, 100, 40)
	require.False(t, f.Idle())

	select {
	case typ := <-settled:
		require.Equal(t, TypeDefault, typ)
	case <-time.After(time.Second):
		t.Fatal("fade never settled")
	}
	require.True(t, f.Idle())
	require.Equal(t, 100, f.Current())
}

func TestBlankCannotBeInterrupted(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	f := New(l, mcelog.Noop(), func(int) error { return nil }, 100)
	f.SetFadeTarget(TypeBlank, 0, 200)
	require.False(t, f.Idle())

	f.SetFadeTarget(TypeDefault, 80, 10)
	require.Equal(t, TypeBlank, f.active.typ, "BLANK must reject every interrupt")
}

func TestUnblankOnlyAcceptsUnblank(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	f := New(l, mcelog.Noop(), func(int) error { return nil }, 0)
	f.SetFadeTarget(TypeUnblank, 100, 200)
	require.False(t, f.Idle())

	f.SetFadeTarget(TypeALS, 90, 10)
	require.Equal(t, TypeUnblank, f.active.typ)

	f.SetFadeTarget(TypeUnblank, 95, 200)
	require.Equal(t, 95, f.active.target)
}

func TestDimLevelTakesMinOfStaticAndDynamic(t *testing.T) {
	l := Levels{OnLevel: 80, DimStaticPercent: 30, DimDynamicPercent: 50}
	require.Equal(t, 30, l.DimLevel()) // dynamic = 40, static = 30 -> min is 30

	l2 := Levels{OnLevel: 40, DimStaticPercent: 30, DimDynamicPercent: 50}
	require.Equal(t, 20, l2.DimLevel()) // dynamic = 20, static = 30 -> min is 20
}

func TestHBMTriggerAndLinger(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	f := New(l, mcelog.Noop(), func(int) error { return nil }, 0)
	f.Levels.OnLevel = 40
	h := NewHBM(f, l)

	h.Trigger(100, 20*time.Millisecond)
	require.True(t, h.Active())
	require.Equal(t, 100, f.Current())

	time.Sleep(60 * time.Millisecond)
	require.False(t, h.Active())
	require.Equal(t, 40, f.Current())
}
