package blanking

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

func testTimeouts() Timeouts {
	return Timeouts{
		Dim:                 20 * time.Millisecond,
		Off:                 20 * time.Millisecond,
		LPMOff:              20 * time.Millisecond,
		PausePeriod:         20 * time.Millisecond,
		AdaptiveWindow:      20 * time.Millisecond,
		AfterBootDimFloor:   0,
		ActDeadDimCap:       10 * time.Millisecond,
		ActDeadOffCap:       5 * time.Millisecond,
		AdaptiveMultipliers: []float64{1, 2, 3},
	}
}

func TestRethinkTimersOnFiresDim(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	var mu sync.Mutex
	fired := false
	s := New(l, mcelog.Noop(), testTimeouts(), Callbacks{
		OnDim: func() {
			mu.Lock()
			fired = true
			mu.Unlock()
		},
	})

	s.RethinkTimers(true, Snapshot{Display: StateOn})

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.True(t, fired)
}

func TestInhibitStayOnSuppressesDim(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	var mu sync.Mutex
	fired := false
	s := New(l, mcelog.Noop(), testTimeouts(), Callbacks{
		OnDim: func() { mu.Lock(); fired = true; mu.Unlock() },
	})
	s.SetInhibitMode(InhibitStayOn)
	s.RethinkTimers(true, Snapshot{Display: StateOn})

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, fired, "STAY_ON inhibit must suppress the dim timer")
}

func TestRingingCallSuppressesDimOff(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	var mu sync.Mutex
	fired := false
	s := New(l, mcelog.Noop(), testTimeouts(), Callbacks{
		OnDim: func() { mu.Lock(); fired = true; mu.Unlock() },
	})
	s.RethinkTimers(true, Snapshot{Display: StateOn, Call: CallRinging})

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, fired)
}

func TestPauseClientActiveUntilPeriodExpires(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	expired := make(chan struct{}, 1)
	s := New(l, mcelog.Noop(), testTimeouts(), Callbacks{
		OnPauseExpire: func() { expired <- struct{}{} },
	})
	s.AddPauseClient()
	require.True(t, s.PauseActive())

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("pause period did not expire")
	}
	require.False(t, s.PauseActive())
}

func TestAdaptiveIndexResetsOnDimExit(t *testing.T) {
	s := New(nil, mcelog.Noop(), testTimeouts(), Callbacks{})
	s.SetAdaptiveEnabled(true)
	s.NoteActivity()
	s.NoteActivity()
	require.Equal(t, 2, s.adaptiveIndex)

	// Any RethinkTimers call observing a display state other than DIM or
	// LPM_ON/LPM_OFF resets
	// the index; exercised directly since RethinkTimers needs a loop.
	s.resetAdaptive()
	require.Equal(t, 0, s.adaptiveIndex)
}
