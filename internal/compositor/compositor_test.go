package compositor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
)

type fakePeer struct {
	onCall func(enabled bool, pc *loop.PendingCall)
}

func (p *fakePeer) SetUpdatesEnabled(enabled bool, pc *loop.PendingCall) error {
	if p.onCall != nil {
		p.onCall(enabled, pc)
	}
	return nil
}

type fakeLED struct {
	panicOn, yellowOn bool
}

func (l *fakeLED) PanicOn()  { l.panicOn = true }
func (l *fakeLED) PanicOff() { l.panicOn = false }
func (l *fakeLED) YellowOn() { l.yellowOn = true }
func (l *fakeLED) YellowOff() { l.yellowOn = false }

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

func TestRequestEnabledResolvesToEnabled(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	peer := &fakePeer{onCall: func(enabled bool, pc *loop.PendingCall) {
		require.True(t, enabled)
		l.Resolve(pc.ID, StateEnabled)
	}}
	c := New(l, mcelog.Noop(), peer, nil)
	c.RequestEnabled(true)

	require.Eventually(t, func() bool { return c.UIState() == StateEnabled }, time.Second, time.Millisecond)
}

func TestSecondRequestWhileInFlightIsNoop(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	calls := 0
	peer := &fakePeer{onCall: func(bool, *loop.PendingCall) { calls++ }}
	c := New(l, mcelog.Noop(), peer, nil)
	c.RequestEnabled(true)
	c.RequestEnabled(true)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, calls)
}

func TestBusNameAppearedResendsTrue(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	var lastEnabled bool
	peer := &fakePeer{onCall: func(enabled bool, pc *loop.PendingCall) {
		lastEnabled = enabled
		l.Resolve(pc.ID, StateEnabled)
	}}
	c := New(l, mcelog.Noop(), peer, nil)
	c.BusNameAppeared(1234)

	require.Eventually(t, func() bool { return c.UIState() == StateEnabled }, time.Second, time.Millisecond)
	require.True(t, lastEnabled)
}

func TestBusNameLostCancelsWatchdogAndRecycles(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	recycled := make(chan struct{}, 1)
	peer := &fakePeer{onCall: func(bool, *loop.PendingCall) {}}
	c := New(l, mcelog.Noop(), peer, nil)
	c.FramebufferRecycle = func() { recycled <- struct{}{} }
	c.RequestEnabled(true)

	c.BusNameLost()

	select {
	case <-recycled:
	case <-time.After(time.Second):
		t.Fatal("framebuffer recycle callback was not invoked")
	}
	require.Equal(t, StateUnknown, c.UIState())
}

func TestWatchdogArmsLEDOnTimeout(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	led := &fakeLED{}
	peer := &fakePeer{onCall: func(bool, *loop.PendingCall) {}} // never replies
	c := New(l, mcelog.Noop(), peer, led)
	c.PanicLEDDelay = func() time.Duration { return 10 * time.Millisecond }
	c.CoreDumpDelay = func() time.Duration { return time.Hour } // don't reach core-dump in this test
	c.RequestEnabled(true)

	require.Eventually(t, func() bool { return led.panicOn }, time.Second, time.Millisecond)
}
