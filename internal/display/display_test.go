package display

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/mce-go/internal/compositor"
	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
	"github.com/sailfishos/mce-go/internal/wakelock"
)

// fakePeer is never actually invoked in these tests: every test keeps
// compositorPresent false, so the state machine skips straight past
// the renderer RPC steps and this Peer's method is unreachable.
type fakePeer struct{}

func (fakePeer) SetUpdatesEnabled(bool, *loop.PendingCall) error { return nil }

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	comp := compositor.New(nil, mcelog.Noop(), fakePeer{}, nil)
	always := func() bool { return true }
	m := New(mcelog.Noop(), nil, nil, comp, nil, Hooks{}, always, always)
	m.SetLPMSupported(true)
	return m
}

func TestRequestStateOffRebootIsRejected(t *testing.T) {
	m := newTestMachine(t)
	m.SetShuttingDown(true)
	_, ok := m.RequestState(StateOn)
	require.False(t, ok)
}

func TestRequestStateClampsOutOfRange(t *testing.T) {
	m := newTestMachine(t)
	got, ok := m.RequestState(State(99))
	require.True(t, ok)
	require.Equal(t, StateOff, got)
}

func TestRequestStateRejectsLPMWhenUnsupported(t *testing.T) {
	comp := compositor.New(nil, mcelog.Noop(), fakePeer{}, nil)
	always := func() bool { return true }
	m := New(mcelog.Noop(), nil, nil, comp, nil, Hooks{}, always, always)
	m.SetLPMSupported(false)

	got, ok := m.RequestState(StateLPMOn)
	require.True(t, ok)
	require.Equal(t, StateOff, got)
}

func TestNeverBlankForcesOn(t *testing.T) {
	m := newTestMachine(t)
	m.SetNeverBlank(true)
	got, ok := m.RequestState(StateOff)
	require.True(t, ok)
	require.Equal(t, StateOn, got)
}

func TestTransitionToOnPublishesAfterCompletion(t *testing.T) {
	m := newTestMachine(t)
	var published []State
	m.hooks.Publish = func(s State) { published = append(published, s) }

	m.PushTarget(StateOn)

	require.NotEmpty(t, published)
	require.Equal(t, StateOn, published[len(published)-1])
	require.Equal(t, StateOn, m.Current())
}

func TestBlankedTransitionPublishesEarly(t *testing.T) {
	m := newTestMachine(t)
	m.PushTarget(StateOn)

	var beganTransition []State
	m.hooks.TransitionBeginning = func(s State) { beganTransition = append(beganTransition, s) }
	m.PushTarget(StateOff)

	require.NotEmpty(t, beganTransition, "a transition into a blanked state must announce its target before the RPC completes")
}

func TestDisplayOnWakelockGraceRelease(t *testing.T) {
	comp := compositor.New(nil, mcelog.Noop(), fakePeer{}, nil)
	always := func() bool { return true }
	gate := wakelock.New(mcelog.Noop())

	var scheduled func()
	var scheduledDelay time.Duration
	m := New(mcelog.Noop(), gate, nil, comp, nil, Hooks{
		ScheduleGraceRelease: func(d time.Duration, fn func()) {
			scheduledDelay = d
			scheduled = fn
		},
	}, always, always)
	m.SetLPMSupported(true)

	m.PushTarget(StateOn)
	require.True(t, m.displayOnHeld, "mce_display_on must be held while the display is powered on")

	m.PushTarget(StateOff)
	require.True(t, m.displayOnHeld, "the wakelock must still be held until the grace timer fires")
	require.NotNil(t, scheduled, "leaving a powered state must arm a grace release")
	require.Equal(t, time.Second, scheduledDelay)

	scheduled()
	require.False(t, m.displayOnHeld, "the grace timer firing must release the wakelock")
}

func TestDisplayOnWakelockGraceReleaseCancelledByReacquire(t *testing.T) {
	comp := compositor.New(nil, mcelog.Noop(), fakePeer{}, nil)
	never := func() bool { return false }
	gate := wakelock.New(mcelog.Noop())

	var scheduled func()
	m := New(mcelog.Noop(), gate, nil, comp, nil, Hooks{
		ScheduleGraceRelease: func(d time.Duration, fn func()) { scheduled = fn },
	}, never, never)
	m.SetLPMSupported(true)

	m.PushTarget(StateOn)
	m.PushTarget(StateOff)
	require.NotNil(t, scheduled, "leaving ON must arm a grace release")

	// A closely spaced transition back to a powered state must
	// invalidate the pending grace release: a stale timer firing later
	// must not drop a wakelock re-acquired in the meantime.
	m.PushTarget(StateOn)
	require.True(t, m.displayOnHeld)

	scheduled()
	require.True(t, m.displayOnHeld, "a stale grace release must not release a wakelock held by a later acquire")
}
