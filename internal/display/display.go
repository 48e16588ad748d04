// Package display implements the display state machine — "the hardest
// part": the twenty-microstate transition engine that sequences
// compositor renderer-enable calls, brightness
// fades and framebuffer power transitions into a single externally
// observable stable state. It is grounded on the teacher's own
// fixed-point step-loop idiom (eventloop's Run drains its task queue to
// a fixed point each tick before polling again) generalized from "drain
// a task queue" to "drain state transitions until stm stops changing".
package display

import (
	"time"

	"github.com/sailfishos/mce-go/internal/compositor"
	"github.com/sailfishos/mce-go/internal/fader"
	"github.com/sailfishos/mce-go/internal/fbpower"
	"github.com/sailfishos/mce-go/internal/mcelog"
	"github.com/sailfishos/mce-go/internal/wakelock"
)

// displayOnGraceDelay is the grace period `mce_display_on` is held
// after the display leaves a powered stable state, so the kernel
// cannot autosuspend between two closely spaced transitions.
const displayOnGraceDelay = time.Second

// State is display_state: the five stable values the `display_state`
// datapipe ever carries — observers never see a transitional
// POWER_UP/POWER_DOWN/UNDEF value.
type State int

const (
	StateUndef State = iota
	StateOff
	StateLPMOff
	StateLPMOn
	StateDim
	StateOn
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateLPMOff:
		return "lpm_off"
	case StateLPMOn:
		return "lpm_on"
	case StateDim:
		return "dim"
	case StateOn:
		return "on"
	default:
		return "undef"
	}
}

// needsPower reports whether a state requires the panel powered and
// rendering (ON, DIM, LPM_ON do; LPM_OFF and OFF do not).
func needsPower(s State) bool {
	return s == StateOn || s == StateDim || s == StateLPMOn
}

// microState is stm, the internal 20-value micro-state. It is never
// exposed outside this package.
type microState int

const (
	msUnset microState = iota
	msRendererInitStart
	msRendererWaitStart
	msWaitFadeToTarget
	msEnterPowerOn
	msStayPowerOn
	msLeavePowerOn
	msWaitFadeToBlack
	msRendererInitStop
	msRendererWaitStop
	msInitSuspend
	msWaitSuspend
	msEnterPowerOff
	msStayPowerOff
	msLeavePowerOff
	msInitResume
	msWaitResume
	msEnterLogicalOff
	msStayLogicalOff
	msLeaveLogicalOff
)

// Hooks bundles the callbacks the machine drives; every field is
// optional except where noted, allowing tests to exercise the FSM with
// a partial double.
type Hooks struct {
	// Publish is called with the new stable state when curr changes to
	// a powered state (ON/DIM/LPM_ON), after the transition completes.
	// It is not called for OFF/LPM_OFF; those are announced by
	// TransitionBeginning instead. LPM_ON is not announced early.
	Publish func(State)
	// TransitionBeginning is called once, as soon as a transition
	// toward a blanked target state (OFF/LPM_OFF) begins, ahead of
	// the disable-updates RPC — : "the UI sees
	// 'off' before the disable-updates RPC".
	TransitionBeginning func(State)

	SuspendSensors func()
	ResumeSensors  func()

	// ForceBrightnessAtLeastOne is called in WAIT_RESUME before
	// starting the UNBLANK fade, so the compositor's first frame
	// latches a nonzero brightness.
	ForceBrightnessAtLeastOne func()

	// ResumeLevel returns the brightness level to unblank to.
	ResumeLevel func() int

	// ScheduleGraceRelease arms fn to run after delay, used to give
	// mce_display_on its 1 s linger after the display leaves a
	// powered state. If nil, fn runs immediately (synchronous fallback
	// for hookless callers/tests).
	ScheduleGraceRelease func(delay time.Duration, fn func())
}

// Machine is the display state machine. Construct with New.
type Machine struct {
	log        *mcelog.Logger
	gate       *wakelock.Gate
	fader      *fader.Fader
	compositor *compositor.Controller
	fb         *fbpower.Gate
	hooks      Hooks

	curr State
	next State
	want State
	stm  microState

	compositorPresent bool
	neverBlank        bool
	updateMode        bool
	lpmSupported      bool
	shuttingDown      bool
	callActive        bool // short-circuits fade-to-black to immediate zero

	earlySuspendAllowed func() bool // suspend.AllowedLevel() != suspend.LevelOn, injected to avoid an import cycle with the suspend package's own consumers
	lateSuspendAllowed  func() bool

	enabledSinceLogicalOff bool // tracks whether setUpdatesEnabled(true) has fired since LOGICAL_OFF was last entered

	stepping        bool
	rethinkPending  bool
	rethinkForced   bool

	displayOnHeld    bool
	displayOnGraceID int
	stmHeld          bool
}

// New constructs a Machine. earlySuspendAllowed/lateSuspendAllowed let
// the caller wire in internal/suspend's AllowedLevel without display
// importing suspend directly (suspend's Snapshot needs
// compositor_ui_state and display_state as inputs, so the dependency
// must run the other way).
func New(log *mcelog.Logger, gate *wakelock.Gate, f *fader.Fader, comp *compositor.Controller, fb *fbpower.Gate, hooks Hooks, earlySuspendAllowed, lateSuspendAllowed func() bool) *Machine {
	return &Machine{
		log:                 log,
		gate:                gate,
		fader:               f,
		compositor:          comp,
		fb:                  fb,
		hooks:               hooks,
		curr:                StateUndef,
		next:                StateUndef,
		want:                StateOn,
		earlySuspendAllowed: earlySuspendAllowed,
		lateSuspendAllowed:  lateSuspendAllowed,
	}
}

// Current returns the last published stable state.
func (m *Machine) Current() State { return m.curr }

// SetCompositorPresent tracks whether the compositor currently owns the
// bus name; absent compositors skip the renderer RPC steps entirely.
func (m *Machine) SetCompositorPresent(present bool) {
	wasAbsent := !m.compositorPresent
	m.compositorPresent = present
	if present && wasAbsent {
		m.RequestRethink(true)
	}
}

func (m *Machine) SetNeverBlank(v bool)   { m.neverBlank = v }
func (m *Machine) SetUpdateMode(v bool)   { m.updateMode = v }
func (m *Machine) SetLPMSupported(v bool) { m.lpmSupported = v }
func (m *Machine) SetShuttingDown(v bool) { m.shuttingDown = v }
func (m *Machine) SetCallActive(v bool)   { m.callActive = v }

// RequestState is the display_state_req datapipe filter :
// it sanitizes req and, if accepted, calls PushTarget. It returns the
// sanitized value and whether it was accepted at all (a shutdown/reboot
// rejection returns ok=false and the machine's want is left untouched).
func (m *Machine) RequestState(req State) (State, bool) {
	if m.shuttingDown {
		return m.want, false
	}
	if req < StateOff || req > StateOn {
		req = StateOff
	}
	if req == StateLPMOn || req == StateLPMOff {
		if !m.lpmSupported {
			req = StateOff
		}
	}
	if m.neverBlank || m.updateMode {
		req = StateOn
	}
	m.PushTarget(req)
	return req, true
}

// PushTarget sets want and forces an immediate rethink.
func (m *Machine) PushTarget(s State) {
	m.want = s
	m.RequestRethink(true)
}

// RequestRethink schedules a step. A forced rethink runs immediately
// (inline) if no step is currently executing; an idle one is expected
// to be drained by the caller's own event-loop tick (this package
// exposes Step for that purpose; callers typically invoke
// RequestRethink(false) from within a datapipe trigger and call
// m.Step() once per loop tick).
func (m *Machine) RequestRethink(force bool) {
	m.rethinkPending = true
	if force {
		m.rethinkForced = true
	}
	if force && !m.stepping {
		m.Step()
	}
}

// Step runs the micro-state transition loop to a fixed point
// ("Execution discipline"): it loops until stm stops changing, and is
// guarded against re-entrancy — datapipe actions triggered from within
// a step may call PushTarget/RequestRethink again, but that only sets
// rethinkPending for the *next* Step call, never recurses.
func (m *Machine) Step() {
	if m.stepping {
		return
	}
	m.stepping = true
	defer func() { m.stepping = false }()

	m.rethinkPending = false
	m.rethinkForced = false

	for {
		before := m.stm
		m.runMicroState()
		if m.stm == before {
			break
		}
	}
	m.releaseStmWakelockIfIdle()
}

func (m *Machine) targetNeedsPower() bool { return needsPower(m.want) }

func (m *Machine) runMicroState() {
	switch m.stm {
	case msUnset:
		m.acquireStmWakelock()
		if m.targetNeedsPower() {
			m.stm = msRendererInitStart
		} else {
			m.stm = msRendererInitStop
		}

	case msRendererInitStart:
		if !m.compositorPresent {
			m.stm = msWaitFadeToTarget
			return
		}
		m.compositor.RequestEnabled(true)
		m.stm = msRendererWaitStart

	case msRendererWaitStart:
		switch m.compositor.UIState() {
		case compositor.StateEnabled:
			m.enabledSinceLogicalOff = true
			m.stm = msWaitFadeToTarget
		case compositor.StateError:
			m.stm = msRendererInitStart
		}
		// StateUnknown: keep waiting.

	case msWaitFadeToTarget:
		if isPoweredStable(m.curr) && m.curr == m.want {
			m.stm = msStayPowerOn
			return
		}
		if m.fader == nil || m.fader.Idle() {
			m.stm = msEnterPowerOn
		}

	case msEnterPowerOn:
		m.setStable(m.want)
		m.stm = msStayPowerOn

	case msStayPowerOn:
		if m.compositor.Owed() || m.want != m.curr {
			m.stm = msLeavePowerOn
		}

	case msLeavePowerOn:
		if m.targetNeedsPower() {
			m.stm = msRendererInitStart
		} else {
			m.stm = msWaitFadeToBlack
		}

	case msWaitFadeToBlack:
		if m.callActive && m.fader != nil {
			m.fader.ForceLevel(0)
		}
		if m.fader == nil || m.fader.Idle() {
			m.stm = msRendererInitStop
		}

	case msRendererInitStop:
		m.beginTransitionTo(m.targetBlankedState())
		if !m.compositorPresent {
			m.stm = msEnterLogicalOff
			return
		}
		m.compositor.RequestEnabled(false)
		m.stm = msRendererWaitStop

	case msRendererWaitStop:
		switch m.compositor.UIState() {
		case compositor.StateDisabled:
			m.stm = msInitSuspend
		case compositor.StateError:
			m.stm = msRendererInitStop
		}

	case msInitSuspend:
		if m.earlySuspendAllowed == nil || m.earlySuspendAllowed() {
			if m.fb != nil {
				_ = m.fb.Suspend()
			}
			m.stm = msWaitSuspend
		} else {
			m.stm = msEnterLogicalOff
		}

	case msWaitSuspend:
		// advanced externally via NoteFBSuspended when the
		// framebuffer signals completion.

	case msEnterPowerOff:
		m.setStable(StateOff)
		m.stm = msStayPowerOff

	case msStayPowerOff:
		if m.want != m.curr || (m.earlySuspendAllowed != nil && !m.earlySuspendAllowed()) {
			m.stm = msLeavePowerOff
			return
		}
		if m.lateSuspendAllowed != nil && m.lateSuspendAllowed() {
			if m.hooks.SuspendSensors != nil {
				m.hooks.SuspendSensors()
			}
			m.releaseDisplayOnWakelock()
		} else {
			m.acquireDisplayOnWakelock()
			if m.hooks.ResumeSensors != nil {
				m.hooks.ResumeSensors()
			}
		}

	case msLeavePowerOff:
		if m.hooks.ResumeSensors != nil {
			m.hooks.ResumeSensors()
		}
		if m.targetNeedsPower() || (m.earlySuspendAllowed != nil && !m.earlySuspendAllowed()) {
			m.stm = msInitResume
		} else {
			m.stm = msEnterPowerOff // spurious
		}

	case msInitResume:
		if m.fb != nil {
			_ = m.fb.Resume()
		}
		m.stm = msWaitResume

	case msWaitResume:
		// advanced externally via NoteFBResumed when the framebuffer
		// signals completion.

	case msEnterLogicalOff:
		m.setStable(m.targetBlankedState())
		m.enabledSinceLogicalOff = false
		m.stm = msStayLogicalOff

	case msStayLogicalOff:
		if m.want != m.curr ||
			(m.compositorPresent && m.compositor.Owed() && !m.enabledSinceLogicalOff) ||
			(m.earlySuspendAllowed != nil && m.earlySuspendAllowed()) {
			m.stm = msLeaveLogicalOff
		}

	case msLeaveLogicalOff:
		if m.targetNeedsPower() {
			if m.hooks.ForceBrightnessAtLeastOne != nil {
				m.hooks.ForceBrightnessAtLeastOne()
			}
			level := 0
			if m.hooks.ResumeLevel != nil {
				level = m.hooks.ResumeLevel()
			}
			if m.fader != nil {
				m.fader.Unblank(level, -1)
			}
			m.stm = msRendererInitStart
		} else if m.compositorPresent && m.compositor.Owed() {
			m.stm = msRendererInitStop
		} else {
			m.stm = msInitSuspend
		}
	}
}

// NoteFBSuspended advances the machine out of WAIT_SUSPEND once the
// framebuffer-suspend completion is observed ( step 12).
func (m *Machine) NoteFBSuspended() {
	if m.stm != msWaitSuspend {
		return
	}
	m.stm = msEnterPowerOff
	m.Step()
}

// NoteFBResumed advances the machine out of WAIT_RESUME once the
// framebuffer-resume completion is observed ( step 17).
func (m *Machine) NoteFBResumed() {
	if m.stm != msWaitResume {
		return
	}
	if m.targetNeedsPower() {
		if m.hooks.ForceBrightnessAtLeastOne != nil {
			m.hooks.ForceBrightnessAtLeastOne()
		}
		level := 0
		if m.hooks.ResumeLevel != nil {
			level = m.hooks.ResumeLevel()
		}
		if m.fader != nil {
			m.fader.Unblank(level, -1)
		}
		m.stm = msRendererInitStart
	} else {
		m.stm = msEnterLogicalOff
	}
	m.Step()
}

func (m *Machine) targetBlankedState() State {
	if m.want == StateLPMOff || m.want == StateOff {
		return m.want
	}
	return StateOff
}

func isPoweredStable(s State) bool { return s == StateOn || s == StateDim || s == StateLPMOn }

// setStable updates curr, honoring early-vs-late publish timing: blanked
// states were already announced via beginTransitionTo as the transition
// began (RendererInitStop fires it ahead of setStable ever being called
// for those targets), so setStable itself only publishes powered states,
// which are announced once, here, when the transition actually
// completes.
func (m *Machine) setStable(s State) {
	m.curr = s
	if needsPower(s) {
		m.acquireDisplayOnWakelock()
		if m.hooks.Publish != nil {
			m.hooks.Publish(s)
		}
	} else {
		m.scheduleReleaseDisplayOnWakelock()
	}
}

func (m *Machine) beginTransitionTo(s State) {
	if m.hooks.TransitionBeginning != nil {
		m.hooks.TransitionBeginning(s)
	}
}

func (m *Machine) acquireStmWakelock() {
	if m.stmHeld || m.gate == nil {
		return
	}
	m.stmHeld = true
	m.gate.Lock(wakelock.DisplaySTM, -1)
}

func (m *Machine) releaseStmWakelockIfIdle() {
	if !m.stmHeld || m.rethinkPending || m.gate == nil {
		return
	}
	m.stmHeld = false
	m.gate.Unlock(wakelock.DisplaySTM)
}

func (m *Machine) acquireDisplayOnWakelock() {
	m.displayOnGraceID++ // invalidates any grace release armed while held
	if m.displayOnHeld || m.gate == nil {
		return
	}
	m.displayOnHeld = true
	m.gate.Lock(wakelock.DisplayOn, -1)
}

// scheduleReleaseDisplayOnWakelock arms the 1 s linger release for
// mce_display_on when the display leaves a powered stable state. A
// subsequent acquire before the grace elapses (another closely spaced
// transition back to a powered state) invalidates this release via the
// displayOnGraceID token.
func (m *Machine) scheduleReleaseDisplayOnWakelock() {
	if !m.displayOnHeld {
		return
	}
	m.displayOnGraceID++
	id := m.displayOnGraceID
	release := func() {
		if id != m.displayOnGraceID {
			return
		}
		m.releaseDisplayOnWakelock()
	}
	if m.hooks.ScheduleGraceRelease != nil {
		m.hooks.ScheduleGraceRelease(displayOnGraceDelay, release)
	} else {
		release()
	}
}

func (m *Machine) releaseDisplayOnWakelock() {
	if !m.displayOnHeld || m.gate == nil {
		return
	}
	m.displayOnHeld = false
	m.gate.Unlock(wakelock.DisplayOn)
}
