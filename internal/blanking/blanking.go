// Package blanking implements the five named blanking timers and the
// rethink_timers(force) scheduler: dim, off, lpm_off, pause_period and
// adaptive_dim_window. It never
// talks to sysfs or D-Bus directly; it only starts/cancels named timers
// on an injected *loop.Loop and invokes callbacks the display state
// machine supplies at construction, the same separation the teacher
// draws between eventloop's timer heap and whatever a caller schedules
// on it.
package blanking

import (
	"time"

	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
)

// InhibitMode mirrors five blanking-inhibit modes.
type InhibitMode int

const (
	InhibitOff InhibitMode = iota
	InhibitStayOnWithCharger
	InhibitStayDimWithCharger
	InhibitStayOn
	InhibitStayDim
)

const (
	timerDim         = "dim"
	timerOff         = "off"
	timerLPMOff      = "lpm_off"
	timerPausePeriod = "pause_period"
	timerAdaptive    = "adaptive_dim_window"
)

// DisplayState is the minimal subset of the display state machine's
// stable/transitional states blanking needs to reason about; it's
// redeclared here (rather than importing internal/display) to keep
// blanking free of a dependency on the state machine it feeds.
type DisplayState int

const (
	StateUnknown DisplayState = iota
	StateOn
	StateDim
	StateLPMOn
	StateLPMOff
	StateOff
)

// AudioRoute mirrors the exceptional "audio=handset" case 
// calls out for suppressing dim/off while a call is held to the ear.
type AudioRoute int

const (
	AudioRouteOther AudioRoute = iota
	AudioRouteHandset
)

// CallState is the minimal call-state subset blanking needs.
type CallState int

const (
	CallNone CallState = iota
	CallActive
	CallRinging
)

// Snapshot is the tuple rethink_timers reasons about: "(display_state,
// proximity, call, alarm, audio_route, exception, charger, tklock,
// kbd-slide)".
type Snapshot struct {
	Display        DisplayState
	ProximityClose bool
	Call           CallState
	AlarmActive    bool
	Audio          AudioRoute
	ExceptionCall  bool // the "CALL" exceptional-UI-state bit
	Charger        bool
	TKLockActive   bool
	KbdSlideOpen   bool
	ActDead        bool
	AfterBootGrace bool // floor-the-dim-timer boot grace window
}

// Timeouts bundles the configurable timer durations, typically sourced
// from internal/settings.
type Timeouts struct {
	Dim               time.Duration
	Off               time.Duration
	LPMOff            time.Duration
	PausePeriod       time.Duration
	AdaptiveWindow    time.Duration
	AfterBootDimFloor time.Duration
	ActDeadDimCap     time.Duration
	ActDeadOffCap     time.Duration
	// AdaptiveMultipliers is the increasing list of dim-timeout
	// multipliers the adaptive index selects into.
	AdaptiveMultipliers []float64
}

// Callbacks are invoked when a timer fires. They run on the loop
// goroutine, so they may safely call back into RethinkTimers.
type Callbacks struct {
	OnDim         func()
	OnOff         func()
	OnLPMOff      func()
	OnPauseExpire func()
	OnAdaptiveTick func()
}

// Scheduler owns the five named timers and the policy that decides
// which subset applies to a given Snapshot.
type Scheduler struct {
	loop *loop.Loop
	log  *mcelog.Logger
	cb   Callbacks

	timeouts Timeouts

	inhibitMode    InhibitMode
	kbdInhibitMode InhibitMode

	adaptiveIndex   int
	adaptiveEnabled bool

	pauseClients int
}

// New builds a Scheduler. Any field of cb may be nil; a nil callback is
// simply not invoked. The zero Scheduler is not usable.
func New(l *loop.Loop, log *mcelog.Logger, timeouts Timeouts, cb Callbacks) *Scheduler {
	return &Scheduler{loop: l, log: log, timeouts: timeouts, cb: cb}
}

// SetInhibitMode sets the unconditional/charger-gated blanking-inhibit
// mode.
func (s *Scheduler) SetInhibitMode(m InhibitMode) { s.inhibitMode = m }

// SetKbdSlideInhibitMode sets the separate keyboard-slide-open inhibit
// selector.
func (s *Scheduler) SetKbdSlideInhibitMode(m InhibitMode) { s.kbdInhibitMode = m }

// SetAdaptiveEnabled toggles adaptive dimming.
func (s *Scheduler) SetAdaptiveEnabled(v bool) { s.adaptiveEnabled = v }

// NoteActivity advances the adaptive-dimming index whenever adaptive
// dimming is enabled; it does not check whether the adaptive window
// timer is armed.
func (s *Scheduler) NoteActivity() {
	if !s.adaptiveEnabled {
		return
	}
	if s.adaptiveIndex < len(s.timeouts.AdaptiveMultipliers)-1 {
		s.adaptiveIndex++
	}
}

// resetAdaptive resets the adaptive index. Per DESIGN.md's resolution
// of an open question, this is called on DIM exit only — not on LPM
// wake — matching the literal wording "reset on DIM exit but not on
// wake from LPM".
func (s *Scheduler) resetAdaptive() { s.adaptiveIndex = 0 }

func (s *Scheduler) dimTimeout() time.Duration {
	d := s.timeouts.Dim
	if s.adaptiveEnabled && s.adaptiveIndex < len(s.timeouts.AdaptiveMultipliers) {
		d = time.Duration(float64(d) * s.timeouts.AdaptiveMultipliers[s.adaptiveIndex])
	}
	return d
}

func (s *Scheduler) inhibited(snap Snapshot) bool {
	if snap.ActDead {
		return false // "inhibits never apply in act-dead mode"
	}
	check := func(m InhibitMode) bool {
		switch m {
		case InhibitStayOn, InhibitStayDim:
			return true
		case InhibitStayOnWithCharger, InhibitStayDimWithCharger:
			return snap.Charger
		default:
			return false
		}
	}
	return check(s.inhibitMode) || check(s.kbdInhibitMode)
}

// suppressDimOff implements the two exceptional-UI-state edge cases:
// an in-ear call (handset audio + proximity closed) and a ringing call
// both program no dim/off timer at all.
func (s *Scheduler) suppressDimOff(snap Snapshot) bool {
	if snap.Call == CallRinging {
		return true
	}
	if snap.ExceptionCall && snap.Audio == AudioRouteHandset && snap.ProximityClose {
		return true
	}
	return false
}

// AddPauseClient registers a blanking-pause client and (re)arms the
// pause_period timer. The caller (dbusapi) is responsible for the
// 5-client cap; Scheduler only tracks the count for RethinkTimers'
// pause-period bookkeeping.
func (s *Scheduler) AddPauseClient() {
	s.pauseClients++
	s.armPausePeriod()
}

// RemovePauseClient drops one pause client. When the count reaches
// zero the pause period ends immediately.
func (s *Scheduler) RemovePauseClient() {
	if s.pauseClients > 0 {
		s.pauseClients--
	}
	if s.pauseClients == 0 {
		s.loop.CancelNamed(timerPausePeriod)
	}
}

// PauseActive reports whether any blanking-pause client currently holds
// the display awake.
func (s *Scheduler) PauseActive() bool { return s.pauseClients > 0 }

func (s *Scheduler) armPausePeriod() {
	s.loop.CancelNamed(timerPausePeriod)
	s.loop.ScheduleTimer(timerPausePeriod, s.timeouts.PausePeriod, func() {
		s.pauseClients = 0
		if s.cb.OnPauseExpire != nil {
			s.cb.OnPauseExpire()
		}
	})
}

// RethinkTimers is rethink_timers(force): cancel the dim, off, lpm_off
// and adaptive timers (pause_period is left alone) and reprogram the subset appropriate to snap. force is
// accepted for call-site symmetry with the display state machine's own
// forced-vs-idle rethink distinction ; this scheduler has
// no idle/forced distinction of its own since every call is cheap.
func (s *Scheduler) RethinkTimers(force bool, snap Snapshot) {
	s.loop.CancelNamed(timerDim)
	s.loop.CancelNamed(timerOff)
	s.loop.CancelNamed(timerLPMOff)
	s.loop.CancelNamed(timerAdaptive)
	// pause_period is managed independently by Add/RemovePauseClient.

	if snap.Display != StateDim && snap.Display != StateLPMOn && snap.Display != StateLPMOff {
		s.resetAdaptive()
	}

	if s.inhibited(snap) || s.suppressDimOff(snap) {
		return
	}

	switch snap.Display {
	case StateOn:
		if s.pauseClients > 0 {
			return
		}
		s.loop.ScheduleTimer(timerDim, s.dimBudget(snap), func() {
			if s.cb.OnDim != nil {
				s.cb.OnDim()
			}
		})
	case StateDim:
		if s.pauseClients > 0 {
			return
		}
		s.loop.ScheduleTimer(timerOff, s.offBudget(snap), func() {
			if s.cb.OnOff != nil {
				s.cb.OnOff()
			}
		})
		if s.adaptiveEnabled {
			s.loop.ScheduleTimer(timerAdaptive, s.timeouts.AdaptiveWindow, func() {
				s.NoteActivity()
			})
		}
	case StateLPMOn:
		s.loop.ScheduleTimer(timerLPMOff, s.timeouts.LPMOff, func() {
			if s.cb.OnLPMOff != nil {
				s.cb.OnLPMOff()
			}
		})
	}
}

func (s *Scheduler) dimBudget(snap Snapshot) time.Duration {
	d := s.dimTimeout()
	if snap.ActDead && s.timeouts.ActDeadDimCap > 0 && d > s.timeouts.ActDeadDimCap {
		d = s.timeouts.ActDeadDimCap
	}
	if snap.AfterBootGrace && d < s.timeouts.AfterBootDimFloor {
		d = s.timeouts.AfterBootDimFloor
	}
	return d
}

func (s *Scheduler) offBudget(snap Snapshot) time.Duration {
	d := s.timeouts.Off
	if snap.ActDead && s.timeouts.ActDeadOffCap > 0 && d > s.timeouts.ActDeadOffCap {
		d = s.timeouts.ActDeadOffCap
	}
	return d
}
