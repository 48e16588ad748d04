// Package fader implements the brightness fader: linear interpolation
// of a hardware brightness level against monotonic-boot time, an
// allow/deny matrix governing which in-flight fade a new request may
// interrupt, and the brightness variables (Levels) that
// feed it. It is grounded on the teacher's timer-heap tick pattern
// (internal/loop's one-shot timers, re-armed on every tick), reused
// here to drive a fixed-rate interpolation tick.
package fader

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
)

// Type enumerates the fade-target kinds the allow/deny matrix is keyed
// on.
type Type int

const (
	TypeIdle Type = iota
	TypeDefault
	TypeDimming
	TypeALS
	TypeBlank
	TypeUnblank
)

const (
	tick            = 4 * time.Millisecond
	minHardwareMS   = 0
	maxHardwareMS   = 5000
	minDimmingMS    = 100
	maxDimmingMS    = 5000
	timerName       = "fader_tick"
	immediateTicks  = 3 // "shorter than three tick intervals" snaps immediately
)

// allowed implements the allow/deny matrix: rows are the currently
// active fade type, columns the requested new type.
func allowed(current, next Type) bool {
	switch current {
	case TypeIdle, TypeALS:
		return true
	case TypeDefault, TypeDimming:
		return next != TypeALS
	case TypeBlank:
		return false
	case TypeUnblank:
		return next == TypeUnblank
	default:
		return true
	}
}

// WriteLevel is the hardware sink the fader drives on every tick that
// changes the rounded output level — typically
// sysfsio.WriteNumber(".../brightness", level).
type WriteLevel func(level int) error

// Levels tracks the brightness variables the fader works from. HBM is
// not part of Levels; it is the separate HBM type in hbm.go.
type Levels struct {
	// OnLevel is percent of hardware maximum, already scaled by
	// power-save settings.
	OnLevel int
	// DimStaticPercent and DimDynamicPercent feed dim_level =
	// min(static percent of max, dynamic percent of on_level).
	DimStaticPercent  int
	DimDynamicPercent int
	LPMLevel          int
	// ResumeLevel is the level applied when the display next powers
	// up; callers update it on ALS and state changes.
	ResumeLevel int

	// CompositorThresholdLow/High map dim_level linearly onto a 0-100
	// compositor-side opacity percent.
	CompositorThresholdLow  int
	CompositorThresholdHigh int
}

// DimLevel computes dim_level = min(static-percent-of-max,
// dynamic-percent-of-on-level).
func (l Levels) DimLevel() int {
	dynamic := l.OnLevel * l.DimDynamicPercent / 100
	if l.DimStaticPercent < dynamic {
		return l.DimStaticPercent
	}
	return dynamic
}

// CompositorOpacity linearly maps dim_level between the two configured
// thresholds onto a 0-100 opacity percent, for compositor-side dimming
// overlay while the backlight itself is held at dim_level.
func (l Levels) CompositorOpacity() int {
	d := l.DimLevel()
	lo, hi := l.CompositorThresholdLow, l.CompositorThresholdHigh
	if hi <= lo {
		return 0
	}
	if d <= lo {
		return 100
	}
	if d >= hi {
		return 0
	}
	return 100 - (d-lo)*100/(hi-lo)
}

type fadeRecord struct {
	typ        Type
	startLevel int
	target     int
	start      time.Time
	duration   time.Duration
}

// Fader drives brightness transitions. The zero value is not usable;
// use New.
type Fader struct {
	loop  *loop.Loop
	log   *mcelog.Logger
	write WriteLevel

	Levels Levels

	current int
	active  *fadeRecord
	ticking bool

	savedSchedPolicy int
	savedSchedPrio   int
	raisedSched      bool

	// OnSettled is invoked (with the type that just finished) after
	// Default or Dimming completes, so the caller can re-run ALS
	// tuning that was blocked during the transition.
	OnSettled func(Type)
}

// New constructs a Fader at the given initial hardware level.
func New(l *loop.Loop, log *mcelog.Logger, write WriteLevel, initial int) *Fader {
	return &Fader{loop: l, log: log, write: write, current: initial}
}

// Current returns the fader's current (possibly mid-fade) level.
func (f *Fader) Current() int { return f.current }

// Idle reports whether no fade is in flight. The display state machine
// blocks on this in WAIT_FADE_TO_TARGET / WAIT_FADE_TO_BLACK.
func (f *Fader) Idle() bool { return f.active == nil }

// ForceLevel sets the level immediately, bypassing interpolation and
// the allow/deny matrix entirely — used by the display state machine to
// force level 0 while a call is active, and by HBM.
func (f *Fader) ForceLevel(level int) {
	f.cancelTick()
	f.active = nil
	f.setLevel(level)
}

// SetFadeTarget requests a fade to level over durationMS (see Duration
// semantics below), as fadeType. Rejected (matrix-denied) requests are
// silently ignored.
//
// Duration semantics: positive durationMS is the transition length;
// negative is a constant velocity in percent/sec, converted to a
// duration from |target-current|. The effective duration is then
// clipped to [0,5000]ms, or [100,5000]ms for TypeDimming.
func (f *Fader) SetFadeTarget(fadeType Type, level int, durationMS int) {
	curType := TypeIdle
	if f.active != nil {
		curType = f.active.typ
	}
	if !allowed(curType, fadeType) {
		return
	}

	delta := level - f.current
	if delta < 0 {
		delta = -delta
	}

	var dur time.Duration
	if durationMS >= 0 {
		dur = time.Duration(durationMS) * time.Millisecond
	} else {
		velocityPctPerSec := float64(-durationMS)
		if velocityPctPerSec <= 0 {
			dur = 0
		} else {
			dur = time.Duration(float64(delta) / velocityPctPerSec * float64(time.Second))
		}
	}

	minMS, maxMS := minHardwareMS, maxHardwareMS
	if fadeType == TypeDimming {
		minMS, maxMS = minDimmingMS, maxDimmingMS
	}
	if dur < time.Duration(minMS)*time.Millisecond {
		dur = time.Duration(minMS) * time.Millisecond
	}
	if dur > time.Duration(maxMS)*time.Millisecond {
		dur = time.Duration(maxMS) * time.Millisecond
	}

	if delta <= 1 || dur < immediateTicks*tick {
		f.cancelTick()
		f.active = nil
		f.setLevel(level)
		f.settled(fadeType)
		return
	}

	f.active = &fadeRecord{typ: fadeType, startLevel: f.current, target: level, start: f.loop.Now(), duration: dur}
	f.raiseScheduling()
	f.armTick()
}

// Default, Dimming, ALS, Blank, Unblank are convenience wrappers around
// SetFadeTarget.
func (f *Fader) Default(level, durationMS int) { f.SetFadeTarget(TypeDefault, level, durationMS) }
func (f *Fader) Dimming(level, durationMS int) { f.SetFadeTarget(TypeDimming, level, durationMS) }
func (f *Fader) ALS(level, durationMS int)     { f.SetFadeTarget(TypeALS, level, durationMS) }
func (f *Fader) Blank(durationMS int)          { f.SetFadeTarget(TypeBlank, 0, durationMS) }
func (f *Fader) Unblank(level, durationMS int) { f.SetFadeTarget(TypeUnblank, level, durationMS) }

func (f *Fader) armTick() {
	if f.ticking {
		return
	}
	f.ticking = true
	f.loop.ScheduleTimer(timerName, tick, f.onTick)
}

func (f *Fader) cancelTick() {
	if !f.ticking {
		return
	}
	f.ticking = false
	f.loop.CancelNamed(timerName)
}

func (f *Fader) onTick() {
	f.ticking = false
	rec := f.active
	if rec == nil {
		return
	}

	elapsed := f.loop.Now().Sub(rec.start)
	if elapsed >= rec.duration {
		f.active = nil
		f.setLevel(rec.target)
		f.restoreScheduling()
		f.settled(rec.typ)
		return
	}

	frac := float64(elapsed) / float64(rec.duration)
	level := rec.startLevel + int(float64(rec.target-rec.startLevel)*frac)
	f.setLevel(level)
	f.armTick()
}

func (f *Fader) settled(t Type) {
	if (t == TypeDefault || t == TypeDimming) && f.OnSettled != nil {
		f.OnSettled(t)
	}
}

func (f *Fader) setLevel(level int) {
	if level == f.current {
		return
	}
	f.current = level
	if f.write == nil {
		return
	}
	if err := f.write(level); err != nil && f.log != nil {
		f.log.Warn("fader: brightness write failed", mcelog.Fields{"level": level, "error": err.Error()})
	}
}

// raiseScheduling attempts to raise the process to a middle-priority
// real-time FIFO class for the duration of the fade,.
// Failure is logged and otherwise ignored; the fade proceeds either
// way.
func (f *Fader) raiseScheduling() {
	if f.raisedSched {
		return
	}
	param := &unix.SchedParam{Priority: int32(midFIFOPriority())}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, param); err != nil {
		if f.log != nil {
			f.log.Debug("fader: scheduling raise failed", mcelog.Fields{"error": err.Error()})
		}
		return
	}
	f.raisedSched = true
}

func (f *Fader) restoreScheduling() {
	if !f.raisedSched {
		return
	}
	f.raisedSched = false
	param := &unix.SchedParam{Priority: 0}
	if err := unix.SchedSetscheduler(0, unix.SCHED_OTHER, param); err != nil && f.log != nil {
		f.log.Debug("fader: scheduling restore failed", mcelog.Fields{"error": err.Error()})
	}
}

func midFIFOPriority() int {
	min, err1 := unix.SchedGetPriorityMin(unix.SCHED_FIFO)
	max, err2 := unix.SchedGetPriorityMax(unix.SCHED_FIFO)
	if err1 != nil || err2 != nil || max <= min {
		return 1
	}
	return (min + max) / 2
}
