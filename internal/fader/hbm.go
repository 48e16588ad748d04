package fader

import (
	"time"

	"github.com/sailfishos/mce-go/internal/loop"
)

const hbmTimerName = "fader_hbm_linger"

// HBM is High Brightness Mode: a time-limited boost above on_level,
// carried on the fader per supplement decision (the
// spec's glossary defines HBM but assigns it no owning component).
// Trigger forces the level to boostLevel immediately (HBM is a
// panel register flip, not an interpolated fade) and schedules a
// linger timer that restores the fader's last on_level when it
// expires, unless re-triggered first.
type HBM struct {
	fader *Fader
	loop  *loop.Loop
	// active reports whether a boost is currently in effect.
	active bool
}

// NewHBM binds an HBM controller to fader f.
func NewHBM(f *Fader, l *loop.Loop) *HBM {
	return &HBM{fader: f, loop: l}
}

// Active reports whether the boost is currently applied.
func (h *HBM) Active() bool { return h.active }

// Trigger forces boostLevel for duration, then restores on_level.
// Re-triggering while already active simply re-arms the linger timer.
func (h *HBM) Trigger(boostLevel int, duration time.Duration) {
	h.active = true
	h.fader.ForceLevel(boostLevel)
	h.loop.CancelNamed(hbmTimerName)
	h.loop.ScheduleTimer(hbmTimerName, duration, func() {
		h.active = false
		h.fader.ForceLevel(h.fader.Levels.OnLevel)
	})
}

// Cancel ends the boost immediately, restoring on_level.
func (h *HBM) Cancel() {
	if !h.active {
		return
	}
	h.active = false
	h.loop.CancelNamed(hbmTimerName)
	h.fader.ForceLevel(h.fader.Levels.OnLevel)
}
