// Package cabc implements Content-Adaptive Backlight Control: a
// settings-controlled sysfs string attribute with client-tracked
// ownership and a power-save override, per supplement decision giving
// CABC its own package.
package cabc

import (
	"github.com/sailfishos/mce-go/internal/mcelog"
	"github.com/sailfishos/mce-go/internal/sysfsio"
)

// Mode is one of the four panel-supported CABC strings.
type Mode string

const (
	ModeOff         Mode = "off"
	ModeUI          Mode = "ui"
	ModeStillImage  Mode = "still-image"
	ModeMovingImage Mode = "moving-image"
)

// Controller owns the CABC sysfs node. The zero value is not usable;
// use New.
type Controller struct {
	log *mcelog.Logger

	modePath      string
	availablePath string

	available map[Mode]bool
	defaultMode Mode

	// owner is the D-Bus bus name that last requested the current
	// mode via req_cabc_mode, or "" if nothing overrode the default.
	owner       string
	requested   Mode
	powerSave   bool
}

// New constructs a Controller and probes the panel's supported-modes
// sibling file (spec: "available modes are probed from a sibling sysfs
// file").
func New(log *mcelog.Logger, modePath, availablePath string, defaultMode Mode) *Controller {
	c := &Controller{
		log:           log,
		modePath:      modePath,
		availablePath: availablePath,
		defaultMode:   defaultMode,
		requested:     defaultMode,
		available:     map[Mode]bool{defaultMode: true},
	}
	c.probeAvailable()
	return c
}

func (c *Controller) probeAvailable() {
	raw, err := sysfsio.LoadFile(c.availablePath)
	if err != nil {
		if c.log != nil {
			c.log.Debug("cabc: probe failed, only default mode assumed", mcelog.Fields{"error": err.Error()})
		}
		return
	}
	avail := map[Mode]bool{}
	field := make([]byte, 0, 16)
	flush := func() {
		if len(field) > 0 {
			avail[Mode(field)] = true
		}
		field = field[:0]
	}
	for _, b := range raw {
		switch b {
		case ' ', '\n', '\t':
			flush()
		default:
			field = append(field, b)
		}
	}
	flush()
	if len(avail) > 0 {
		c.available = avail
	}
}

// Request applies mode on behalf of bus name owner. Unsupported modes
// are ignored (spec: "requests for unsupported modes are ignored").
func (c *Controller) Request(owner string, mode Mode) {
	if !c.available[mode] {
		return
	}
	c.owner = owner
	c.requested = mode
	c.apply()
}

// ReleaseOwner reverts to the default mode when the tracked client (bus
// name owner) disappears,.
func (c *Controller) ReleaseOwner(owner string) {
	if c.owner != owner {
		return
	}
	c.owner = ""
	c.requested = c.defaultMode
	c.apply()
}

// SetPowerSave installs (or lifts) the power-save override, which
// supersedes any client setting while active.
func (c *Controller) SetPowerSave(on bool) {
	c.powerSave = on
	c.apply()
}

// Current returns the mode actually in effect (post power-save
// override).
func (c *Controller) Current() Mode {
	if c.powerSave {
		return ModeOff
	}
	return c.requested
}

func (c *Controller) apply() {
	mode := c.Current()
	if err := sysfsio.WriteString(c.modePath, string(mode)); err != nil && c.log != nil {
		c.log.Warn("cabc: sysfs write failed", mcelog.Fields{"mode": string(mode), "error": err.Error()})
	}
}
