// Command mced is the thin wiring layer for the Mode Control daemon
// core: it parses bootstrap flags, constructs every component, wires
// their callbacks together, and runs the event loop until a shutdown signal
// arrives. It carries no domain logic of its own — every decision lives
// in internal/*.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	flags "github.com/jessevdk/go-flags"
	"github.com/joeycumines/logiface"

	"github.com/sailfishos/mce-go/internal/blanking"
	"github.com/sailfishos/mce-go/internal/cabc"
	"github.com/sailfishos/mce-go/internal/compositor"
	"github.com/sailfishos/mce-go/internal/dbusapi"
	"github.com/sailfishos/mce-go/internal/display"
	"github.com/sailfishos/mce-go/internal/fader"
	"github.com/sailfishos/mce-go/internal/fbpower"
	"github.com/sailfishos/mce-go/internal/flagfiles"
	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
	"github.com/sailfishos/mce-go/internal/settings"
	"github.com/sailfishos/mce-go/internal/suspend"
	"github.com/sailfishos/mce-go/internal/sysfsio"
	"github.com/sailfishos/mce-go/internal/wakelock"
)

// options is the bootstrap flag set. Something has to tell the daemon
// which sysfs nodes and bus to use, hence this thin flags.Parser
// wrapping, grounded in canonical-snapd's go.mod dependency on the same
// library.
type options struct {
	SettingsPath    string `long:"settings" description:"path to the persisted settings document" default:"/var/lib/mce/settings.yaml"`
	LogLevel        string `long:"log-level" description:"debug|info|warn|error" default:"info"`
	SessionBus      bool   `long:"session-bus" description:"connect to the D-Bus session bus instead of the system bus (development only)"`
	BacklightPath   string `long:"backlight-path" default:"/sys/class/backlight/panel/brightness"`
	FBBlankPath     string `long:"fb-blank-path" default:"/sys/class/graphics/fb0/blank"`
	CABCModePath    string `long:"cabc-mode-path" default:"/sys/class/backlight/panel/cabc_mode"`
	CABCAvailPath   string `long:"cabc-available-path" default:"/sys/class/backlight/panel/available_cabc_modes"`
	CompositorBus   string `long:"compositor-bus-name" default:"org.nemomobile.compositor"`
	CompositorPath  string `long:"compositor-path" default:"/"`
	CompositorIface string `long:"compositor-interface" default:"org.nemomobile.compositor"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		os.Exit(exitCodeFor(err))
	}

	code := run(opts)
	os.Exit(code)
}

func exitCodeFor(err error) int {
	if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
		return 0
	}
	return 1
}

func run(opts options) int {
	log := mcelog.New(os.Stderr, parseLevel(opts.LogLevel))

	lp, err := loop.New(log.With("component", "loop"))
	if err != nil {
		log.Error("mced: failed to create event loop", err, nil)
		return 1
	}
	defer lp.Close()

	gate := wakelock.New(log.With("component", "wakelock"))

	store, err := settings.Open(lp, log.With("component", "settings"), opts.SettingsPath)
	if err != nil {
		log.Error("mced: failed to open settings", err, nil)
		return 1
	}
	if err := store.Watch(); err != nil {
		log.Warn("mced: settings watch failed, external edits won't be observed", mcelog.Fields{"error": err.Error()})
	}
	defer store.Close()

	var dm *display.Machine
	var suspendSnapshot suspend.Snapshot

	ff := flagfiles.New(lp, log.With("component", "flagfiles"), flagfiles.Callbacks{
		OnInitDoneChanged: func(present bool) {
			suspendSnapshot.InitDoneFlagAbsent = !present
		},
		OnBootStateChanged: func(userMode bool) {
			suspendSnapshot.SystemStateUser = userMode
		},
		OnUpdateModeChanged: func(running bool) {
			suspendSnapshot.UpdateMode = running
			if dm != nil {
				dm.SetUpdateMode(running)
			}
		},
	})
	if err := ff.Start(); err != nil {
		log.Warn("mced: flag-file watch failed", mcelog.Fields{"error": err.Error()})
	}
	defer ff.Stop()

	conn, err := connectBus(opts.SessionBus)
	if err != nil {
		log.Error("mced: failed to connect to D-Bus", err, nil)
		return 1
	}
	defer conn.Close()

	cabcCtl := cabc.New(log.With("component", "cabc"), opts.CABCModePath, opts.CABCAvailPath, cabc.ModeUI)

	faderCtl := fader.New(lp, log.With("component", "fader"), func(level int) error {
		return sysfsio.WriteNumber(opts.BacklightPath, int64(level))
	}, 0)

	snap := store.Snapshot()
	faderCtl.Levels = fader.Levels{
		OnLevel:                 snap.DisplayBrightnessLevel,
		DimStaticPercent:        snap.DimStaticPercent,
		DimDynamicPercent:       snap.DimDynamicPercent,
		ResumeLevel:             snap.DisplayBrightnessLevel,
		CompositorThresholdLow:  snap.DimCompositorThresholdLow,
		CompositorThresholdHigh: snap.DimCompositorThresholdHigh,
	}

	compositorPeer := dbusapi.NewCompositorPeer(lp, conn, opts.CompositorBus, dbus.ObjectPath(opts.CompositorPath), opts.CompositorIface, 2*time.Minute)
	compCtl := compositor.New(lp, log.With("component", "compositor"), compositorPeer, nil)
	compCtl.CoreDumpDelay = func() time.Duration {
		return time.Duration(store.Snapshot().CompositorKillDelayMS) * time.Millisecond
	}

	fbBackend := &sysfsBlankBackend{path: opts.FBBlankPath, log: log.With("component", "fbpower")}
	fbGate := fbpower.NewIOCTLGate(lp, log.With("component", "fbpower"), gate, fbBackend, nil,
		func() {
			if dm != nil {
				dm.NoteFBSuspended()
			}
		},
		func() {
			if dm != nil {
				dm.NoteFBResumed()
			}
		},
	)

	earlyAllowed := func() bool {
		lvl := suspend.AllowedLevel(currentSuspendSnapshot(&suspendSnapshot, compCtl, store, lp))
		return lvl != suspend.LevelOn
	}
	lateAllowed := func() bool {
		lvl := suspend.AllowedLevel(currentSuspendSnapshot(&suspendSnapshot, compCtl, store, lp))
		return lvl == suspend.LevelLate
	}

	var hub *dbusapi.Hub
	var blankCtl *blanking.Scheduler

	dm = display.New(log.With("component", "display"), gate, faderCtl, compCtl, fbGate, display.Hooks{
		// Publish fires for powered (ON/DIM/LPM_ON) states once their
		// transition completes; TransitionBeginning fires for blanked
		// (OFF/LPM_OFF) targets as the transition begins. Each stable
		// state is announced exactly once, from whichever of the two
		// hooks actually runs for it.
		Publish: func(s display.State) {
			if hub != nil {
				hub.EmitDisplayStatus(s)
			}
			if blankCtl != nil {
				blankCtl.RethinkTimers(false, blankingSnapshot(s))
			}
		},
		TransitionBeginning: func(s display.State) {
			if hub != nil {
				hub.EmitDisplayStatus(s)
			}
			if blankCtl != nil {
				blankCtl.RethinkTimers(false, blankingSnapshot(s))
			}
		},
		ResumeLevel: func() int { return faderCtl.Levels.ResumeLevel },
		ScheduleGraceRelease: func(d time.Duration, fn func()) {
			lp.ScheduleTimer("display_on_grace", d, fn)
		},
	}, earlyAllowed, lateAllowed)

	blankCtl = blanking.New(lp, log.With("component", "blanking"), blankingTimeouts(store.Snapshot()), blanking.Callbacks{
		OnDim:    func() { _, _ = dm.RequestState(display.StateDim) },
		OnOff:    func() { _, _ = dm.RequestState(display.StateOff) },
		OnLPMOff: func() { _, _ = dm.RequestState(display.StateLPMOff) },
	})

	hub = dbusapi.New(lp, log.With("component", "dbusapi"), conn, dbusapi.Callbacks{
		RequestDisplayState: dm.RequestState,
		CurrentDisplayState: dm.Current,
		AddPauseClient:      blankCtl.AddPauseClient,
		RemovePauseClient:   blankCtl.RemovePauseClient,
		BlankingInhibitActive: func() bool {
			return false // no InhibitMode is wired into this layer, so inhibit always reads inactive
		},
		BlankingPauseMode: func() string { return string(store.Snapshot().BlankingPauseMode) },
		CabcRequest:       cabcCtl.Request,
		CabcCurrent:       cabcCtl.Current,
		CabcOwnerLost:     cabcCtl.ReleaseOwner,
	})
	if err := hub.Serve(); err != nil {
		log.Error("mced: failed to export D-Bus surface", err, nil)
		return 1
	}
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Info("mced: shutdown signal received", nil)
		dm.SetShuttingDown(true)
		gate.BlockUntilExit()
		cancel()
	}()

	log.Info("mced: entering event loop", nil)
	if err := lp.Run(ctx); err != nil {
		log.Error("mced: event loop exited with error", err, nil)
		return 1
	}
	return 0
}

func parseLevel(s string) logiface.Level {
	switch s {
	case "debug":
		return logiface.LevelDebug
	case "warn", "warning":
		return logiface.LevelWarning
	case "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func blankingTimeouts(d settings.Document) blanking.Timeouts {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	multipliers := make([]float64, 0, len(d.DimTimeoutAllowed))
	base := float64(d.DimTimeoutMS)
	for _, v := range d.DimTimeoutAllowed {
		if base <= 0 {
			break
		}
		multipliers = append(multipliers, float64(v)/base)
	}
	return blanking.Timeouts{
		Dim:                 ms(d.DimTimeoutMS),
		Off:                 ms(d.BlankTimeoutNormal),
		LPMOff:              ms(d.BlankTimeoutFromLPMOn),
		PausePeriod:         60 * time.Second,
		AdaptiveWindow:      ms(d.DimTimeoutMS),
		AfterBootDimFloor:   ms(d.DimTimeoutMS),
		ActDeadDimCap:       15 * time.Second,
		ActDeadOffCap:       3 * time.Second,
		AdaptiveMultipliers: multipliers,
	}
}

// blankingSnapshot folds the display state machine's latest stable
// state into the minimal tuple rethink_timers needs. Proximity, call,
// alarm, audio-route, charger and tklock inputs are outside this wiring
// layer's worked example (see DESIGN.md) and default to their
// nothing-in-flight values.
func blankingSnapshot(s display.State) blanking.Snapshot {
	var d blanking.DisplayState
	switch s {
	case display.StateOn:
		d = blanking.StateOn
	case display.StateDim:
		d = blanking.StateDim
	case display.StateLPMOn:
		d = blanking.StateLPMOn
	case display.StateLPMOff:
		d = blanking.StateLPMOff
	case display.StateOff:
		d = blanking.StateOff
	default:
		d = blanking.StateUnknown
	}
	return blanking.Snapshot{Display: d}
}

// currentSuspendSnapshot folds the latest compositor UI state and
// settings-backed policy into a suspend.Snapshot. The call-state and
// alarm/exception fields keep their safe ("nothing in flight") defaults;
// only the flag-file callbacks update suspendSnapshot's fields as their
// inputs change.
func currentSuspendSnapshot(base *suspend.Snapshot, compCtl *compositor.Controller, store *settings.Store, lp *loop.Loop) suspend.Snapshot {
	snap := *base
	snap.Now = lp.Now()
	switch compCtl.UIState() {
	case compositor.StateDisabled:
		snap.CompositorUIState = suspend.CompositorDisabled
	case compositor.StateEnabled:
		snap.CompositorUIState = suspend.CompositorEnabled
	case compositor.StateError:
		snap.CompositorUIState = suspend.CompositorError
	default:
		snap.CompositorUIState = suspend.CompositorUnknown
	}
	switch store.Snapshot().SuspendPolicy {
	case settings.SuspendDisabled:
		snap.Setting = suspend.SettingDisabled
	case settings.SuspendEarlyOnly:
		snap.Setting = suspend.SettingEarlyOnly
	default:
		snap.Setting = suspend.SettingEnabled
	}
	return snap
}

func connectBus(session bool) (*dbus.Conn, error) {
	if session {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

// sysfsBlankBackend implements fbpower.Backend against a panel's
// fb_blank-style sysfs node (writing "0" to wake, "1" to blank), used in
// place of a device-specific ioctl magic number — see DESIGN.md's note
// on this choice.
type sysfsBlankBackend struct {
	path string
	log  *mcelog.Logger
}

func (b *sysfsBlankBackend) RequestSuspend() error {
	return b.write("1")
}

func (b *sysfsBlankBackend) RequestResume() error {
	return b.write("0")
}

func (b *sysfsBlankBackend) write(v string) error {
	err := sysfsio.WriteString(b.path, v)
	if err != nil && b.log != nil {
		b.log.Debug("fbpower: blank sysfs write failed", mcelog.Fields{"path": b.path, "error": err.Error()})
	}
	return err
}
