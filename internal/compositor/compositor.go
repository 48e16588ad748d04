// Package compositor implements the compositor IPC peer and its
// three-stage escalating watchdog . It does
// not speak D-Bus itself — internal/dbusapi implements the Peer
// interface and feeds replies back via Resolve/Reject on the pending
// call this package registers — mirroring the split the teacher draws
// between eventloop's transport-agnostic PendingCall and whatever
// transport (D-Bus here, goja/JS there) actually carries the reply.
package compositor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-catrate"

	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
)

// UIState is the compositor's UI-enabled state.
type UIState int

const (
	StateUnknown UIState = iota
	StateError
	StateDisabled
	StateEnabled
)

const (
	timerPanicLED = "compositor_panic_led"
	timerCoreDump = "compositor_coredump"
	timerKill     = "compositor_kill"
	timerVerify   = "compositor_verify"

	coreDumpAfterKill = 25 * time.Second
	verifyAfterKill   = 5 * time.Second
)

var watchdogRates = map[time.Duration]int{time.Minute: 3}

// Peer sends the single outstanding setUpdatesEnabled(bool) call. pc is
// the PendingCall the peer must Resolve (with the new UIState) or
// Reject once the reply/error is observed.
type Peer interface {
	SetUpdatesEnabled(enabled bool, pc *loop.PendingCall) error
}

// LED abstracts the visible alert indicator the watchdog drives.
type LED interface {
	PanicOn()
	PanicOff()
	YellowOn()
	YellowOff()
}

// Controller owns the peer call cycle and its watchdog.
type Controller struct {
	loop *loop.Loop
	log  *mcelog.Logger
	peer Peer
	led  LED

	limiterMu sync.Mutex
	limiter   *catrate.Limiter

	uiState UIState
	pid     int // 0 if unresolved

	pending    *loop.PendingCall
	pendingReq bool // the in-flight request's boolean argument

	owed bool // true once bus-name newly appeared, until the first call completes

	// FramebufferRecycle is invoked when the bus name is lost, to clear
	// zombie pixels.
	FramebufferRecycle func()

	// PanicLEDDelay returns the panic-LED arm delay, which gradually
	// shortens from 15s during early boot to 3s steady state. Callers
	// set this after construction; the zero value (nil) uses a
	// constant 3s.
	PanicLEDDelay func() time.Duration

	// CoreDumpDelay returns the delay from call start to the
	// core-dump attempt (default 30s).
	CoreDumpDelay func() time.Duration
}

// New constructs a Controller. led may be nil (LED calls become no-ops).
func New(l *loop.Loop, log *mcelog.Logger, peer Peer, led LED) *Controller {
	return &Controller{
		loop:    l,
		log:     log,
		peer:    peer,
		led:     led,
		limiter: catrate.NewLimiter(watchdogRates),
	}
}

// UIState returns the last-observed compositor UI state.
func (c *Controller) UIState() UIState { return c.uiState }

// SetPID records the compositor peer's process id, resolved lazily on
// bus-name arrival.
func (c *Controller) SetPID(pid int) { c.pid = pid }

// RequestEnabled sends setUpdatesEnabled(enabled) and arms the
// watchdog. A second call while one is already in flight is a no-op
// ("a single outstanding async call").
func (c *Controller) RequestEnabled(enabled bool) {
	if c.pending != nil {
		return
	}
	c.uiState = StateUnknown
	c.pendingReq = enabled
	c.pending = c.loop.NewPendingCall(c.onReply)
	if err := c.peer.SetUpdatesEnabled(enabled, c.pending); err != nil {
		c.loop.Reject(c.pending.ID, err)
		return
	}
	c.armWatchdog()
}

func (c *Controller) onReply(result any, err error) {
	c.cancelWatchdog()
	c.pending = nil
	if err != nil {
		c.uiState = StateError
		// "retries indefinitely (as long as the peer is on the bus)"
		if c.pid != 0 {
			c.RequestEnabled(c.pendingReq)
		}
		return
	}
	state, _ := result.(UIState)
	c.uiState = state
	if state == StateEnabled || state == StateDisabled {
		c.owed = false
	}
}

// BusNameAppeared resends setUpdatesEnabled(true): on compositor
// bus-name reappearance, the next setUpdatesEnabled sent is always
// true.
func (c *Controller) BusNameAppeared(pid int) {
	c.pid = pid
	c.owed = true
	c.cancelWatchdog()
	c.pending = nil
	c.RequestEnabled(true)
}

// BusNameLost cancels any in-flight call and its watchdog, and recycles
// the framebuffer to clear zombie pixels.
func (c *Controller) BusNameLost() {
	if c.pending != nil {
		c.loop.CancelPendingCall(c.pending.ID)
		c.pending = nil
	}
	c.cancelWatchdog()
	c.uiState = StateUnknown
	c.pid = 0
	c.owed = false
	if c.FramebufferRecycle != nil {
		c.FramebufferRecycle()
	}
}

// Owed reports whether a setUpdatesEnabled(true) is still owed to the
// peer.
func (c *Controller) Owed() bool { return c.owed }

func (c *Controller) armWatchdog() {
	panicDelay := 3 * time.Second
	if c.PanicLEDDelay != nil {
		panicDelay = c.PanicLEDDelay()
	}
	coreDumpDelay := 30 * time.Second
	if c.CoreDumpDelay != nil {
		coreDumpDelay = c.CoreDumpDelay()
	}

	c.loop.ScheduleTimer(timerPanicLED, panicDelay, c.stagePanicLED)
	c.loop.ScheduleTimer(timerCoreDump, coreDumpDelay, c.stageCoreDump)
}

func (c *Controller) cancelWatchdog() {
	c.loop.CancelNamed(timerPanicLED)
	c.loop.CancelNamed(timerCoreDump)
	c.loop.CancelNamed(timerKill)
	c.loop.CancelNamed(timerVerify)
	if c.led != nil {
		c.led.PanicOff()
	}
}

func (c *Controller) stagePanicLED() {
	c.logReArm("panic_led")
	if c.led != nil {
		c.led.PanicOn()
	}
}

func (c *Controller) stageCoreDump() {
	c.logReArm("coredump")
	if c.pid != 0 && verifyNoDebugger(c.pid) {
		_ = unix.Kill(c.pid, unix.SIGXCPU)
		_ = unix.Kill(c.pid, unix.SIGCONT)
	}
	c.loop.ScheduleTimer(timerKill, coreDumpAfterKill, c.stageKill)
}

func (c *Controller) stageKill() {
	c.logReArm("kill")
	if c.pid != 0 {
		_ = unix.Kill(c.pid, unix.SIGKILL)
	}
	c.loop.ScheduleTimer(timerVerify, verifyAfterKill, c.stageVerify)
}

func (c *Controller) stageVerify() {
	if c.pid == 0 || processGone(c.pid) {
		if c.led != nil {
			c.led.PanicOff()
		}
		if c.log != nil {
			c.log.Crit("compositor: unresponsive peer terminated", mcelog.Fields{"pid": c.pid})
		}
		return
	}
	if c.log != nil {
		c.log.Error("compositor: peer survived kill, giving up", nil, mcelog.Fields{"pid": c.pid})
	}
	if c.led != nil {
		c.led.PanicOff()
	}
}

func (c *Controller) logReArm(stage string) {
	if c.log == nil {
		return
	}
	c.limiterMu.Lock()
	_, ok := c.limiter.Allow(stage)
	c.limiterMu.Unlock()
	if !ok {
		return
	}
	c.log.Warn("compositor: watchdog stage armed", mcelog.Fields{"stage": stage, "pid": c.pid})
}

// verifyNoDebugger probes via PTRACE_ATTACH/PTRACE_DETACH :
// if attach fails, a debugger is already attached and the core-dump
// signal is withheld.
func verifyNoDebugger(pid int) bool {
	if err := unix.PtraceAttach(pid); err != nil {
		return false
	}
	_ = unix.PtraceDetach(pid)
	return true
}

func processGone(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == unix.ESRCH
}
