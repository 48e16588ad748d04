// Package fbpower implements the framebuffer power gate: either a
// kernel wait-for-fb worker thread that blocks on the two sysfs wait
// files and signals the main loop via a pipe, or a synchronous ioctl
// fallback, selected at construction. This mirrors the teacher's own
// "exactly one auxiliary thread, communicates only via a pipe, no
// shared-state mutation" design for its single blocking worker,
// generalized from the teacher's FD-wakeup eventfd pattern to a worker
// that produces one-byte tokens instead of a bare wakeup.
package fbpower

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
	"github.com/sailfishos/mce-go/internal/wakelock"
)

const (
	tokenSleep = 'S'
	tokenWake  = 'W'

	yellowAlertTimeout = time.Second
	timerYellowAlert   = "fbpower_yellow_alert"
)

// Backend selects how fbpower talks to the kernel.
type Backend interface {
	// RequestSuspend asks the framebuffer to enter early suspend.
	RequestSuspend() error
	// RequestResume asks the framebuffer to resume.
	RequestResume() error
}

// YellowLED is the transition-timeout alert indicator.
type YellowLED interface {
	On()
	Off()
}

// Gate drives framebuffer suspend/resume transitions and reports
// completion via callbacks, matching the display state machine's
// INIT_SUSPEND/WAIT_SUSPEND and INIT_RESUME/WAIT_RESUME steps.
type Gate struct {
	loop    *loop.Loop
	log     *mcelog.Logger
	gate    *wakelock.Gate
	backend Backend
	led     YellowLED

	onSuspended func()
	onResumed   func()

	readFD     int
	kernelWait bool // true only for NewKernelWaitGate; distinguishes the two backends independently of whether loop is set, since both constructors receive a loop

	mu      sync.Mutex
	pending string // "" | "suspend" | "resume"
}

// NewKernelWaitGate builds a Gate backed by the kernel wait-for-fb
// worker thread: readFD is the read end of a pipe a background
// goroutine writes tokenSleep/tokenWake into after blocking on
// /sys/power/wait_for_fb_{sleep,wake}; see StartKernelWaitWorker.
func NewKernelWaitGate(l *loop.Loop, log *mcelog.Logger, gate *wakelock.Gate, backend Backend, led YellowLED, readFD int, onSuspended, onResumed func()) (*Gate, error) {
	g := &Gate{loop: l, log: log, gate: gate, backend: backend, led: led, onSuspended: onSuspended, onResumed: onResumed, readFD: readFD, kernelWait: true}
	if err := l.RegisterFD(readFD, loop.EventRead, g.onToken); err != nil {
		return nil, err
	}
	return g, nil
}

// StartKernelWaitWorker spawns the single auxiliary thread: it
// alternately blocks in read(2) on sleepPath and wakePath and writes
// one token byte per wake for each, until stop is closed. It performs
// no shared-state mutation — only writes to w.
func StartKernelWaitWorker(sleepPath, wakePath string, w int, stop <-chan struct{}) error {
	sleepFD, err := unix.Open(sleepPath, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	wakeFD, err := unix.Open(wakePath, unix.O_RDONLY, 0)
	if err != nil {
		_ = unix.Close(sleepFD)
		return err
	}

	go func() {
		defer unix.Close(sleepFD)
		defer unix.Close(wakeFD)
		var buf [1]byte
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := unix.Read(sleepFD, buf[:]); err != nil {
				if err == unix.EINTR {
					continue
				}
				return
			}
			if _, err := unix.Write(w, []byte{tokenSleep}); err != nil {
				return
			}
			if _, err := unix.Read(wakeFD, buf[:]); err != nil {
				if err == unix.EINTR {
					continue
				}
				return
			}
			if _, err := unix.Write(w, []byte{tokenWake}); err != nil {
				return
			}
		}
	}()
	return nil
}

// NewIOCTLGate builds a Gate backed by the synchronous ioctl fallback:
// RequestSuspend/RequestResume return immediately and the Gate
// considers the transition complete as soon as the backend call
// returns.
func NewIOCTLGate(l *loop.Loop, log *mcelog.Logger, gate *wakelock.Gate, backend Backend, led YellowLED, onSuspended, onResumed func()) *Gate {
	return &Gate{loop: l, log: log, gate: gate, backend: backend, led: led, onSuspended: onSuspended, onResumed: onResumed}
}

// Suspend begins an early-suspend transition: toggles kernel
// autosuspend allowance via the wakelock gate, then awaits (or, for the
// ioctl backend, synchronously performs) the expected transition.
func (g *Gate) Suspend() error {
	g.mu.Lock()
	g.pending = "suspend"
	g.mu.Unlock()
	g.armYellowAlert()

	if err := g.backend.RequestSuspend(); err != nil {
		g.cancelYellowAlert()
		g.mu.Lock()
		g.pending = ""
		g.mu.Unlock()
		return err
	}
	if g.gate != nil {
		g.gate.AllowSuspend()
	}
	if !g.isKernelWait() {
		g.complete("suspend")
	}
	return nil
}

// Resume begins a resume transition.
func (g *Gate) Resume() error {
	g.mu.Lock()
	g.pending = "resume"
	g.mu.Unlock()
	g.armYellowAlert()

	if g.gate != nil {
		g.gate.BlockSuspend()
	}
	if err := g.backend.RequestResume(); err != nil {
		g.cancelYellowAlert()
		g.mu.Lock()
		g.pending = ""
		g.mu.Unlock()
		return err
	}
	if !g.isKernelWait() {
		g.complete("resume")
	}
	return nil
}

func (g *Gate) isKernelWait() bool { return g.kernelWait }

func (g *Gate) onToken(loop.IOEvents) {
	var buf [1]byte
	n, err := unix.Read(g.fdForRead(), buf[:])
	if err != nil || n == 0 {
		return
	}
	switch buf[0] {
	case tokenSleep:
		g.complete("suspend")
	case tokenWake:
		g.complete("resume")
	}
}

// fdForRead returns the read end of the token pipe; it is not
// overridable, so onToken always reads the real fd.
func (g *Gate) fdForRead() int { return g.readFD }

func (g *Gate) complete(which string) {
	g.mu.Lock()
	if g.pending != which {
		g.mu.Unlock()
		return
	}
	g.pending = ""
	g.mu.Unlock()

	g.cancelYellowAlert()
	switch which {
	case "suspend":
		if g.onSuspended != nil {
			g.onSuspended()
		}
	case "resume":
		if g.onResumed != nil {
			g.onResumed()
		}
	}
}

func (g *Gate) armYellowAlert() {
	if g.loop == nil {
		return
	}
	g.loop.ScheduleTimer(timerYellowAlert, yellowAlertTimeout, func() {
		if g.led != nil {
			g.led.On()
		}
	})
}

func (g *Gate) cancelYellowAlert() {
	if g.loop != nil {
		g.loop.CancelNamed(timerYellowAlert)
	}
	if g.led != nil {
		g.led.Off()
	}
}
