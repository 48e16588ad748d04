// Package wakelock implements the async-signal-safe userspace-wakelock
// gate: lock/unlock by name against /sys/power/wake_lock and
// /sys/power/wake_unlock, plus allow_suspend/block_suspend against
// /sys/power/state.
//
// Every write here must be allocation-free and stdio-free, since it must
// be callable from contexts as restrictive as a signal handler; this
// rules out fmt.Sprintf and strconv.Itoa, which both allocate. The
// number-to-string conversion is hand-rolled into a stack buffer instead.
package wakelock

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-catrate"

	"github.com/sailfishos/mce-go/internal/mcelog"
)

const (
	wakeLockPath   = "/sys/power/wake_lock"
	wakeUnlockPath = "/sys/power/wake_unlock"
	powerStatePath = "/sys/power/state"
)

// Well-known wakelock names owned by this daemon.
const (
	DisplaySTM    = "mce_display_stm"
	DisplayOn     = "mce_display_on"
	InputHandler  = "mce_input_handler"
	LPMOff        = "mce_lpm_off"
	BluezWait     = "mce_bluez_wait" // external module, 5s linger; tracked here for uniform accounting only
)

// failureRates throttles the debug-level "sysfs write failed" log line so
// a wedged sysfs node doesn't flood the log once per lock/unlock call,
// using a discrete-event sliding-window limiter keyed by sysfs path.
var failureRates = map[time.Duration]int{time.Minute: 1}

// Gate is the wakelock/suspend-block surface. The zero value works but
// New should be used so the feature-probe runs once at startup.
type Gate struct {
	log *mcelog.Logger

	supported atomic.Bool
	blocked   atomic.Bool // block_until_exit latch

	limiterMu sync.Mutex
	limiter   *catrate.Limiter
}

// New probes wake_lock support and returns a ready Gate. Probing failure
// is not fatal: every operation becomes a no-op,.
func New(log *mcelog.Logger) *Gate {
	g := &Gate{log: log, limiter: catrate.NewLimiter(failureRates)}
	_, err := unix.Open(wakeLockPath, unix.O_WRONLY, 0)
	g.supported.Store(err == nil)
	return g
}

// Lock acquires the named wakelock. timeout<0 means no kernel-side
// timeout (held until explicit Unlock); timeout>=0 is written as
// "name timeout_ns" per the /sys/power/wake_lock protocol.
func (g *Gate) Lock(name string, timeout time.Duration) {
	if !g.supported.Load() {
		return
	}
	var buf [64]byte
	n := appendString(buf[:0], name)
	if timeout >= 0 {
		n = append(n, ' ')
		n = appendInt(n, timeout.Nanoseconds())
	}
	g.write(wakeLockPath, n)
}

// Unlock releases the named wakelock.
func (g *Gate) Unlock(name string) {
	if !g.supported.Load() {
		return
	}
	var buf [64]byte
	n := appendString(buf[:0], name)
	g.write(wakeUnlockPath, n)
}

// AllowSuspend writes "mem" to /sys/power/state, permitting the kernel to
// enter suspend. A no-op after BlockUntilExit has latched.
func (g *Gate) AllowSuspend() {
	if !g.supported.Load() || g.blocked.Load() {
		return
	}
	g.write(powerStatePath, []byte("mem"))
}

// BlockSuspend writes "on", forbidding suspend.
func (g *Gate) BlockSuspend() {
	if !g.supported.Load() {
		return
	}
	g.write(powerStatePath, []byte("on"))
}

// BlockUntilExit sets a one-shot latch disabling all subsequent
// AllowSuspend calls, for daemon-exit sequences.
func (g *Gate) BlockUntilExit() {
	g.blocked.Store(true)
	g.BlockSuspend()
}

// Supported reports whether the kernel exposes the wake_lock sysfs
// feature; callers that gate behavior on wakelock availability (e.g.
// the framebuffer early-suspend path) consult this instead of probing
// again.
func (g *Gate) Supported() bool {
	return g.supported.Load()
}

// write performs the raw, allocation-free write and logs failures at
// debug level only; it never returns an error to the caller because the
// call "never raises".
func (g *Gate) write(path string, data []byte) {
	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		g.logFailure(path, err)
		return
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, data); err != nil {
		g.logFailure(path, err)
	}
}

func (g *Gate) logFailure(path string, err error) {
	if g.log == nil {
		return
	}
	g.limiterMu.Lock()
	_, ok := g.limiter.Allow(path)
	g.limiterMu.Unlock()
	if !ok {
		return
	}
	g.log.Debug("wakelock: sysfs write failed", mcelog.Fields{"path": path, "error": err.Error()})
}

// appendString is a manual, allocation-free analogue of append(dst,
// []byte(s)...) — []byte(s) on a string constant doesn't allocate in Go
// either, but spelling it out keeps this file free of any stdlib helper
// whose allocation behavior isn't pinned by this package's own contract.
func appendString(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		dst = append(dst, s[i])
	}
	return dst
}

// appendInt hand-rolls int64-to-decimal conversion so this package never
// calls strconv (which allocates for negative/multi-digit values via
// AppendInt's internal buffer in some paths) or fmt.
func appendInt(dst []byte, v int64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		dst = append(dst, '-')
	}
	return append(dst, tmp[i:]...)
}
