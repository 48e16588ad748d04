package sysfsio

import (
	"bytes"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sailfishos/mce-go/internal/datapipe"
	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
	"github.com/sailfishos/mce-go/internal/wakelock"
)

// Mode selects how a Monitor interprets bytes read from its fd.
type Mode int

const (
	// ModeString delivers one notification per newline-terminated line.
	ModeString Mode = iota
	// ModeChunk delivers fixed-size binary records; a short read is
	// logged and the partial chunk is retained until a later read
	// completes it.
	ModeChunk
)

// ErrorPolicy controls what happens when a Monitor's read fails.
type ErrorPolicy int

const (
	// PolicyExit disables the monitor and asks the owning daemon to
	// exit the mainloop.
	PolicyExit ErrorPolicy = iota
	// PolicyWarn disables the monitor and logs at warning level.
	PolicyWarn
	// PolicyIgnore disables the monitor silently.
	PolicyIgnore
)

// Config describes a Monitor's static configuration.
type Config struct {
	Path string
	Mode Mode
	// ChunkSize is the fixed record size for ModeChunk; ignored in
	// ModeString.
	ChunkSize int
	// Rewind seeks the fd to offset 0 before every read (spec's
	// rewind_policy), for nodes whose read semantics are "entire
	// current value every time" rather than a true stream.
	Rewind bool
	// ErrorPolicy selects disable-and-warn vs disable-and-exit vs
	// disable-and-ignore on a read error.
	ErrorPolicy ErrorPolicy

	// OnLine is invoked per line in ModeString (without the trailing
	// newline).
	OnLine func(line []byte)
	// OnChunk is invoked per complete record in ModeChunk.
	OnChunk func(chunk []byte)
	// OnFatal is invoked once if ErrorPolicy is PolicyExit and a read
	// fails; the caller is expected to stop the daemon's mainloop.
	OnFatal func(err error)
}

// Monitor watches a single fd for readability and dispatches line- or
// chunk-shaped notifications to the configured callbacks. ModeChunk
// reads bracket themselves with the mce_input_handler wakelock so the
// kernel can't re-suspend between data becoming available and
// userspace consuming it, and feed detect_resume after every chunk.
type Monitor struct {
	cfg  Config
	log  *mcelog.Logger
	loop *loop.Loop
	gate *wakelock.Gate

	resume *datapipe.Pipe[time.Duration]

	fd       int
	seekable bool

	lineBuf  []byte
	chunkBuf []byte

	lastMonotonic time.Duration
	lastBoottime  time.Duration
	haveBaseline  bool

	disabled bool
}

// NewMonitor opens cfg.Path, probes seekability via an actual seek
// syscall (spec: "seekability is probed via syscall, not the library
// hint"), registers the fd with l for read readiness, and begins
// dispatching notifications. resume is the resume_detected datapipe
// chunk reads publish suspend gaps to; it may be nil if the caller
// doesn't care about suspend detection for this node.
func NewMonitor(l *loop.Loop, gate *wakelock.Gate, log *mcelog.Logger, resume *datapipe.Pipe[time.Duration], cfg Config) (*Monitor, error) {
	fd, err := unix.Open(cfg.Path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}

	_, seekErr := unix.Seek(fd, 0, unix.SEEK_CUR)
	seekable := seekErr == nil

	m := &Monitor{
		cfg:      cfg,
		log:      log,
		loop:     l,
		gate:     gate,
		resume:   resume,
		fd:       fd,
		seekable: seekable,
	}
	if cfg.ChunkSize > 0 {
		m.chunkBuf = make([]byte, 0, cfg.ChunkSize)
	}

	if err := l.RegisterFD(fd, loop.EventRead, m.onReadable); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return m, nil
}

// Close unregisters and closes the monitored fd. Idempotent.
func (m *Monitor) Close() error {
	if m.disabled {
		return nil
	}
	m.disabled = true
	_ = m.loop.UnregisterFD(m.fd)
	return unix.Close(m.fd)
}

func (m *Monitor) onReadable(loop.IOEvents) {
	if m.disabled {
		return
	}
	if m.cfg.Rewind && m.seekable {
		if _, err := unix.Seek(m.fd, 0, unix.SEEK_SET); err != nil {
			m.fail(err)
			return
		}
	}

	switch m.cfg.Mode {
	case ModeChunk:
		m.readChunk()
	default:
		m.readLines()
	}
}

func (m *Monitor) readLines() {
	var buf [4096]byte
	for {
		n, err := unix.Read(m.fd, buf[:])
		if n > 0 {
			m.lineBuf = append(m.lineBuf, buf[:n]...)
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			m.fail(err)
			return
		}
		if n == 0 {
			break
		}
	}

	for {
		i := bytes.IndexByte(m.lineBuf, '\n')
		if i < 0 {
			break
		}
		line := m.lineBuf[:i]
		m.lineBuf = m.lineBuf[i+1:]
		if m.cfg.OnLine != nil {
			m.cfg.OnLine(line)
		}
	}
}

func (m *Monitor) readChunk() {
	if m.gate != nil {
		m.gate.Lock(wakelock.InputHandler, -1)
		defer m.gate.Unlock(wakelock.InputHandler)
	}

	need := m.cfg.ChunkSize - len(m.chunkBuf)
	buf := make([]byte, need)
	n, err := unix.Read(m.fd, buf)
	if err != nil && err != unix.EAGAIN {
		if err == unix.EINTR {
			return
		}
		m.fail(err)
		return
	}
	if n > 0 {
		m.chunkBuf = append(m.chunkBuf, buf[:n]...)
	}
	if len(m.chunkBuf) < m.cfg.ChunkSize {
		if m.log != nil && n > 0 {
			m.log.Debug("sysfsio: incomplete chunk retained", mcelog.Fields{
				"path": m.cfg.Path, "have": len(m.chunkBuf), "want": m.cfg.ChunkSize,
			})
		}
		return
	}

	chunk := m.chunkBuf
	m.chunkBuf = make([]byte, 0, m.cfg.ChunkSize)

	m.detectResume()
	if m.cfg.OnChunk != nil {
		m.cfg.OnChunk(chunk)
	}
}

// detectResume compares CLOCK_MONOTONIC against CLOCK_BOOTTIME; the two
// clocks advance together while the CPU is awake, but CLOCK_BOOTTIME
// also counts suspended time, so a widening gap since the last sample
// is exactly the duration the system was suspended.
func (m *Monitor) detectResume() {
	var monoTS, bootTS unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &monoTS); err != nil {
		return
	}
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &bootTS); err != nil {
		return
	}
	mono := time.Duration(monoTS.Nano())
	boot := time.Duration(bootTS.Nano())

	if !m.haveBaseline {
		m.lastMonotonic, m.lastBoottime, m.haveBaseline = mono, boot, true
		return
	}

	gap := (boot - m.lastBoottime) - (mono - m.lastMonotonic)
	m.lastMonotonic, m.lastBoottime = mono, boot

	if gap > 100*time.Millisecond && m.resume != nil {
		m.resume.Exec(gap)
	}
}

func (m *Monitor) fail(err error) {
	_ = m.Close()
	switch m.cfg.ErrorPolicy {
	case PolicyExit:
		if m.log != nil {
			m.log.Crit("sysfsio: monitor disabled, exiting", mcelog.Fields{"path": m.cfg.Path, "error": err.Error()})
		}
		if m.cfg.OnFatal != nil {
			m.cfg.OnFatal(err)
		}
	case PolicyWarn:
		if m.log != nil {
			m.log.Warn("sysfsio: monitor disabled", mcelog.Fields{"path": m.cfg.Path, "error": err.Error()})
		}
	default:
		if m.log != nil {
			m.log.Debug("sysfsio: monitor disabled", mcelog.Fields{"path": m.cfg.Path, "error": err.Error()})
		}
	}
}
