package sysfsio

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"

	"github.com/sailfishos/mce-go/internal/datapipe"
	"github.com/sailfishos/mce-go/internal/loop"
	"github.com/sailfishos/mce-go/internal/mcelog"
	"github.com/sailfishos/mce-go/internal/wakelock"
)

func newRunningLoop(t *testing.T) (*loop.Loop, func()) {
	t.Helper()
	l, err := loop.New(mcelog.Noop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	return l, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not shut down")
		}
		_ = l.Close()
	}
}

func TestMonitorStringModeSplitsLines(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	r, w, err := unix.Pipe()
	require.NoError(t, err)
	defer unix.Close(w)
	require.NoError(t, unix.SetNonblock(r, true))

	var mu sync.Mutex
	var lines []string
	ready := make(chan struct{}, 8)

	m, err := newMonitorFromFD(l, nil, mcelog.Noop(), nil, Config{
		Path: "/fake/gpio-keys",
		Mode: ModeString,
		OnLine: func(line []byte) {
			mu.Lock()
			lines = append(lines, string(line))
			mu.Unlock()
			ready <- struct{}{}
		},
	}, r)
	require.NoError(t, err)
	defer m.Close()

	_, err = unix.Write(w, []byte("proximity 1\npower_key 0\n"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-ready:
		case <-time.After(time.Second):
			t.Fatal("line notification did not arrive")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"proximity 1", "power_key 0"}, lines)
}

func TestMonitorChunkModeHoldsPartialChunk(t *testing.T) {
	l, stop := newRunningLoop(t)
	defer stop()

	r, w, err := unix.Pipe()
	require.NoError(t, err)
	defer unix.Close(w)
	require.NoError(t, unix.SetNonblock(r, true))

	resume := datapipe.New[time.Duration]("resume_detected", 0)
	gate := wakelock.New(mcelog.Noop())

	chunks := make(chan []byte, 4)
	m, err := newMonitorFromFD(l, gate, mcelog.Noop(), resume, Config{
		Path:      "/fake/input-event",
		Mode:      ModeChunk,
		ChunkSize: 4,
		OnChunk:   func(c []byte) { chunks <- append([]byte(nil), c...) },
	}, r)
	require.NoError(t, err)
	defer m.Close()

	_, err = unix.Write(w, []byte{1, 2})
	require.NoError(t, err)

	select {
	case <-chunks:
		t.Fatal("a partial chunk must not be delivered")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = unix.Write(w, []byte{3, 4})
	require.NoError(t, err)

	select {
	case c := <-chunks:
		require.Equal(t, []byte{1, 2, 3, 4}, c)
	case <-time.After(time.Second):
		t.Fatal("completed chunk was not delivered")
	}
}

// newMonitorFromFD builds a Monitor around an already-open fd (a test
// pipe end) instead of opening cfg.Path, since this package's sysfs
// paths don't exist on a test host.
func newMonitorFromFD(l *loop.Loop, gate *wakelock.Gate, log *mcelog.Logger, resume *datapipe.Pipe[time.Duration], cfg Config, fd int) (*Monitor, error) {
	m := &Monitor{cfg: cfg, log: log, loop: l, gate: gate, resume: resume, fd: fd}
	if cfg.ChunkSize > 0 {
		m.chunkBuf = make([]byte, 0, cfg.ChunkSize)
	}
	if err := l.RegisterFD(fd, loop.EventRead, m.onReadable); err != nil {
		return nil, err
	}
	return m, nil
}
