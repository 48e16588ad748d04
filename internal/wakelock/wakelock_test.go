package wakelock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-catrate"

	"github.com/sailfishos/mce-go/internal/mcelog"
)

func newTestGate() *Gate {
	return &Gate{log: mcelog.Noop(), limiter: catrate.NewLimiter(failureRates)}
}

func TestNewProbesSupport(t *testing.T) {
	g := New(mcelog.Noop())
	require.NotNil(t, g)
	// Supported() must reflect whatever the probe observed; on a
	// sandboxed test host /sys/power/wake_lock is almost always absent,
	// but the assertion only needs New and Supported to agree.
	require.Equal(t, g.supported.Load(), g.Supported())
}

func TestUnsupportedGateOperationsAreNoops(t *testing.T) {
	g := newTestGate()
	g.supported.Store(false)

	require.NotPanics(t, func() {
		g.Lock(DisplaySTM, time.Second)
		g.Unlock(DisplaySTM)
		g.AllowSuspend()
		g.BlockSuspend()
		g.BlockUntilExit()
	})
	require.False(t, g.Supported())
}

func TestBlockUntilExitLatchesAllowSuspend(t *testing.T) {
	g := newTestGate()
	g.supported.Store(false) // avoid touching real sysfs in the test
	g.BlockUntilExit()
	require.True(t, g.blocked.Load())
}

func TestAppendIntRoundTrips(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, 1234567890, -1234567890}
	for _, c := range cases {
		got := string(appendInt(nil, c))
		require.Equal(t, wantDecimal(c), got)
	}
}

func TestAppendStringCopiesBytes(t *testing.T) {
	require.Equal(t, "mce_display_stm", string(appendString(nil, DisplaySTM)))
}

func TestLogFailureRepeatedFailuresDoNotPanic(t *testing.T) {
	g := newTestGate()
	require.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			g.logFailure(wakeLockPath, errShortWrite)
		}
	})
}

var errShortWrite = &testErr{"short write"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

func wantDecimal(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
