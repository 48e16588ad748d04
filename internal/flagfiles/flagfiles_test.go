package flagfiles

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseBootStateUser(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstate")

	require.False(t, parseBootStateUser(path), "missing file is not user mode")

	require.NoError(t, os.WriteFile(path, []byte("BOOTSTATE=ACT_DEAD\n"), 0o644))
	require.False(t, parseBootStateUser(path))

	require.NoError(t, os.WriteFile(path, []byte("BOOTSTATE=USER\n"), 0o644))
	require.True(t, parseBootStateUser(path))
}

func TestTrackerDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	initDone := filepath.Join(dir, "init-done")
	bootState := filepath.Join(dir, "bootstate")
	osUpdate := filepath.Join(dir, "os-update-running")

	origInit, origBoot, origUpdate := InitDonePath, BootStatePath, OSUpdatePath
	defer func() {
		InitDonePath, BootStatePath, OSUpdatePath = origInit, origBoot, origUpdate
	}()
	InitDonePath, BootStatePath, OSUpdatePath = initDone, bootState, osUpdate

	var gotInitDone, gotUserMode, gotUpdate []bool
	tr := New(nil, nil, Callbacks{
		OnInitDoneChanged:   func(v bool) { gotInitDone = append(gotInitDone, v) },
		OnBootStateChanged:  func(v bool) { gotUserMode = append(gotUserMode, v) },
		OnUpdateModeChanged: func(v bool) { gotUpdate = append(gotUpdate, v) },
	})
	require.NoError(t, tr.Start())
	defer tr.Stop()

	require.NoError(t, os.WriteFile(bootState, []byte("BOOTSTATE=USER\n"), 0o644))
	require.Eventually(t, func() bool { return tr.BootStateUser() }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(initDone, []byte(""), 0o644))
	require.Eventually(t, func() bool { return tr.InitDonePresent() }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(osUpdate, []byte(""), 0o644))
	require.Eventually(t, func() bool { return tr.UpdateRunning() }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.Remove(osUpdate))
	require.Eventually(t, func() bool { return !tr.UpdateRunning() }, time.Second, 5*time.Millisecond)

	require.NotEmpty(t, gotInitDone)
	require.NotEmpty(t, gotUserMode)
	require.NotEmpty(t, gotUpdate)
}
