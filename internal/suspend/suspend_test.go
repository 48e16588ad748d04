package suspend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseSnapshot(now time.Time) Snapshot {
	return Snapshot{
		Call:                     CallNone,
		CallStateChangedAt:       now.Add(-time.Hour),
		Now:                      now,
		SystemStateUser:          true,
		CompositorUIState:        CompositorDisabled,
		Setting:                  SettingEnabled,
	}
}

func TestFullyIdleAllowsLateSuspend(t *testing.T) {
	now := time.Now()
	require.Equal(t, LevelLate, AllowedLevel(baseSnapshot(now)))
}

func TestRingingCallBlocksLate(t *testing.T) {
	now := time.Now()
	s := baseSnapshot(now)
	s.Call = CallRinging
	require.Equal(t, LevelEarly, AllowedLevel(s))
}

func TestRecentCallChangeBlocksLate(t *testing.T) {
	now := time.Now()
	s := baseSnapshot(now)
	s.Call = CallActive
	s.CallStateChangedAt = now.Add(-30 * time.Second)
	require.Equal(t, LevelEarly, AllowedLevel(s))

	s.CallStateChangedAt = now.Add(-90 * time.Second)
	require.Equal(t, LevelLate, AllowedLevel(s))
}

func TestCompositorNotDisabledBlocksEarlyToo(t *testing.T) {
	now := time.Now()
	s := baseSnapshot(now)
	s.CompositorUIState = CompositorEnabled
	require.Equal(t, LevelOn, AllowedLevel(s))
}

func TestModuleUnloadingBlocksEarly(t *testing.T) {
	now := time.Now()
	s := baseSnapshot(now)
	s.ModuleUnloading = true
	require.Equal(t, LevelOn, AllowedLevel(s))
}

func TestSettingDisabledForcesOn(t *testing.T) {
	now := time.Now()
	s := baseSnapshot(now)
	s.Setting = SettingDisabled
	require.Equal(t, LevelOn, AllowedLevel(s))
}

func TestSettingEarlyOnlyCapsLateToEarly(t *testing.T) {
	now := time.Now()
	s := baseSnapshot(now)
	s.Setting = SettingEarlyOnly
	require.Equal(t, LevelEarly, AllowedLevel(s))
}

func TestBootupBlocksLate(t *testing.T) {
	now := time.Now()
	s := baseSnapshot(now)
	s.InitDoneFlagAbsent = true
	require.Equal(t, LevelEarly, AllowedLevel(s))
}
