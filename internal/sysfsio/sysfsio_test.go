package sysfsio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileReadsFullContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "value")
	require.NoError(t, os.WriteFile(path, []byte("42\n"), 0644))

	got, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "42\n", string(got))
}

func TestLoadUntilEOFReadsFullContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "value")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	got, err := LoadUntilEOF(path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestWriteStringTruncatesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brightness")
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0644))

	require.NoError(t, WriteString(path, "5"))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "5", string(got))
}

func TestWriteNumber(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brightness")
	require.NoError(t, os.WriteFile(path, []byte(""), 0644))

	require.NoError(t, WriteNumber(path, 255))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "255", string(got))

	require.NoError(t, WriteNumber(path, -7))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "-7", string(got))
}

func TestWriteAtomicReplacesTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mode")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	require.NoError(t, WriteAtomic(path, []byte("new"), AtomicOptions{KeepBackup: true}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))

	bak, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	require.Equal(t, "old", string(bak)) // backup hardlink is taken before the rename

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestUpdateFileAtomicSkipsIdenticalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mode")
	require.NoError(t, os.WriteFile(path, []byte("still-image"), 0644))

	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, UpdateFileAtomic(path, []byte("still-image"), AtomicOptions{}))

	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime(), "identical content must not trigger a write")

	require.NoError(t, UpdateFileAtomic(path, []byte("moving-image"), AtomicOptions{}))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "moving-image", string(got))
}
