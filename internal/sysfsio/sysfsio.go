// Package sysfsio implements buffered and atomic file I/O against kernel
// sysfs/procfs nodes, plus the file-monitor abstraction that watches
// driver nodes for line- or chunk-based input.
// It is grounded on the teacher's fd_unix.go convention of thin,
// EINTR-aware wrappers over golang.org/x/sys/unix, generalized from "one
// read, one write" to the read/write/atomic-update/monitor surface this
// daemon needs.
package sysfsio

import (
	"bytes"
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// LoadFile reads the whole file, sizing its initial buffer from stat(2).
// Used for sysfs nodes that report an accurate size.
func LoadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, fi.Size())
	return readAllEINTR(f, buf)
}

// LoadUntilEOF reads the whole file without trusting stat(2)'s reported
// size, growing the buffer as it goes. Used for pseudo-files (e.g.
// /proc entries) that report a zero or misleading size.
func LoadUntilEOF(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readAllEINTR(f, make([]byte, 0, 4096))
}

func readAllEINTR(f *os.File, buf []byte) ([]byte, error) {
	chunk := make([]byte, 4096)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return buf, err
		}
		if n == 0 {
			return buf, nil
		}
	}
}

// WriteString writes s to path, truncating any existing content.
func WriteString(path string, s string) error {
	return writeRetry(path, []byte(s))
}

// WriteNumber writes the decimal form of n to path.
func WriteNumber(path string, n int64) error {
	var buf [20]byte
	return writeRetry(path, appendInt(buf[:0], n))
}

func writeRetry(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	for len(data) > 0 {
		n, err := f.Write(data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

// AtomicOptions configures WriteAtomic.
type AtomicOptions struct {
	// KeepBackup hardlinks the previous target contents to path+".bak"
	// before the rename, when the target already exists.
	KeepBackup bool
}

// WriteAtomic writes data to path+".tmp", fsyncs it, optionally hardlinks
// the existing target to path+".bak", then renames the tmp file over the
// target. This is the crash-safe variant a reader never observes a
// partially written file with.
func WriteAtomic(path string, data []byte, opts AtomicOptions) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if opts.KeepBackup {
		bak := path + ".bak"
		os.Remove(bak)
		_ = os.Link(path, bak) // best-effort; absent target is not an error
	}
	return os.Rename(tmp, path)
}

// UpdateFileAtomic writes data via WriteAtomic, but first compares it
// against the current content of path and skips the write entirely if
// they're identical, to reduce flash wear on frequently-touched nodes.
func UpdateFileAtomic(path string, data []byte, opts AtomicOptions) error {
	current, err := LoadFile(path)
	if err == nil && bytes.Equal(current, data) {
		return nil
	}
	return WriteAtomic(path, data, opts)
}

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
