// Package mceerr defines the sentinel errors shared across mce-go's
// components: package-level Err* values for conditions callers branch on.
package mceerr

import "errors"

var (
	// ErrUnsupported indicates the underlying kernel/sysfs feature a caller
	// asked for is not present on this device (e.g. wakelock sysfs, LPM).
	ErrUnsupported = errors.New("mce: feature unsupported on this device")

	// ErrNotFound indicates a named resource (timer, datapipe, bus client)
	// does not exist.
	ErrNotFound = errors.New("mce: not found")

	// ErrWouldBlock indicates an operation that must not block the event
	// loop was about to, and was aborted instead.
	ErrWouldBlock = errors.New("mce: operation would block")

	// ErrReentrant indicates a datapipe or state-machine re-entrancy guard
	// rejected a nested call.
	ErrReentrant = errors.New("mce: re-entrant execution rejected")

	// ErrClosed indicates the event loop or a resource bound to it has
	// already shut down.
	ErrClosed = errors.New("mce: closed")

	// ErrLimitExceeded indicates a bounded set (e.g. blanking-pause
	// clients) is already at capacity.
	ErrLimitExceeded = errors.New("mce: limit exceeded")
)
