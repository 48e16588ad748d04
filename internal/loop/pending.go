package loop

import (
	"sync"

	"github.com/google/uuid"
)

// PendingCall models a single outstanding asynchronous reply — the
// compositor's setUpdatesEnabled RPC and D-Bus method calls in general
// only ever have one call in flight per peer, so this is
// deliberately far simpler than the teacher's full Promise/A+
// ChainedPromise (promise.go): one resolve, one reject, no chaining, no
// microtask scheduling. Correlation uses a uuid (grounded in
// gravwell-gravwell's go.mod) instead of the teacher's registry-assigned
// uint64, since pending calls here are logged and correlated across
// process boundaries (D-Bus), not just within one loop's memory.
type PendingCall struct {
	ID uuid.UUID

	mu       sync.Mutex
	settled  bool
	onResult func(result any, err error)
}

// NewPendingCall registers a new pending call. onResult is invoked on the
// loop goroutine exactly once, either via Resolve or Reject (or with
// ErrClosed if the loop shuts down while the call is outstanding).
func (l *Loop) NewPendingCall(onResult func(result any, err error)) *PendingCall {
	pc := &PendingCall{ID: uuid.New(), onResult: onResult}
	l.pendingMu.Lock()
	l.pending[pc.ID] = pc
	l.pendingMu.Unlock()
	return pc
}

// Resolve completes the call successfully. Safe to call from any
// goroutine (e.g. a D-Bus client library's reply callback); the
// onResult callback itself always runs on the loop goroutine.
func (l *Loop) Resolve(id uuid.UUID, result any) {
	l.settle(id, result, nil)
}

// Reject completes the call with an error.
func (l *Loop) Reject(id uuid.UUID, err error) {
	l.settle(id, nil, err)
}

func (l *Loop) settle(id uuid.UUID, result any, err error) {
	l.pendingMu.Lock()
	pc, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.pendingMu.Unlock()
	if !ok {
		return
	}
	pc.mu.Lock()
	if pc.settled {
		pc.mu.Unlock()
		return
	}
	pc.settled = true
	pc.mu.Unlock()

	l.Submit(func() { pc.onResult(result, err) })
}

// CancelPendingCall drops the notification registration without
// invoking onResult — the reply, if it later arrives, is consumed by
// settle's "not found" branch and silently ignored. This implements
// "cancellation by dropping the notification registration".
func (l *Loop) CancelPendingCall(id uuid.UUID) {
	l.pendingMu.Lock()
	delete(l.pending, id)
	l.pendingMu.Unlock()
}

func (l *Loop) rejectAllPending() {
	l.pendingMu.Lock()
	all := make([]*PendingCall, 0, len(l.pending))
	for _, pc := range l.pending {
		all = append(all, pc)
	}
	l.pending = make(map[uuid.UUID]*PendingCall)
	l.pendingMu.Unlock()

	for _, pc := range all {
		pc.mu.Lock()
		if pc.settled {
			pc.mu.Unlock()
			continue
		}
		pc.settled = true
		pc.mu.Unlock()
		pc.onResult(nil, ErrClosed)
	}
}
