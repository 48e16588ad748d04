// Package datapipe implements a generic cached broadcast channel: a
// named value cell with filter, input-trigger and output-trigger
// callback lists, a read-only flag, a free-cache flag and a source
// selector for exec_full.
//
// The shape is grounded on the teacher's own callback-registration style
// (eventloop's FD/timer callback lists in poller_linux.go and loop.go),
// generalized here to arbitrary payload types via Go generics and to the
// specific execute-with-filters-then-triggers algorithm, which the
// teacher's FD/timer callbacks don't need. Handles are plain
// incrementing ids rather than func-pointer identity, since Go func
// values aren't comparable; this is also what makes the bindings array
// able to remove exactly what it installed.
package datapipe

import "sync"

// Source selects which value exec_full feeds into the filter chain.
type Source int

const (
	// UseIndata feeds the caller-supplied value into the filter chain.
	UseIndata Source = iota
	// UseCache feeds the pipe's current cached value into the input
	// triggers and the filter chain, ignoring the caller-supplied value
	// (see Pipe.ExecFull).
	UseCache
)

// CachePolicy selects whether a successful exec_full updates the cache.
type CachePolicy int

const (
	// CacheResult replaces the cached value with the filtered result.
	CacheResult CachePolicy = iota
	// DontCache leaves the cache untouched.
	DontCache
)

// Filter transforms or rejects a value. Filters must be deterministic;
// ok=false drops the value from the chain, leaving the pipe's cache (and
// any later filters) untouched by this exec_full call.
type Filter[T any] func(T) (T, bool)

// InputTrigger observes the unfiltered value passed to exec_full.
type InputTrigger[T any] func(T)

// OutputTrigger observes the final, post-filter value.
type OutputTrigger[T any] func(T)

// Handle identifies a registered filter or trigger for later removal.
type Handle uint64

type filterEntry[T any] struct {
	id Handle
	fn Filter[T]
}

type triggerEntry[T any] struct {
	id Handle
	fn func(T)
}

// Pipe is a single named datapipe instance. The zero value is not usable;
// construct with New.
type Pipe[T any] struct {
	mu sync.Mutex

	name        string
	readOnly    bool
	freeCache   bool
	cached      T
	hasCache    bool
	executing   bool
	onFreeCache func(T)

	nextHandle     Handle
	filters        []filterEntry[T]
	inputTriggers  []triggerEntry[T]
	outputTriggers []triggerEntry[T]
}

// Option configures a Pipe at construction time.
type Option[T any] func(*Pipe[T])

// ReadOnly marks the pipe as read-only: ExecFull treats a UseIndata call
// as UseCache, ignoring the caller-supplied value and re-broadcasting the
// current cache through filters and triggers. Used for sensor states
// driven purely by filter chains.
func ReadOnly[T any]() Option[T] {
	return func(p *Pipe[T]) { p.readOnly = true }
}

// FreeCache registers a callback invoked with the prior cached value
// whenever the cache is replaced, mirroring the teacher's free_cache
// attribute for pipes whose payload owns a resource that must be
// released explicitly. Used here for payloads wrapping an open resource
// (e.g. a file-monitor handle) rather than a plain value.
func FreeCache[T any](onFree func(T)) Option[T] {
	return func(p *Pipe[T]) {
		p.freeCache = true
		p.onFreeCache = onFree
	}
}

// New creates a datapipe with the given name and initial cached value.
func New[T any](name string, initial T, opts ...Option[T]) *Pipe[T] {
	p := &Pipe[T]{name: name, cached: initial, hasCache: true, nextHandle: 1}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pipe's registered name, used in logging and in the
// bindings-array removal-by-name bookkeeping.
func (p *Pipe[T]) Name() string { return p.name }

// AddFilter appends a filter to the registration-ordered chain and
// returns a handle for later removal.
func (p *Pipe[T]) AddFilter(f Filter[T]) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextHandle
	p.nextHandle++
	p.filters = append(p.filters, filterEntry[T]{id: id, fn: f})
	return id
}

// RemoveFilter removes the filter registered under h, if any.
func (p *Pipe[T]) RemoveFilter(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = removeEntry(p.filters, h)
}

// AddInputTrigger appends an input trigger and returns a removal handle.
func (p *Pipe[T]) AddInputTrigger(t InputTrigger[T]) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextHandle
	p.nextHandle++
	p.inputTriggers = append(p.inputTriggers, triggerEntry[T]{id: id, fn: t})
	return id
}

// RemoveInputTrigger removes a previously-registered input trigger.
func (p *Pipe[T]) RemoveInputTrigger(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputTriggers = removeEntry(p.inputTriggers, h)
}

// AddOutputTrigger appends an output trigger and returns a removal handle.
func (p *Pipe[T]) AddOutputTrigger(t OutputTrigger[T]) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextHandle
	p.nextHandle++
	p.outputTriggers = append(p.outputTriggers, triggerEntry[T]{id: id, fn: t})
	return id
}

// RemoveOutputTrigger removes a previously-registered output trigger.
func (p *Pipe[T]) RemoveOutputTrigger(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputTriggers = removeEntry(p.outputTriggers, h)
}

func removeEntry[E interface{ handle() Handle }](entries []E, h Handle) []E {
	out := entries[:0:0]
	for _, e := range entries {
		if e.handle() != h {
			out = append(out, e)
		}
	}
	return out
}

func (e filterEntry[T]) handle() Handle  { return e.id }
func (e triggerEntry[T]) handle() Handle { return e.id }

// Cached returns the pipe's current cached value and whether it has ever
// been set.
func (p *Pipe[T]) Cached() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached, p.hasCache
}

// ExecFull runs the execute-with-filters-then-triggers algorithm:
//  1. fire input triggers on the unfiltered input (or cache, per source)
//  2. run filters in registration order
//  3. if cachePolicy says so, replace the cache (invoking onFreeCache on
//     the prior value first when FreeCache was configured)
//  4. fire output triggers on the final value
//
// Re-entrancy: a pipe executing ExecFull must not be executed again on
// itself from within a triggered callback. Such a nested call observes
// executing=true and returns ok=false instead of recursing.
func (p *Pipe[T]) ExecFull(indata T, source Source, cache CachePolicy) (final T, ok bool) {
	p.mu.Lock()
	if p.executing {
		p.mu.Unlock()
		var zero T
		return zero, false
	}
	p.executing = true

	effective := indata
	useCache := source == UseCache || (p.readOnly && source == UseIndata)
	if useCache && p.hasCache {
		effective = p.cached
	}

	inputTriggers := append([]triggerEntry[T]{}, p.inputTriggers...)
	filters := append([]filterEntry[T]{}, p.filters...)
	outputTriggers := append([]triggerEntry[T]{}, p.outputTriggers...)
	p.mu.Unlock()

	for _, t := range inputTriggers {
		t.fn(effective)
	}

	final = effective
	accepted := true
	for _, f := range filters {
		var fOk bool
		final, fOk = f.fn(final)
		if !fOk {
			accepted = false
			break
		}
	}

	p.mu.Lock()
	if accepted && cache == CacheResult {
		prior := p.cached
		hadCache := p.hasCache
		p.cached = final
		p.hasCache = true
		if p.freeCache && hadCache && p.onFreeCache != nil {
			p.onFreeCache(prior)
		}
	}
	if !accepted {
		p.executing = false
		p.mu.Unlock()
		var zero T
		return zero, false
	}
	p.mu.Unlock()

	for _, t := range outputTriggers {
		t.fn(final)
	}

	p.mu.Lock()
	p.executing = false
	p.mu.Unlock()
	return final, true
}

// Exec is a convenience for the common case: feed new data, use it (not
// the cache) as the source, and cache the result.
func (p *Pipe[T]) Exec(indata T) (final T, ok bool) {
	return p.ExecFull(indata, UseIndata, CacheResult)
}

// Rebroadcast re-runs the filter/trigger chain against the current cache
// without changing it (cache policy DontCache, source UseCache) — used
// when a downstream consumer needs to be notified of the cache's existing
// value without it having actually changed (e.g. new binding joining).
func (p *Pipe[T]) Rebroadcast() (final T, ok bool) {
	var zero T
	return p.ExecFull(zero, UseCache, DontCache)
}
