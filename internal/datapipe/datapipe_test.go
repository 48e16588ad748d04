package datapipe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecFullOrdering(t *testing.T) {
	p := New("order", 0)

	var order []string
	p.AddInputTrigger(func(int) { order = append(order, "input") })
	p.AddFilter(func(v int) (int, bool) { order = append(order, "filter1"); return v + 1, true })
	p.AddFilter(func(v int) (int, bool) { order = append(order, "filter2"); return v * 2, true })
	p.AddOutputTrigger(func(int) { order = append(order, "output") })

	final, ok := p.Exec(5)
	require.True(t, ok)
	require.Equal(t, 12, final) // (5+1)*2
	require.Equal(t, []string{"input", "filter1", "filter2", "output"}, order)

	cached, has := p.Cached()
	require.True(t, has)
	require.Equal(t, 12, cached)
}

func TestExecFullFilterRejectionLeavesCacheUntouched(t *testing.T) {
	p := New("reject", 1)
	p.AddFilter(func(v int) (int, bool) { return 0, false })

	var outputFired bool
	p.AddOutputTrigger(func(int) { outputFired = true })

	_, ok := p.Exec(99)
	require.False(t, ok)
	require.False(t, outputFired)

	cached, _ := p.Cached()
	require.Equal(t, 1, cached)
}

func TestReadOnlyRejectsIndata(t *testing.T) {
	p := New("ro", 7, ReadOnly[int]())

	var seen int
	p.AddFilter(func(v int) (int, bool) { seen = v; return v, true })

	final, ok := p.ExecFull(999, UseIndata, CacheResult)
	require.True(t, ok)
	require.Equal(t, 7, final, "read-only pipe must ignore indata and use the cache")
	require.Equal(t, 7, seen)
}

func TestExecFullDontCacheLeavesCacheEquivalentForTriggers(t *testing.T) {
	p := New("nocache", 1)

	var observed []int
	p.AddOutputTrigger(func(v int) { observed = append(observed, v) })

	_, ok := p.ExecFull(2, UseIndata, DontCache)
	require.True(t, ok)
	cached, _ := p.Cached()
	require.Equal(t, 1, cached, "DontCache must not mutate the cache")

	_, ok = p.ExecFull(3, UseIndata, DontCache)
	require.True(t, ok)

	require.Equal(t, []int{2, 3}, observed, "triggers still observe each exec_full in sequence")
}

func TestReentrantExecRejected(t *testing.T) {
	p := New("reentrant", 0)

	var nestedOK *bool
	p.AddOutputTrigger(func(v int) {
		_, ok := p.Exec(v + 1)
		nestedOK = &ok
	})

	_, ok := p.Exec(1)
	require.True(t, ok)
	require.NotNil(t, nestedOK)
	require.False(t, *nestedOK, "nested exec_full on the same pipe must be rejected")
}

func TestRemoveFilterHandle(t *testing.T) {
	p := New("remove", 0)
	h := p.AddFilter(func(v int) (int, bool) { return v + 100, true })

	final, _ := p.Exec(1)
	require.Equal(t, 101, final)

	p.RemoveFilter(h)
	final, _ = p.Exec(1)
	require.Equal(t, 1, final)
}
