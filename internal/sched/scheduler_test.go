package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betrusted-io/xous-hosted/internal/mem"
	"github.com/betrusted-io/xous-hosted/internal/services"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

func newTestTable(t *testing.T, children int) (*services.SystemServices, []xous.PID) {
	sys := services.New(mem.NewManager(16), nil)
	pids := make([]xous.PID, 0, children)
	for i := 0; i < children; i++ {
		pid, err := sys.CreateProcess(1, "child", 0x1000, 0x2_0000)
		require.NoError(t, err)
		pids = append(pids, pid)
	}
	return sys, pids
}

func TestRoundRobinAlternates(t *testing.T) {
	sys, pids := newTestTable(t, 2)
	r := New(sys, nil)

	// Init itself is the scheduling root, never a candidate.
	first, ok := r.NextPIDToRun(0)
	require.True(t, ok)
	assert.Equal(t, pids[0], first)

	second, ok := r.NextPIDToRun(first)
	require.True(t, ok)
	assert.Equal(t, pids[1], second)

	// Wraps back around.
	third, ok := r.NextPIDToRun(second)
	require.True(t, ok)
	assert.Equal(t, pids[0], third)
}

func TestSkipsBlockedProcesses(t *testing.T) {
	sys, pids := newTestTable(t, 3)
	r := New(sys, nil)

	p, err := sys.Get(pids[1])
	require.NoError(t, err)
	p.Runnable = false

	next, ok := r.NextPIDToRun(pids[0])
	require.True(t, ok)
	assert.Equal(t, pids[2], next)
}

func TestIdleWhenNothingRunnable(t *testing.T) {
	sys, pids := newTestTable(t, 2)
	r := New(sys, nil)

	for _, pid := range pids {
		p, err := sys.Get(pid)
		require.NoError(t, err)
		p.Runnable = false
	}

	_, ok := r.NextPIDToRun(0)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), r.Snapshot().Idles)
}

func TestPickAdvancesState(t *testing.T) {
	sys, pids := newTestTable(t, 2)
	r := New(sys, nil)

	got1, ok := r.Pick()
	require.True(t, ok)
	got2, ok := r.Pick()
	require.True(t, ok)
	assert.NotEqual(t, got1, got2)
	assert.ElementsMatch(t, pids, []xous.PID{got1, got2})

	snap := r.Snapshot()
	assert.Equal(t, uint64(2), snap.Switches)
	assert.Equal(t, uint8(got2), snap.LastPID)
}

func TestNoteSwitch(t *testing.T) {
	sys, pids := newTestTable(t, 1)
	r := New(sys, nil)

	r.NoteSwitch(pids[0])
	snap := r.Snapshot()
	assert.Equal(t, uint8(pids[0]), snap.LastPID)
	assert.Equal(t, uint64(1), snap.Switches)
}
