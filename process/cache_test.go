package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filetrace/kernel-collector/types"
)

func TestCacheEnrichFillsProcessName(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)

	c.Put(&Info{PID: 4999999, Comm: "sample.exe", ExePath: "/tmp/sample.exe"})

	ev := &types.KernelEvent{Kind: types.EventFileRead, PID: 4999999, Path: "/etc/hosts"}
	c.Enrich(ev)
	assert.Equal(t, "sample.exe", ev.Comm)

	// An event that already names its process is left alone.
	ev2 := &types.KernelEvent{Kind: types.EventFileRead, PID: 4999999, Comm: "other"}
	c.Enrich(ev2)
	assert.Equal(t, "other", ev2.Comm)

	// Unknown pids stay unnamed.
	ev3 := &types.KernelEvent{Kind: types.EventFileRead, PID: 123456}
	c.Enrich(ev3)
	assert.Empty(t, ev3.Comm)
}

func TestCacheEvictsOldestEntries(t *testing.T) {
	c, err := NewCache(2)
	require.NoError(t, err)

	c.Put(&Info{PID: 1, Comm: "a"})
	c.Put(&Info{PID: 2, Comm: "b"})
	c.Put(&Info{PID: 3, Comm: "c"})

	_, ok := c.Get(1)
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get(2)
	assert.True(t, ok)
	_, ok = c.Get(3)
	assert.True(t, ok)
}

func TestCacheObserveCachesExecEvents(t *testing.T) {
	c, err := NewCache(16)
	require.NoError(t, err)

	ev := &types.KernelEvent{
		Kind:    types.EventProcessExec,
		PID:     4999998,
		PPID:    1,
		Comm:    "sample.exe",
		ExePath: "/tmp/sample.exe",
		Cmdline: "/tmp/sample.exe --run",
	}
	c.Observe(ev)

	info, ok := c.Get(4999998)
	require.True(t, ok)
	assert.Equal(t, "sample.exe", info.Comm)
	assert.Equal(t, "/tmp/sample.exe --run", info.CmdLine)
}
