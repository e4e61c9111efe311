package capture

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/filetrace/kernel-collector/types"
)

func TestRegistryRejectsDuplicateAnalysisID(t *testing.T) {
	r := NewRegistry()

	a, err := New("an-1", t.TempDir(), "sample.exe", zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	b, err := New("an-1", t.TempDir(), "other.exe", zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, r.Add(a))
	err = r.Add(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateCapture))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryHas(t *testing.T) {
	r := NewRegistry()
	c, err := New("an-1", t.TempDir(), "sample.exe", zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, r.Has("an-1"))
	require.NoError(t, r.Add(c))
	assert.True(t, r.Has("an-1"))

	_, ok := r.Remove("an-1")
	require.True(t, ok)
	assert.False(t, r.Has("an-1"))
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c, err := New("an-1", t.TempDir(), "sample.exe", zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, r.Add(c))

	got, ok := r.Remove("an-1")
	require.True(t, ok)
	assert.Same(t, c, got)

	// Second removal finds nothing and performs no work.
	_, ok = r.Remove("an-1")
	assert.False(t, ok)
	_, ok = r.Remove("never-started")
	assert.False(t, ok)
}

func TestRegistryDrain(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		c, err := New(fmt.Sprintf("an-%d", i), t.TempDir(), "sample.exe", zap.NewNop())
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, r.Add(c))
	}

	drained := r.Drain()
	assert.Len(t, drained, 3)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
}

// Two captures sharing one event stream must not contaminate each other:
// no row in capture A's file may carry a pid only ever tracked by capture B.
func TestRegistryConcurrentCapturesAreIsolated(t *testing.T) {
	r := NewRegistry()

	dirA := t.TempDir()
	a, err := New("an-a", dirA, "alpha.exe", zap.NewNop())
	require.NoError(t, err)
	dirB := t.TempDir()
	b, err := New("an-b", dirB, "beta.exe", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))

	broadcast := func(ev *types.KernelEvent) {
		for _, c := range r.Snapshot() {
			c.HandleEvent(ev)
		}
	}

	now := time.Now().UTC()
	broadcast(&types.KernelEvent{Kind: types.EventProcessExec, Time: now, PID: 100, PPID: 1, Comm: "alpha.exe"})
	broadcast(&types.KernelEvent{Kind: types.EventProcessExec, Time: now, PID: 300, PPID: 1, Comm: "beta.exe"})
	broadcast(&types.KernelEvent{Kind: types.EventFileWrite, Time: now, PID: 100, Comm: "alpha.exe", Path: "/tmp/a"})
	broadcast(&types.KernelEvent{Kind: types.EventFileWrite, Time: now, PID: 300, Comm: "beta.exe", Path: "/tmp/b"})
	broadcast(&types.KernelEvent{Kind: types.EventTCPConnect, Time: now, PID: 300, Comm: "beta.exe", DstAddr: "9.9.9.9", DstPort: 443})

	a.Close()
	b.Close()

	pidCol := func(dir string) map[string]bool {
		f, err := os.Open(filepath.Join(dir, "trace.csv"))
		require.NoError(t, err)
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		require.NoError(t, err)
		pids := make(map[string]bool)
		for _, row := range rows[1:] {
			if row[0] != "Process" { // discovery rows may name foreign pids
				pids[row[9]] = true
			}
		}
		return pids
	}

	aPids := pidCol(dirA)
	bPids := pidCol(dirB)
	assert.True(t, aPids["0x64"])
	assert.False(t, aPids["0x12C"], "capture A must not retain capture B's lineage")
	assert.True(t, bPids["0x12C"])
	assert.False(t, bPids["0x64"], "capture B must not retain capture A's lineage")
}
