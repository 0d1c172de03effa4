package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasir-db/kvasir/lib/engine"
	"github.com/kvasir-db/kvasir/lib/engine/value"
	"github.com/kvasir-db/kvasir/lib/persistence"
	"github.com/kvasir-db/kvasir/lib/snapshot"
	"github.com/kvasir-db/kvasir/lib/wal"
)

// runStore starts a persisted engine in dir, applies mutate, and shuts
// everything down cleanly.
func runStore(t *testing.T, dir string, opts persistence.Options, mutate func(e *engine.Engine, c *persistence.Coordinator)) {
	t.Helper()
	opts.Dir = dir
	e := engine.New(&engine.Options{NumShards: 8})
	c, err := persistence.Start(opts, e)
	require.NoError(t, err)
	e.SetJournal(c.LogRecord)
	mutate(e, c)
	require.NoError(t, c.Stop())
}

func recovered(t *testing.T, dir string) (*engine.Engine, Stats) {
	t.Helper()
	e := engine.New(&engine.Options{NumShards: 8})
	stats, err := Run(dir, e)
	require.NoError(t, err)
	return e, stats
}

func TestMissingDirIsAFreshStart(t *testing.T) {
	e := engine.New(nil)
	stats, err := Run(filepath.Join(t.TempDir(), "does-not-exist"), e)
	require.NoError(t, err)
	assert.Zero(t, stats.SnapshotEntries)
	assert.Zero(t, stats.WalEntriesReplayed)
	assert.Equal(t, 0, e.KeyCount())
}

func TestReplayFromLogOnly(t *testing.T) {
	dir := t.TempDir()
	runStore(t, dir, persistence.Options{}, func(e *engine.Engine, _ *persistence.Coordinator) {
		e.Set("kept", value.NewString("v"), 0)
		e.Set("deleted", value.NewInt(1), 0)
		e.Delete("deleted")
		_, err := e.Incr("counter", 3)
		require.NoError(t, err)
		_, err = e.Incr("counter", 4)
		require.NoError(t, err)
		require.True(t, e.Lock("kept", "worker-1", time.Hour))
	})

	e, stats := recovered(t, dir)
	assert.False(t, stats.SnapshotLoaded)
	assert.Equal(t, 6, stats.WalEntriesReplayed)
	assert.Zero(t, stats.CorruptedEntries)

	v, ok := e.Get("kept")
	require.True(t, ok)
	assert.Equal(t, "v", v.Str)
	_, ok = e.Get("deleted")
	assert.False(t, ok)
	v, ok = e.Get("counter")
	require.True(t, ok)
	assert.Equal(t, int64(7), v.Int)
	owner, ok := e.LockOwner("kept")
	require.True(t, ok)
	assert.Equal(t, "worker-1", owner)
}

func TestSnapshotPlusTailReplay(t *testing.T) {
	dir := t.TempDir()
	runStore(t, dir, persistence.Options{}, func(e *engine.Engine, c *persistence.Coordinator) {
		for i := 0; i < 10; i++ {
			e.Set(fmt.Sprintf("pre-%d", i), value.NewInt(int64(i)), 0)
		}
		c.Snapshot()
		for i := 0; i < 5; i++ {
			e.Set(fmt.Sprintf("post-%d", i), value.NewInt(int64(i)), 0)
		}
	})

	e, stats := recovered(t, dir)
	assert.True(t, stats.SnapshotLoaded)
	assert.Equal(t, 10, stats.SnapshotEntries)
	assert.Equal(t, 5, stats.WalEntriesReplayed, "only entries past the snapshot replay")

	assert.Equal(t, 15, e.KeyCount())
	v, ok := e.Get("pre-3")
	require.True(t, ok)
	assert.Equal(t, int64(3), v.Int)
	v, ok = e.Get("post-4")
	require.True(t, ok)
	assert.Equal(t, int64(4), v.Int)
}

func TestExpiryHoldsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	runStore(t, dir, persistence.Options{}, func(e *engine.Engine, _ *persistence.Coordinator) {
		e.Set("short", value.NewInt(1), 5*time.Millisecond)
		e.Set("long", value.NewInt(2), time.Hour)
	})
	time.Sleep(10 * time.Millisecond)

	e, _ := recovered(t, dir)
	_, ok := e.Get("short")
	assert.False(t, ok, "ttl is absolute, not restarted")
	_, ok = e.Get("long")
	assert.True(t, ok)
}

func TestCorruptEntryIsSkippedAndCounted(t *testing.T) {
	dir := t.TempDir()
	runStore(t, dir, persistence.Options{}, func(e *engine.Engine, _ *persistence.Coordinator) {
		for i := 0; i < 10; i++ {
			e.Set(fmt.Sprintf("key-%d", i), value.NewString(strings.Repeat("v", 32)), 0)
		}
	})

	// flip one byte in the middle of the active log file
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	var walFile string
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "wal-") {
			walFile = filepath.Join(dir, f.Name())
		}
	}
	require.NotEmpty(t, walFile)
	raw, err := os.ReadFile(walFile)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(walFile, raw, 0o644))

	e, stats := recovered(t, dir)
	assert.Equal(t, 1, stats.CorruptedEntries)
	assert.Equal(t, 9, stats.WalEntriesReplayed)
	assert.Equal(t, 9, e.KeyCount())
}

func TestTornTailLosesOnlyTheTail(t *testing.T) {
	dir := t.TempDir()
	runStore(t, dir, persistence.Options{}, func(e *engine.Engine, _ *persistence.Coordinator) {
		for i := 0; i < 10; i++ {
			e.Set(fmt.Sprintf("key-%d", i), value.NewString(strings.Repeat("v", 32)), 0)
		}
	})

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	var walFile string
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "wal-") {
			walFile = filepath.Join(dir, f.Name())
		}
	}
	require.NotEmpty(t, walFile)
	raw, err := os.ReadFile(walFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(walFile, raw[:len(raw)-7], 0o644))

	e, stats := recovered(t, dir)
	assert.Equal(t, 1, stats.CorruptedEntries)
	assert.Equal(t, 9, stats.WalEntriesReplayed)
	assert.Equal(t, 9, e.KeyCount())
}

func TestWritesAfterCrashRestartSurviveRecovery(t *testing.T) {
	dir := t.TempDir()
	runStore(t, dir, persistence.Options{}, func(e *engine.Engine, _ *persistence.Coordinator) {
		for i := 0; i < 10; i++ {
			e.Set(fmt.Sprintf("before-%d", i), value.NewInt(int64(i)), 0)
		}
	})

	// tear the active file mid-entry, as a crash during a write would
	walFile := filepath.Join(dir, wal.ActiveName)
	raw, err := os.ReadFile(walFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(walFile, raw[:len(raw)-7], 0o644))

	// the store restarts on the damaged file and keeps writing
	runStore(t, dir, persistence.Options{}, func(e *engine.Engine, _ *persistence.Coordinator) {
		for i := 0; i < 10; i++ {
			e.Set(fmt.Sprintf("after-%d", i), value.NewInt(int64(i)), 0)
		}
	})

	// every write from both incarnations except the torn one is replayed
	e, stats := recovered(t, dir)
	assert.Zero(t, stats.CorruptedEntries)
	assert.Equal(t, 19, stats.WalEntriesReplayed)
	assert.Equal(t, 19, e.KeyCount())
	for i := 0; i < 9; i++ {
		_, ok := e.Get(fmt.Sprintf("before-%d", i))
		assert.True(t, ok, "before-%d", i)
	}
	for i := 0; i < 10; i++ {
		_, ok := e.Get(fmt.Sprintf("after-%d", i))
		assert.True(t, ok, "after-%d", i)
	}
}

func TestBrokenSnapshotFallsBackToFullReplay(t *testing.T) {
	dir := t.TempDir()
	runStore(t, dir, persistence.Options{SnapshotKeepCount: 1}, func(e *engine.Engine, c *persistence.Coordinator) {
		for i := 0; i < 20; i++ {
			e.Set(fmt.Sprintf("key-%d", i), value.NewInt(int64(i)), 0)
		}
		c.Snapshot()
	})

	snaps, err := snapshot.List(dir)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	raw, err := os.ReadFile(snaps[0])
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(snaps[0], raw, 0o644))

	e, stats := recovered(t, dir)
	assert.False(t, stats.SnapshotLoaded)
	assert.Equal(t, 20, e.KeyCount())
}

func TestLargeRecoveryMatchesLiveState(t *testing.T) {
	dir := t.TempDir()
	const n = 1000
	runStore(t, dir, persistence.Options{WalMaxFileSize: 8 * 1024}, func(e *engine.Engine, c *persistence.Coordinator) {
		for i := 0; i < n; i++ {
			e.Set(fmt.Sprintf("key-%04d", i), value.NewInt(int64(i)), 0)
		}
		c.Snapshot()
		for i := 0; i < n; i += 2 {
			e.Delete(fmt.Sprintf("key-%04d", i))
		}
	})

	e, stats := recovered(t, dir)
	assert.True(t, stats.SnapshotLoaded)
	assert.Equal(t, n/2, e.KeyCount())
	for i := 0; i < n; i++ {
		_, ok := e.Get(fmt.Sprintf("key-%04d", i))
		assert.Equal(t, i%2 == 1, ok, i)
	}
}
