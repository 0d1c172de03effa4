package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasir-db/kvasir/lib/engine/value"
)

func testRecords() []Record {
	return []Record{
		{Op: OpSet, Key: "a", Value: value.NewInt(1)},
		{Op: OpSet, Key: "b", Value: value.NewString("hello"), ExpiresAt: 12345678},
		{Op: OpSet, Key: "nested", Value: value.NewMap(map[string]value.Value{
			"list": value.NewList(value.NewFloat(1.5), value.Null()),
		})},
		{Op: OpDelete, Key: "a"},
		{Op: OpLock, Key: "job-1", Owner: "worker-7", ExpiresAt: 99999999},
		{Op: OpUnlock, Key: "job-1", Owner: "worker-7"},
	}
}

func recordsEqual(t *testing.T, want, got Record) {
	t.Helper()
	assert.Equal(t, want.Op, got.Op)
	assert.Equal(t, want.Key, got.Key)
	assert.Equal(t, want.ExpiresAt, got.ExpiresAt)
	assert.Equal(t, want.Owner, got.Owner)
	if want.Op == OpSet {
		assert.True(t, want.Value.Equal(got.Value), "value mismatch for key %s", want.Key)
	}
}

func readAll(t *testing.T, path string) (entries []*Entry, corruptions []*CorruptionError) {
	t.Helper()
	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	for {
		e, err := r.Next()
		if err == io.EOF {
			return
		}
		if ce, ok := err.(*CorruptionError); ok {
			corruptions = append(corruptions, ce)
			continue
		}
		require.NoError(t, err)
		entries = append(entries, e)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	for _, rec := range testRecords() {
		payload := encodePayload(nil, rec)
		got, err := decodePayload(rec.Op, payload)
		require.NoError(t, err)
		recordsEqual(t, rec, got)
	}
}

func TestAppendFlushRead(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0)
	require.NoError(t, err)

	before := time.Now().UnixNano()
	var lastPos uint64
	for _, rec := range testRecords() {
		lastPos, err = w.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	entries, corruptions := readAll(t, filepath.Join(dir, ActiveName))
	require.Empty(t, corruptions)
	require.Len(t, entries, len(testRecords()))

	for i, rec := range testRecords() {
		recordsEqual(t, rec, entries[i].Record)
		assert.GreaterOrEqual(t, int64(entries[i].Timestamp), before)
	}
	assert.Equal(t, lastPos, entries[len(entries)-1].End, "reader and writer must agree on positions")
}

func TestWriterContinuesExistingFile(t *testing.T) {
	dir := t.TempDir()

	w, err := OpenWriter(dir, 0)
	require.NoError(t, err)
	_, err = w.Append(Record{Op: OpSet, Key: "first", Value: value.NewInt(1)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// reopen, as after a restart without snapshot cleanup
	w, err = OpenWriter(dir, 0)
	require.NoError(t, err)
	_, err = w.Append(Record{Op: OpSet, Key: "second", Value: value.NewInt(2)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, corruptions := readAll(t, filepath.Join(dir, ActiveName))
	require.Empty(t, corruptions)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Record.Key)
	assert.Equal(t, "second", entries[1].Record.Key)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()

	// tiny threshold so a couple of appends force a seal
	w, err := OpenWriter(dir, 128)
	require.NoError(t, err)

	total := 6
	for i := 0; i < total; i++ {
		_, err = w.Append(Record{Op: OpSet, Key: "k", Value: value.NewBytes(make([]byte, 64))})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	files, err := Files(dir)
	require.NoError(t, err)
	require.Greater(t, len(files), 1, "rotation must have sealed at least one file")
	assert.Equal(t, ActiveName, filepath.Base(files[len(files)-1]))

	// entries survive across files, in order, with contiguous positions
	var all []*Entry
	var prevEnd uint64
	for _, path := range files {
		entries, corruptions := readAll(t, path)
		require.Empty(t, corruptions)
		for _, e := range entries {
			assert.Greater(t, e.End, prevEnd)
			prevEnd = e.End
			all = append(all, e)
		}
	}
	assert.Len(t, all, total)
}

func TestExplicitRotate(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0)
	require.NoError(t, err)

	_, err = w.Append(Record{Op: OpDelete, Key: "x"})
	require.NoError(t, err)
	require.NoError(t, w.Rotate())
	posAfterSeal := w.Position()
	_, err = w.Append(Record{Op: OpDelete, Key: "y"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	files, err := Files(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	end, err := FileEnd(files[0])
	require.NoError(t, err)
	assert.Equal(t, posAfterSeal, end, "sealed file end must equal the writer position at seal time")
}

func TestCorruptedEntryIsSkipped(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0)
	require.NoError(t, err)

	keys := []string{"before", "victim", "after"}
	positions := map[string]uint64{}
	for _, k := range keys {
		pos, err := w.Append(Record{Op: OpSet, Key: k, Value: value.NewInt(1)})
		require.NoError(t, err)
		positions[k] = pos
	}
	require.NoError(t, w.Close())

	// flip one byte inside the middle entry's body
	path := filepath.Join(dir, ActiveName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	victimStart := int(positions["before"]) + headerSize
	raw[victimStart+10] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	entries, corruptions := readAll(t, path)
	require.Len(t, corruptions, 1, "exactly one corruption must be reported")
	assert.True(t, corruptions[0].Recoverable)
	assert.Equal(t, positions["before"], corruptions[0].Offset)

	require.Len(t, entries, 2, "entries before and after the bad one must read fine")
	assert.Equal(t, "before", entries[0].Record.Key)
	assert.Equal(t, "after", entries[1].Record.Key)
}

func TestTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0)
	require.NoError(t, err)

	_, err = w.Append(Record{Op: OpSet, Key: "kept", Value: value.NewInt(1)})
	require.NoError(t, err)
	_, err = w.Append(Record{Op: OpSet, Key: "torn", Value: value.NewBytes(make([]byte, 100))})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// cut the file mid-way through the final entry
	path := filepath.Join(dir, ActiveName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-20], 0o644))

	entries, corruptions := readAll(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Record.Key)
	require.Len(t, corruptions, 1)
	assert.False(t, corruptions[0].Recoverable, "a torn tail ends the file")
}

func TestWriterTruncatesTornTailOnReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0)
	require.NoError(t, err)

	_, err = w.Append(Record{Op: OpSet, Key: "kept", Value: value.NewInt(1)})
	require.NoError(t, err)
	keptPos, err := w.Append(Record{Op: OpSet, Key: "also-kept", Value: value.NewInt(2)})
	require.NoError(t, err)
	_, err = w.Append(Record{Op: OpSet, Key: "torn", Value: value.NewBytes(make([]byte, 100))})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// cut the file mid-way through the final entry, as a crash would
	path := filepath.Join(dir, ActiveName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-20], 0o644))

	// the reopened writer must not append after the torn bytes: that would
	// misalign every later frame and make them unreadable
	w, err = OpenWriter(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, keptPos, w.Position(), "position resumes at the last entry boundary")
	_, err = w.Append(Record{Op: OpSet, Key: "after-restart", Value: value.NewInt(3)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, corruptions := readAll(t, path)
	require.Empty(t, corruptions, "the torn tail is gone, not skipped over")
	require.Len(t, entries, 3)
	assert.Equal(t, "kept", entries[0].Record.Key)
	assert.Equal(t, "also-kept", entries[1].Record.Key)
	assert.Equal(t, "after-restart", entries[2].Record.Key)
}

func TestReopenKeepsFramedEntryWithBadChecksum(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0)
	require.NoError(t, err)

	_, err = w.Append(Record{Op: OpSet, Key: "first", Value: value.NewInt(1)})
	require.NoError(t, err)
	_, err = w.Append(Record{Op: OpSet, Key: "flipped", Value: value.NewInt(2)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// flip one body byte of the last entry, leaving its frame intact
	path := filepath.Join(dir, ActiveName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-10] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	w, err = OpenWriter(dir, 0)
	require.NoError(t, err)
	_, err = w.Append(Record{Op: OpSet, Key: "after", Value: value.NewInt(3)})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// bit rot is skipped in place, it must not cost the entries behind it
	entries, corruptions := readAll(t, path)
	require.Len(t, corruptions, 1)
	assert.True(t, corruptions[0].Recoverable)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Record.Key)
	assert.Equal(t, "after", entries[1].Record.Key)
}

func TestFilesOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWriter(dir, 0)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = w.Append(Record{Op: OpDelete, Key: "x"})
		require.NoError(t, err)
		require.NoError(t, w.Rotate())
	}
	require.NoError(t, w.Close())

	files, err := Files(dir)
	require.NoError(t, err)
	require.Len(t, files, 4)

	var prev uint64
	for _, path := range files[:3] {
		base, err := readFileHeader(path)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, base, prev, "sealed files must list oldest first")
		prev = base
	}
	assert.Equal(t, ActiveName, filepath.Base(files[3]))
}
