package recovery

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kvasir-db/kvasir/lib/engine"
	"github.com/kvasir-db/kvasir/lib/snapshot"
	"github.com/kvasir-db/kvasir/lib/wal"
)

// Stats summarizes one recovery run.
type Stats struct {
	SnapshotLoaded     bool
	SnapshotEntries    int
	WalEntriesReplayed int
	CorruptedEntries   int
	Duration           time.Duration
}

// Run rebuilds e from the newest usable snapshot in dir plus every log
// entry written after it. The engine must be fresh and unshared; its
// journal is wired only after Run returns, so replay is never re-journaled.
//
// Individual corrupt log entries are skipped and counted. Only an
// unreadable data directory is fatal.
func Run(dir string, e *engine.Engine) (Stats, error) {
	start := time.Now()
	var stats Stats

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			// first start: nothing to recover
			stats.Duration = time.Since(start)
			return stats, nil
		}
		return stats, errors.Wrap(err, "recovery: stat data directory")
	}

	data, err := snapshot.LoadLatest(dir)
	if err != nil {
		return stats, err
	}

	var since uint64
	if data != nil {
		for _, ent := range data.Entries {
			e.Restore(ent)
		}
		stats.SnapshotLoaded = true
		stats.SnapshotEntries = len(data.Entries)
		since = data.WalPosition
		log.WithFields(log.Fields{
			"entries":      len(data.Entries),
			"wal_position": since,
		}).Info("loaded snapshot")
	}

	replayed, corrupted, err := replay(dir, e, since)
	if err != nil {
		return stats, err
	}
	stats.WalEntriesReplayed = replayed
	stats.CorruptedEntries = corrupted
	stats.Duration = time.Since(start)

	log.WithFields(log.Fields{
		"snapshot_entries": stats.SnapshotEntries,
		"wal_replayed":     stats.WalEntriesReplayed,
		"wal_corrupted":    stats.CorruptedEntries,
		"keys":             e.KeyCount(),
		"duration":         stats.Duration,
	}).Info("recovery complete")
	return stats, nil
}

// replay applies every log entry past position since, oldest file first.
func replay(dir string, e *engine.Engine, since uint64) (replayed, corrupted int, err error) {
	files, err := wal.Files(dir)
	if err != nil {
		return 0, 0, err
	}

	for _, path := range files {
		// files fully covered by the snapshot need not be opened
		if end, err := wal.FileEnd(path); err == nil && end <= since {
			continue
		}

		r, err := wal.OpenReader(path)
		if err != nil {
			// a file whose header does not parse yields no entries
			log.WithError(err).WithField("file", path).Warn("skipping unreadable wal file")
			corrupted++
			continue
		}

		for {
			ent, err := r.Next()
			if err == io.EOF {
				break
			}
			if cerr, ok := err.(*wal.CorruptionError); ok {
				corrupted++
				log.WithFields(log.Fields{
					"file":     cerr.File,
					"position": cerr.Offset,
					"reason":   cerr.Reason,
				}).Warn("skipping corrupt wal entry")
				if cerr.Recoverable {
					continue
				}
				break
			}
			if err != nil {
				r.Close()
				return replayed, corrupted, errors.Wrapf(err, "recovery: read %s", path)
			}

			// entries at or before the snapshot position are already in it
			if ent.End <= since {
				continue
			}
			e.Apply(ent.Record)
			replayed++
		}
		if err := r.Close(); err != nil {
			return replayed, corrupted, errors.Wrapf(err, "recovery: close %s", path)
		}
	}
	return replayed, corrupted, nil
}
