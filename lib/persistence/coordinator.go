package persistence

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kvasir-db/kvasir/lib/snapshot"
	"github.com/kvasir-db/kvasir/lib/wal"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

const (
	// DefaultFlushInterval bounds how long an acknowledged write can sit in
	// OS buffers before it is fsynced.
	DefaultFlushInterval = 100 * time.Millisecond

	// DefaultSnapshotInterval is the wall-clock snapshot cadence.
	DefaultSnapshotInterval = 300 * time.Second

	// DefaultSnapshotOpsThreshold triggers an early snapshot once this many
	// records have been journaled since the last one.
	DefaultSnapshotOpsThreshold = 100_000

	// DefaultQueueSize is the journal channel capacity. When the disk
	// cannot keep up the queue fills and further records are dropped
	// rather than stalling command handling.
	DefaultQueueSize = 10_000
)

var (
	metricRecords     = metrics.NewCounter("kvasir_persistence_records_total")
	metricDropped     = metrics.NewCounter("kvasir_persistence_dropped_total")
	metricFlushErrors = metrics.NewCounter("kvasir_persistence_flush_errors_total")
)

// Options configures a Coordinator. Zero fields take defaults.
type Options struct {
	Dir                  string
	FlushInterval        time.Duration
	SnapshotInterval     time.Duration
	SnapshotOpsThreshold int64
	SnapshotKeepCount    int
	WalMaxFileSize       int64
	QueueSize            int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.FlushInterval <= 0 {
		out.FlushInterval = DefaultFlushInterval
	}
	if out.SnapshotInterval <= 0 {
		out.SnapshotInterval = DefaultSnapshotInterval
	}
	if out.SnapshotOpsThreshold <= 0 {
		out.SnapshotOpsThreshold = DefaultSnapshotOpsThreshold
	}
	if out.SnapshotKeepCount <= 0 {
		out.SnapshotKeepCount = snapshot.DefaultKeepCount
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	return out
}

// --------------------------------------------------------------------------
// Coordinator
// --------------------------------------------------------------------------

// Coordinator owns the durability pipeline: it drains journaled records
// into the write-ahead log, fsyncs on a fixed cadence, and takes periodic
// snapshots that allow old log files to be deleted.
//
// Thread-safety: LogRecord is safe for concurrent use; Stop may be called
// once.
type Coordinator struct {
	opts   Options
	writer *wal.Writer
	src    snapshot.Source

	ch      chan wal.Record
	snapReq chan chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	opsSinceSnapshot atomic.Int64
	snapshotting     atomic.Bool
	snapWG           sync.WaitGroup
}

// Start opens the write-ahead log in opts.Dir and launches the worker.
// src is dumped whenever a snapshot is due, typically the engine itself.
func Start(opts Options, src snapshot.Source) (*Coordinator, error) {
	o := opts.withDefaults()
	if o.Dir == "" {
		return nil, errors.New("persistence: data directory not set")
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "persistence: create data directory")
	}

	w, err := wal.OpenWriter(o.Dir, o.WalMaxFileSize)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		opts:    o,
		writer:  w,
		src:     src,
		ch:      make(chan wal.Record, o.QueueSize),
		snapReq: make(chan chan struct{}),
		stop:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()

	log.WithFields(log.Fields{
		"dir":            o.Dir,
		"flush_interval": o.FlushInterval,
		"queue_size":     o.QueueSize,
	}).Info("persistence started")
	return c, nil
}

// LogRecord enqueues one record for the write-ahead log. It never blocks
// the caller: if the queue is full the record is dropped and counted, and
// durability for it is lost.
func (c *Coordinator) LogRecord(rec wal.Record) {
	select {
	case c.ch <- rec:
	default:
		metricDropped.Inc()
		log.WithField("key", rec.Key).Warn("journal queue full, dropping record")
	}
}

// Snapshot forces a snapshot outside the regular cadence, e.g. before a
// planned shutdown. The worker drains already-queued records first, so the
// snapshot covers everything journaled before the call. Returns once the
// snapshot is on disk (or skipped because one was already running).
func (c *Coordinator) Snapshot() {
	done := make(chan struct{})
	select {
	case c.snapReq <- done:
		<-done
	case <-c.stop:
	}
}

// Stop drains the queue, snapshots the final state, flushes and closes the
// log. After Stop returns every record accepted by LogRecord is on disk.
func (c *Coordinator) Stop() error {
	close(c.stop)
	c.wg.Wait()
	c.snapWG.Wait()

	// records that raced with shutdown are still owed durability
	c.drainPending()
	if err := c.writer.Close(); err != nil {
		return err
	}
	log.Info("persistence stopped")
	return nil
}

// Position returns the current end of the write-ahead log.
func (c *Coordinator) Position() uint64 {
	return c.writer.Position()
}

// --------------------------------------------------------------------------
// Worker
// --------------------------------------------------------------------------

func (c *Coordinator) run() {
	defer c.wg.Done()

	flush := time.NewTicker(c.opts.FlushInterval)
	defer flush.Stop()
	snap := time.NewTicker(c.opts.SnapshotInterval)
	defer snap.Stop()

	for {
		select {
		case rec := <-c.ch:
			c.append(rec)
			if c.opsSinceSnapshot.Load() >= c.opts.SnapshotOpsThreshold {
				c.maybeSnapshot(false)
			}

		case <-flush.C:
			c.flush()

		case <-snap.C:
			c.maybeSnapshot(false)

		case done := <-c.snapReq:
			c.drainPending()
			c.maybeSnapshot(true)
			close(done)

		case <-c.stop:
			return
		}
	}
}

// drainPending appends everything currently queued without blocking.
// Only the worker calls this; record order stays intact.
func (c *Coordinator) drainPending() {
	for {
		select {
		case rec := <-c.ch:
			c.append(rec)
		default:
			return
		}
	}
}

func (c *Coordinator) append(rec wal.Record) {
	if _, err := c.writer.Append(rec); err != nil {
		metricFlushErrors.Inc()
		log.WithError(err).Error("write-ahead log append failed")
		return
	}
	metricRecords.Inc()
	c.opsSinceSnapshot.Add(1)
}

// flush syncs buffered records to disk. A failing disk must not take the
// store down, so errors are logged and the flush is retried on the next
// tick.
func (c *Coordinator) flush() {
	if err := c.writer.Flush(); err != nil {
		metricFlushErrors.Inc()
		log.WithError(err).Error("write-ahead log flush failed, will retry")
	}
}

// maybeSnapshot starts a snapshot in the background unless one is already
// running. wait makes the call synchronous.
func (c *Coordinator) maybeSnapshot(wait bool) {
	if !c.snapshotting.CompareAndSwap(false, true) {
		return
	}
	c.opsSinceSnapshot.Store(0)

	// the covered position must be on disk before the snapshot claims it
	c.flush()
	pos := c.writer.Position()

	c.snapWG.Add(1)
	run := func() {
		defer c.snapWG.Done()
		defer c.snapshotting.Store(false)
		c.takeSnapshot(pos)
	}
	if wait {
		run()
	} else {
		go run()
	}
}

// takeSnapshot writes a snapshot covering the log up to pos, then drops
// snapshots and sealed log files made redundant by it.
func (c *Coordinator) takeSnapshot(pos uint64) {
	if _, err := snapshot.Create(c.opts.Dir, c.src, pos); err != nil {
		log.WithError(err).Error("snapshot failed")
		return
	}
	if err := snapshot.Prune(c.opts.Dir, c.opts.SnapshotKeepCount); err != nil {
		log.WithError(err).Warn("snapshot prune failed")
	}
	if err := c.cleanupWal(pos); err != nil {
		log.WithError(err).Warn("write-ahead log cleanup failed")
	}
}

// cleanupWal deletes sealed log files fully covered by a snapshot at pos.
// The active file is never deleted; sealing is the writer's business.
func (c *Coordinator) cleanupWal(pos uint64) error {
	files, err := wal.Files(c.opts.Dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if strings.HasSuffix(f, wal.ActiveName) {
			continue
		}
		end, err := wal.FileEnd(f)
		if err != nil {
			log.WithError(err).WithField("file", f).Warn("cannot determine log file end, keeping it")
			continue
		}
		if end > pos {
			continue
		}
		if err := os.Remove(f); err != nil {
			return errors.Wrap(err, "persistence: remove sealed log file")
		}
		log.WithField("file", f).Debug("removed covered log file")
	}
	return nil
}
