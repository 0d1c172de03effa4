package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// On-Disk Format
// --------------------------------------------------------------------------

// Each WAL file starts with a fixed header: magic, format version and the
// writer's global position at file creation ("base"). The base lets a
// reader recompute every entry's global position even after older files
// have been cleaned up.
//
// Entries follow the header back to back:
//
//	length    u32 BE  bytes of timestamp+op+payload
//	timestamp u64 BE  unix nanoseconds at append
//	op        u8
//	payload   bytes   record body (see record.go)
//	crc32     u32 BE  Castagnoli over timestamp+op+payload

const (
	fileMagic   = "KVSRWAL\x00"
	fileVersion = 1
	headerSize  = len(fileMagic) + 1 + 8

	// entry framing overhead: length prefix + trailing checksum
	frameOverhead = 4 + 4
	// minimum body: timestamp + op
	minEntryLen = 8 + 1
	// upper bound on one entry body, derived from the value size limit
	// plus record framing headroom
	maxEntryLen = 64<<20 + 1024

	// ActiveName is the name of the file currently being appended to.
	ActiveName = "wal-current.log"

	// DefaultMaxFileSize triggers rotation of the active file.
	DefaultMaxFileSize = 1 << 30 // 1 GiB
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	metricAppends   = metrics.NewCounter("kvasir_wal_appends_total")
	metricFlushes   = metrics.NewCounter("kvasir_wal_flushes_total")
	metricRotations = metrics.NewCounter("kvasir_wal_rotations_total")
	metricBytes     = metrics.NewCounter("kvasir_wal_bytes_total")
)

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// Writer appends checksummed records to the active WAL file. Append only
// buffers; durability happens on Flush, which the persistence coordinator
// drives from its timer. When the active file passes the size threshold it
// is sealed under an immutable timestamped name and a fresh file is opened.
//
// Thread-safety: all methods are safe for concurrent use, though in
// practice only the coordinator goroutine touches a Writer.
type Writer struct {
	mu          sync.Mutex
	dir         string
	maxFileSize int64

	f        *os.File
	bw       *bufio.Writer
	pos      uint64 // global position: entry bytes appended across all files
	fileSize int64  // bytes in the active file, header included
	scratch  []byte
}

// OpenWriter opens (or creates) the active WAL file in dir. If the active
// file already exists it is continued; otherwise the writer starts at the
// global position implied by the sealed files present.
func OpenWriter(dir string, maxFileSize int64) (*Writer, error) {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	w := &Writer{dir: dir, maxFileSize: maxFileSize}

	active := filepath.Join(dir, ActiveName)
	if fi, err := os.Stat(active); err == nil {
		base, err := readFileHeader(active)
		if err != nil {
			return nil, errors.Wrapf(err, "wal: continuing %s", active)
		}
		// a crash mid-write leaves a torn final entry; appending after it
		// would misalign every later frame, so cut back to the last entry
		// boundary first
		end, err := validEnd(active)
		if err != nil {
			return nil, errors.Wrapf(err, "wal: scanning %s", active)
		}
		if end < fi.Size() {
			log.WithFields(log.Fields{
				"file":    ActiveName,
				"dropped": fi.Size() - end,
			}).Warn("truncating torn wal tail")
			if err := os.Truncate(active, end); err != nil {
				return nil, errors.Wrap(err, "wal: truncate torn tail")
			}
		}
		f, err := os.OpenFile(active, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "wal: open active file")
		}
		w.f = f
		w.bw = bufio.NewWriterSize(f, 1<<20)
		w.fileSize = end
		w.pos = base + uint64(end-int64(headerSize))
		return w, nil
	}

	base, err := nextBase(dir)
	if err != nil {
		return nil, err
	}
	if err := w.openFresh(base); err != nil {
		return nil, err
	}
	return w, nil
}

// openFresh creates a new active file whose header records base.
func (w *Writer) openFresh(base uint64) error {
	f, err := os.OpenFile(filepath.Join(w.dir, ActiveName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrap(err, "wal: create active file")
	}
	hdr := make([]byte, 0, headerSize)
	hdr = append(hdr, fileMagic...)
	hdr = append(hdr, fileVersion)
	hdr = binary.BigEndian.AppendUint64(hdr, base)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return errors.Wrap(err, "wal: write file header")
	}
	w.f = f
	w.bw = bufio.NewWriterSize(f, 1<<20)
	w.pos = base
	w.fileSize = int64(headerSize)
	return nil
}

// Append serializes rec into the write buffer and returns the global log
// position after the entry. It never syncs; the entry becomes durable on
// the next Flush.
func (w *Writer) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, errors.New("wal: writer is closed")
	}

	w.scratch = w.scratch[:0]
	w.scratch = binary.BigEndian.AppendUint64(w.scratch, uint64(time.Now().UnixNano()))
	w.scratch = append(w.scratch, byte(rec.Op))
	w.scratch = encodePayload(w.scratch, rec)
	body := w.scratch

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(body)))
	if _, err := w.bw.Write(frame[:]); err != nil {
		return 0, errors.Wrap(err, "wal: append")
	}
	if _, err := w.bw.Write(body); err != nil {
		return 0, errors.Wrap(err, "wal: append")
	}
	binary.BigEndian.PutUint32(frame[:], crc32.Checksum(body, castagnoli))
	if _, err := w.bw.Write(frame[:]); err != nil {
		return 0, errors.Wrap(err, "wal: append")
	}

	size := int64(len(body) + frameOverhead)
	w.pos += uint64(size)
	w.fileSize += size
	metricAppends.Inc()
	metricBytes.Add(int(size))

	if w.fileSize >= w.maxFileSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return w.pos, nil
}

// Flush pushes buffered entries to the file and syncs it, making every
// appended entry durable.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.f == nil {
		return errors.New("wal: writer is closed")
	}
	if err := w.bw.Flush(); err != nil {
		return errors.Wrap(err, "wal: flush")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync")
	}
	metricFlushes.Inc()
	return nil
}

// Position returns the global log position after the last appended entry.
// Entries up to the last Flush are durable; later ones are still buffered.
func (w *Writer) Position() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// Rotate seals the active file immediately, regardless of size.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// rotateLocked flushes and closes the active file, renames it to its
// immutable sealed name and opens a fresh active file.
func (w *Writer) rotateLocked() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrap(err, "wal: close before seal")
	}

	sealed := filepath.Join(w.dir, sealedName(time.Now().UnixNano()))
	if err := os.Rename(filepath.Join(w.dir, ActiveName), sealed); err != nil {
		return errors.Wrap(err, "wal: seal active file")
	}

	log.WithFields(log.Fields{
		"file": filepath.Base(sealed),
		"size": humanize.IBytes(uint64(w.fileSize)),
	}).Info("sealed wal file")
	metricRotations.Inc()

	return w.openFresh(w.pos)
}

// Close flushes outstanding entries and closes the active file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	err := w.f.Close()
	w.f = nil
	w.bw = nil
	return err
}

// --------------------------------------------------------------------------
// Directory Helpers
// --------------------------------------------------------------------------

func sealedName(ts int64) string {
	// zero-padded so lexical order equals chronological order
	return "wal-" + pad19(ts) + ".log"
}

func pad19(ts int64) string {
	s := make([]byte, 19)
	for i := 18; i >= 0; i-- {
		s[i] = byte('0' + ts%10)
		ts /= 10
	}
	return string(s)
}

// Files lists WAL files in dir in replay order: sealed files oldest first,
// then the active file if present.
func Files(dir string) ([]string, error) {
	all, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "wal: list files")
	}
	var sealed []string
	active := ""
	for _, e := range all {
		name := e.Name()
		switch {
		case name == ActiveName:
			active = filepath.Join(dir, name)
		case strings.HasPrefix(name, "wal-") && strings.HasSuffix(name, ".log"):
			sealed = append(sealed, filepath.Join(dir, name))
		}
	}
	sort.Strings(sealed)
	if active != "" {
		sealed = append(sealed, active)
	}
	return sealed, nil
}

// nextBase derives the starting position of a fresh active file from the
// sealed files already in dir.
func nextBase(dir string) (uint64, error) {
	files, err := Files(dir)
	if err != nil {
		return 0, err
	}
	var base uint64
	for _, path := range files {
		fileBase, err := readFileHeader(path)
		if err != nil {
			continue // corrupt header, recovery reports it
		}
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if end := fileBase + uint64(fi.Size()-int64(headerSize)); end > base {
			base = end
		}
	}
	return base, nil
}

// readFileHeader validates the magic and version of a WAL file and returns
// its base position.
func readFileHeader(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return 0, errors.Wrap(err, "read header")
	}
	if string(hdr[:len(fileMagic)]) != fileMagic {
		return 0, errors.Errorf("bad magic in %s", filepath.Base(path))
	}
	if hdr[len(fileMagic)] != fileVersion {
		return 0, errors.Errorf("unsupported wal version %d", hdr[len(fileMagic)])
	}
	return binary.BigEndian.Uint64(hdr[len(fileMagic)+1:]), nil
}

// validEnd scans a WAL file and returns the file offset just past the last
// fully framed entry. Entries with a bad checksum still count as long as
// their frame is intact, since the reader can skip those in place.
func validEnd(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(int64(headerSize), io.SeekStart); err != nil {
		return 0, err
	}

	br := bufio.NewReaderSize(f, 1<<20)
	end := int64(headerSize)
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return end, nil
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length < minEntryLen || length > maxEntryLen {
			return end, nil
		}
		if _, err := io.CopyN(io.Discard, br, int64(length)+4); err != nil {
			return end, nil
		}
		end += int64(length) + frameOverhead
	}
}

// FileEnd returns the global position of the last byte in a WAL file, used
// to decide whether a sealed file predates a snapshot entirely.
func FileEnd(path string) (uint64, error) {
	base, err := readFileHeader(path)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return base + uint64(fi.Size()-int64(headerSize)), nil
}
