package snapshot

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kvasir-db/kvasir/lib/engine"
	"github.com/kvasir-db/kvasir/lib/engine/value"
)

// --------------------------------------------------------------------------
// On-Disk Format
// --------------------------------------------------------------------------

// A snapshot file is a fixed header followed by one block per shard:
//
//	magic         8 bytes "KVSRSNP\x00"
//	version       u8
//	created_at    i64 BE   unix nanoseconds
//	shard_count   u32 BE
//	total_entries u64 BE
//	wal_position  u64 BE   WAL offset the snapshot covers
//	sha256        32 bytes digest of everything after the header
//
// Each shard block is: shard_id u32, entry_count u32, then entries of
// key length u16 + key, flags u8, value expiry i64, value (if flagged),
// lock owner u16-prefixed + lock expiry i64 (if flagged).

const (
	fileMagic   = "KVSRSNP\x00"
	fileVersion = 1
	headerSize  = 8 + 1 + 8 + 4 + 8 + 8 + sha256.Size

	flagHasValue = 1 << 0
	flagHasLock  = 1 << 1

	// Suffix and TmpSuffix name finished and in-progress snapshot files.
	Suffix    = ".snap"
	TmpSuffix = ".tmp"

	// DefaultKeepCount is how many verified snapshots are retained.
	DefaultKeepCount = 3
)

var (
	metricCreated = metrics.NewCounter("kvasir_snapshots_created_total")
	metricPruned  = metrics.NewCounter("kvasir_snapshots_pruned_total")
)

// Source is the state a snapshot serializes: the engine, or any stand-in
// in tests.
type Source interface {
	ShardCount() int
	DumpShard(i int) []engine.DumpEntry
}

// Data is a fully loaded and verified snapshot.
type Data struct {
	CreatedAt   int64
	ShardCount  int
	WalPosition uint64
	Entries     []engine.DumpEntry
}

// --------------------------------------------------------------------------
// Creation
// --------------------------------------------------------------------------

// Create serializes every shard of src into a new snapshot file in dir and
// returns its path. The file is written under a temporary name, hashed,
// synced and only then renamed into place, so a crash mid-write never
// leaves a partially written file at a final path.
//
// Shard dumps hold each shard's read exclusion only while copying entries;
// no engine lock is held during disk I/O.
func Create(dir string, src Source, walPosition uint64) (string, error) {
	createdAt := time.Now().UnixNano()

	// copy out shard contents first, then write without touching the engine
	shards := make([][]engine.DumpEntry, src.ShardCount())
	total := uint64(0)
	for i := range shards {
		shards[i] = src.DumpShard(i)
		total += uint64(len(shards[i]))
	}

	final := filepath.Join(dir, fmt.Sprintf("snapshot-%s%s", pad19(createdAt), Suffix))
	tmp := final + TmpSuffix

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "snapshot: create temp file")
	}
	defer os.Remove(tmp) // no-op after the rename succeeds

	digest, size, err := writeBody(f, shards, createdAt, walPosition, total)
	if err != nil {
		f.Close()
		return "", err
	}

	// patch the digest into the header now that the body is hashed
	if _, err := f.WriteAt(digest, int64(headerSize-sha256.Size)); err != nil {
		f.Close()
		return "", errors.Wrap(err, "snapshot: write digest")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", errors.Wrap(err, "snapshot: sync")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "snapshot: close")
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", errors.Wrap(err, "snapshot: rename into place")
	}
	if err := syncDir(dir); err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"file":    filepath.Base(final),
		"entries": total,
		"size":    humanize.IBytes(uint64(size)),
		"wal_pos": walPosition,
	}).Info("wrote snapshot")
	metricCreated.Inc()

	return final, nil
}

// writeBody writes header (with a zero digest) and shard blocks, returning
// the body digest and total file size.
func writeBody(f *os.File, shards [][]engine.DumpEntry, createdAt int64, walPosition, total uint64) ([]byte, int64, error) {
	hasher := sha256.New()
	bw := bufio.NewWriterSize(f, 1<<20)

	hdr := make([]byte, 0, headerSize)
	hdr = append(hdr, fileMagic...)
	hdr = append(hdr, fileVersion)
	hdr = binary.BigEndian.AppendUint64(hdr, uint64(createdAt))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(shards)))
	hdr = binary.BigEndian.AppendUint64(hdr, total)
	hdr = binary.BigEndian.AppendUint64(hdr, walPosition)
	hdr = append(hdr, make([]byte, sha256.Size)...) // digest placeholder
	if _, err := bw.Write(hdr); err != nil {
		return nil, 0, errors.Wrap(err, "snapshot: write header")
	}

	// body bytes are hashed as they are written
	body := io.MultiWriter(bw, hasher)
	size := int64(headerSize)

	var scratch []byte
	for shardID, entries := range shards {
		var blockHdr [8]byte
		binary.BigEndian.PutUint32(blockHdr[:4], uint32(shardID))
		binary.BigEndian.PutUint32(blockHdr[4:], uint32(len(entries)))
		if _, err := body.Write(blockHdr[:]); err != nil {
			return nil, 0, errors.Wrap(err, "snapshot: write shard block")
		}
		size += 8

		for _, ent := range entries {
			scratch = appendEntry(scratch[:0], ent)
			if _, err := body.Write(scratch); err != nil {
				return nil, 0, errors.Wrap(err, "snapshot: write entry")
			}
			size += int64(len(scratch))
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, 0, errors.Wrap(err, "snapshot: flush")
	}
	return hasher.Sum(nil), size, nil
}

func appendEntry(dst []byte, ent engine.DumpEntry) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(ent.Key)))
	dst = append(dst, ent.Key...)

	var flags byte
	if ent.HasValue {
		flags |= flagHasValue
	}
	if ent.LockOwner != "" {
		flags |= flagHasLock
	}
	dst = append(dst, flags)

	if ent.HasValue {
		dst = binary.BigEndian.AppendUint64(dst, uint64(ent.ExpiresAt))
		dst = value.Encode(dst, ent.Value)
	}
	if ent.LockOwner != "" {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(ent.LockOwner)))
		dst = append(dst, ent.LockOwner...)
		dst = binary.BigEndian.AppendUint64(dst, uint64(ent.LockExpiresAt))
	}
	return dst
}

// --------------------------------------------------------------------------
// Loading
// --------------------------------------------------------------------------

// LoadLatest returns the newest snapshot in dir that verifies, or nil if
// none does. A snapshot that fails verification is logged and treated as
// absent, falling back to the next older file; it is never fatal.
func LoadLatest(dir string) (*Data, error) {
	files, err := List(dir)
	if err != nil {
		return nil, err
	}

	// newest first
	for i := len(files) - 1; i >= 0; i-- {
		data, err := load(files[i])
		if err != nil {
			log.WithFields(log.Fields{
				"file":  filepath.Base(files[i]),
				"error": err,
			}).Warn("skipping unreadable snapshot")
			continue
		}
		return data, nil
	}
	return nil, nil
}

// load reads and verifies one snapshot file in full before returning any
// of its contents.
func load(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(hdr[:8]) != fileMagic {
		return nil, errors.New("bad magic")
	}
	if hdr[8] != fileVersion {
		return nil, errors.Errorf("unsupported version %d", hdr[8])
	}

	data := &Data{
		CreatedAt:   int64(binary.BigEndian.Uint64(hdr[9:17])),
		ShardCount:  int(binary.BigEndian.Uint32(hdr[17:21])),
		WalPosition: binary.BigEndian.Uint64(hdr[29:37]),
	}
	total := binary.BigEndian.Uint64(hdr[21:29])
	wantDigest := hdr[headerSize-sha256.Size:]

	body, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if got := sha256.Sum256(body); string(got[:]) != string(wantDigest) {
		return nil, errors.New("sha256 mismatch")
	}

	entries, err := parseBody(body, data.ShardCount, total)
	if err != nil {
		return nil, err
	}
	data.Entries = entries
	return data, nil
}

func parseBody(body []byte, shardCount int, total uint64) ([]engine.DumpEntry, error) {
	entries := make([]engine.DumpEntry, 0, total)
	pos := 0
	for s := 0; s < shardCount; s++ {
		if len(body) < pos+8 {
			return nil, errors.Errorf("short shard block header (shard %d)", s)
		}
		count := int(binary.BigEndian.Uint32(body[pos+4 : pos+8]))
		pos += 8

		for i := 0; i < count; i++ {
			ent, n, err := parseEntry(body[pos:])
			if err != nil {
				return nil, errors.Wrapf(err, "shard %d entry %d", s, i)
			}
			entries = append(entries, ent)
			pos += n
		}
	}
	if uint64(len(entries)) != total {
		return nil, errors.Errorf("entry count %d does not match header %d", len(entries), total)
	}
	if pos != len(body) {
		return nil, errors.Errorf("%d trailing bytes after shard blocks", len(body)-pos)
	}
	return entries, nil
}

func parseEntry(b []byte) (engine.DumpEntry, int, error) {
	var ent engine.DumpEntry
	if len(b) < 2 {
		return ent, 0, errors.New("short key length")
	}
	klen := int(binary.BigEndian.Uint16(b))
	pos := 2
	if len(b) < pos+klen+1 {
		return ent, 0, errors.New("short key")
	}
	ent.Key = string(b[pos : pos+klen])
	pos += klen
	flags := b[pos]
	pos++

	if flags&flagHasValue != 0 {
		if len(b) < pos+8 {
			return ent, 0, errors.New("short value expiry")
		}
		ent.HasValue = true
		ent.ExpiresAt = int64(binary.BigEndian.Uint64(b[pos:]))
		pos += 8
		v, n, err := value.Decode(b[pos:])
		if err != nil {
			return ent, 0, err
		}
		ent.Value = v
		pos += n
	}
	if flags&flagHasLock != 0 {
		if len(b) < pos+2 {
			return ent, 0, errors.New("short lock owner length")
		}
		olen := int(binary.BigEndian.Uint16(b[pos:]))
		pos += 2
		if len(b) < pos+olen+8 {
			return ent, 0, errors.New("short lock owner")
		}
		ent.LockOwner = string(b[pos : pos+olen])
		pos += olen
		ent.LockExpiresAt = int64(binary.BigEndian.Uint64(b[pos:]))
		pos += 8
	}
	return ent, pos, nil
}

// --------------------------------------------------------------------------
// Retention
// --------------------------------------------------------------------------

// List returns finished snapshot files in dir, oldest first. Temp files
// are never valid to read and are not listed.
func List(dir string) ([]string, error) {
	all, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: list files")
	}
	var files []string
	for _, e := range all {
		name := e.Name()
		if strings.HasPrefix(name, "snapshot-") && strings.HasSuffix(name, Suffix) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Prune deletes all but the newest keep snapshots, plus any stale temp
// files from interrupted writes. Called only after a new snapshot has been
// written and verified into place.
func Prune(dir string, keep int) error {
	if keep <= 0 {
		keep = DefaultKeepCount
	}
	files, err := List(dir)
	if err != nil {
		return err
	}
	for len(files) > keep {
		if err := os.Remove(files[0]); err != nil {
			return errors.Wrap(err, "snapshot: prune")
		}
		log.WithField("file", filepath.Base(files[0])).Debug("pruned old snapshot")
		metricPruned.Inc()
		files = files[1:]
	}

	// interrupted writes leave temp files behind; they are dead weight
	all, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "snapshot: prune temp files")
	}
	for _, e := range all {
		if strings.HasSuffix(e.Name(), TmpSuffix) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func pad19(ts int64) string {
	s := make([]byte, 19)
	for i := 18; i >= 0; i-- {
		s[i] = byte('0' + ts%10)
		ts /= 10
	}
	return string(s)
}

// syncDir makes a rename durable on filesystems that require a directory
// sync after metadata changes.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "snapshot: open dir for sync")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "snapshot: sync dir")
	}
	return nil
}
