package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// --------------------------------------------------------------------------
// Corruption Reporting
// --------------------------------------------------------------------------

// CorruptionError describes one unreadable entry: a checksum mismatch, a
// nonsensical length prefix or a truncated tail. It is a per-entry
// condition, never a fatal one; recovery counts it and moves on.
type CorruptionError struct {
	File   string
	Offset uint64 // global position of the bad entry
	Reason string
	// Recoverable is true when the reader could skip past the entry and
	// the next call may yield further entries from the same file.
	Recoverable bool
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupt entry in %s at position %d: %s", e.File, e.Offset, e.Reason)
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// Entry is one decoded WAL entry along with its position bookkeeping.
type Entry struct {
	Timestamp uint64
	Record    Record
	// End is the global position just past this entry. Replay compares it
	// against the snapshot's wal_position to avoid double-applying.
	End uint64
}

// Reader iterates the entries of a single WAL file in order.
//
// After a *CorruptionError with Recoverable true the caller may keep
// calling Next to skip-and-continue; with Recoverable false the rest of
// the file is unreadable and Next returns io.EOF.
type Reader struct {
	name string
	f    *os.File
	br   *bufio.Reader
	pos  uint64
	dead bool // set when the remainder of the file cannot be framed
}

// OpenReader opens one WAL file and validates its header.
func OpenReader(path string) (*Reader, error) {
	base, err := readFileHeader(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(int64(headerSize), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{
		name: filepath.Base(path),
		f:    f,
		br:   bufio.NewReaderSize(f, 1<<20),
		pos:  base,
	}, nil
}

// Next returns the next entry, io.EOF at a clean end of file, or a
// *CorruptionError for an unreadable entry.
func (r *Reader) Next() (*Entry, error) {
	if r.dead {
		return nil, io.EOF
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		// partial length prefix: a torn final write
		r.dead = true
		return nil, &CorruptionError{File: r.name, Offset: r.pos, Reason: "truncated length prefix"}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length < minEntryLen || length > maxEntryLen {
		// the frame cannot be trusted, there is no way to resync
		r.dead = true
		return nil, &CorruptionError{
			File:   r.name,
			Offset: r.pos,
			Reason: fmt.Sprintf("implausible entry length %d", length),
		}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.br, body); err != nil {
		r.dead = true
		return nil, &CorruptionError{File: r.name, Offset: r.pos, Reason: "truncated entry body"}
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r.br, crcBuf[:]); err != nil {
		r.dead = true
		return nil, &CorruptionError{File: r.name, Offset: r.pos, Reason: "truncated checksum"}
	}

	start := r.pos
	r.pos += uint64(length) + frameOverhead

	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(crcBuf[:]) {
		return nil, &CorruptionError{
			File:        r.name,
			Offset:      start,
			Reason:      "checksum mismatch",
			Recoverable: true,
		}
	}

	rec, err := decodePayload(OpType(body[8]), body[9:])
	if err != nil {
		// checksum passed but the payload does not parse; skip it
		return nil, &CorruptionError{
			File:        r.name,
			Offset:      start,
			Reason:      err.Error(),
			Recoverable: true,
		}
	}

	return &Entry{
		Timestamp: binary.BigEndian.Uint64(body[:8]),
		Record:    rec,
		End:       r.pos,
	}, nil
}

// Position returns the global position after the last returned (or
// skipped) entry.
func (r *Reader) Position() uint64 { return r.pos }

// Close releases the underlying file.
func (r *Reader) Close() error { return r.f.Close() }
