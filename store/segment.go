package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Segment file format: records are concatenated as
//
//	[4-byte big-endian length][payload bytes]
//
// Offsets count payload bytes only, never framing, so the on-disk layout
// can change without breaking client-held offsets.

const (
	// SegmentFileName is the record log inside a stream directory.
	SegmentFileName = "data.seg"

	// recordHeaderSize is the length prefix in bytes.
	recordHeaderSize = 4

	// MaxRecordSize caps one record at 64 MiB. Larger POSTs are rejected
	// at the front end with 413 before they reach a segment.
	MaxRecordSize = 64 * 1024 * 1024
)

var errCorruptSegment = errors.New("corrupt segment")

// CreateSegmentFile creates an empty segment file.
func CreateSegmentFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	return f.Close()
}

// WriteRecord appends one framed record and returns its payload length.
func WriteRecord(w io.Writer, payload []byte) (int, error) {
	if len(payload) > MaxRecordSize {
		return 0, ErrPayloadTooLarge
	}
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// SegmentReader iterates a segment's records.
type SegmentReader struct {
	f  *os.File
	br *bufio.Reader
}

// OpenSegment opens a segment for reading from the start.
func OpenSegment(path string) (*SegmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &SegmentReader{f: f, br: bufio.NewReaderSize(f, 64*1024)}, nil
}

func (r *SegmentReader) Close() error { return r.f.Close() }

// next returns the following payload, or io.EOF at the end of the log.
func (r *SegmentReader) next() ([]byte, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated header", errCorruptSegment)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxRecordSize {
		return nil, fmt.Errorf("%w: record length %d", errCorruptSegment, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated payload", errCorruptSegment)
	}
	return payload, nil
}

// ReadFrom returns records whose end offset is after from, capped at
// maxBytes of payload (at least one record when any qualifies). base is
// the stream's offset before the first record in this segment.
func (r *SegmentReader) ReadFrom(base, from Offset, maxBytes int64) ([]Record, Offset, error) {
	var (
		out  []Record
		size int64
	)
	pos := base
	next := from
	for {
		payload, err := r.next()
		if err == io.EOF {
			return out, next, nil
		}
		if err != nil {
			return nil, Offset{}, err
		}
		pos = pos.Advance(uint64(len(payload)))
		if !from.Less(pos) {
			continue
		}
		if len(out) > 0 && maxBytes > 0 && size+int64(len(payload)) > maxBytes {
			return out, next, nil
		}
		out = append(out, Record{Data: payload, End: pos})
		size += int64(len(payload))
		next = pos
	}
}

// ScanSegment walks the whole segment and returns the tail offset implied
// by its records, for crash recovery. A trailing torn write is ignored.
func ScanSegment(path string) (Offset, error) {
	r, err := OpenSegment(path)
	if err != nil {
		return Offset{}, err
	}
	defer r.Close()

	tail := ZeroOffset
	for {
		payload, err := r.next()
		if err == io.EOF {
			return tail, nil
		}
		if errors.Is(err, errCorruptSegment) {
			// Partial final record from a crash mid-append.
			return tail, nil
		}
		if err != nil {
			return Offset{}, err
		}
		tail = tail.Advance(uint64(len(payload)))
	}
}
