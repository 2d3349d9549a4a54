package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is a position within a stream. The wire form is
// "0000000000000000_0000000000000000" (16 digits each, zero-padded), so the
// string ordering of offsets matches their numeric ordering. Clients treat
// the token as opaque; "-1" is the sentinel for "start of stream".
type Offset struct {
	ReadSeq    uint64 // reserved for log rotation
	ByteOffset uint64 // bytes of record data, not framing
}

// ZeroOffset is the tail of a freshly created stream.
var ZeroOffset = Offset{}

// StartSentinel is the client token meaning "read from the beginning".
const StartSentinel = "-1"

func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether this is the starting offset.
func (o Offset) IsZero() bool {
	return o.ReadSeq == 0 && o.ByteOffset == 0
}

// Advance returns the offset after appending n more bytes of record data.
func (o Offset) Advance(n uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq, ByteOffset: o.ByteOffset + n}
}

// ParseOffset parses an offset token. The empty string and the "-1"
// sentinel both mean the start of the stream. Anything that is not
// digits, one underscore, digits is rejected.
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == StartSentinel {
		return ZeroOffset, nil
	}

	if !wellFormedOffset(s) {
		return Offset{}, fmt.Errorf("%w: want digits_digits, got %q", ErrInvalidOffset, s)
	}

	i := strings.IndexByte(s, '_')
	readSeq, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("%w: read seq: %v", ErrInvalidOffset, err)
	}
	byteOffset, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("%w: byte offset: %v", ErrInvalidOffset, err)
	}
	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// wellFormedOffset reports whether s is digits, exactly one underscore,
// digits. Everything else (spaces, signs, control bytes) is malformed.
func wellFormedOffset(s string) bool {
	if len(s) < 3 {
		return false
	}
	underscore := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			if underscore >= 0 {
				return false
			}
			underscore = i
		case c < '0' || c > '9':
			return false
		}
	}
	return underscore > 0 && underscore < len(s)-1
}

// Compare returns -1, 0, or 1 as a is before, at, or after b.
func Compare(a, b Offset) int {
	if a.ReadSeq != b.ReadSeq {
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	}
	if a.ByteOffset != b.ByteOffset {
		if a.ByteOffset < b.ByteOffset {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether o is strictly before other.
func (o Offset) Less(other Offset) bool { return Compare(o, other) < 0 }

// Equal reports whether two offsets name the same position.
func (o Offset) Equal(other Offset) bool { return Compare(o, other) == 0 }
