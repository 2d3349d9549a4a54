package store

import (
	"errors"
	"testing"
)

func TestOffsetStringRoundTrip(t *testing.T) {
	offsets := []Offset{
		{},
		{ByteOffset: 1},
		{ByteOffset: 123456789},
		{ReadSeq: 3, ByteOffset: 42},
	}
	for _, off := range offsets {
		parsed, err := ParseOffset(off.String())
		if err != nil {
			t.Fatalf("ParseOffset(%q): %v", off.String(), err)
		}
		if !parsed.Equal(off) {
			t.Errorf("round trip: got %v, want %v", parsed, off)
		}
	}
}

func TestOffsetStringWidth(t *testing.T) {
	s := Offset{ReadSeq: 1, ByteOffset: 99}.String()
	if len(s) != 33 {
		t.Errorf("offset token length = %d, want 33", len(s))
	}
	if s != "0000000000000001_0000000000000099" {
		t.Errorf("unexpected token %q", s)
	}
}

func TestParseOffsetSentinels(t *testing.T) {
	for _, s := range []string{"", "-1"} {
		off, err := ParseOffset(s)
		if err != nil {
			t.Fatalf("ParseOffset(%q): %v", s, err)
		}
		if !off.IsZero() {
			t.Errorf("ParseOffset(%q) = %v, want zero", s, off)
		}
	}
}

func TestParseOffsetRejectsMalformed(t *testing.T) {
	bad := []string{
		"abc",
		"12",
		"_12",
		"12_",
		"1_2_3",
		"-2",
		"1 2_3",
		"0x10_0",
		"+1_2",
		"0000000000000000_000000000000000a",
	}
	for _, s := range bad {
		if _, err := ParseOffset(s); !errors.Is(err, ErrInvalidOffset) {
			t.Errorf("ParseOffset(%q): got %v, want ErrInvalidOffset", s, err)
		}
	}
}

func TestOffsetOrderingMatchesStringOrdering(t *testing.T) {
	seq := []Offset{
		{},
		{ByteOffset: 1},
		{ByteOffset: 9},
		{ByteOffset: 10},
		{ByteOffset: 100},
		{ReadSeq: 1},
		{ReadSeq: 1, ByteOffset: 5},
	}
	for i := 1; i < len(seq); i++ {
		a, b := seq[i-1], seq[i]
		if !a.Less(b) {
			t.Errorf("%v should be less than %v", a, b)
		}
		if !(a.String() < b.String()) {
			t.Errorf("string ordering broken: %q vs %q", a.String(), b.String())
		}
	}
}

func TestOffsetAdvance(t *testing.T) {
	off := ZeroOffset.Advance(5).Advance(7)
	if off.ByteOffset != 12 {
		t.Errorf("ByteOffset = %d, want 12", off.ByteOffset)
	}
	if off.ReadSeq != 0 {
		t.Errorf("ReadSeq = %d, want 0", off.ReadSeq)
	}
}
