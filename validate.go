package streamd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// canonicalInt is the integer grammar shared by Stream-TTL,
// Producer-Epoch, and Producer-Seq: base ten, no sign, no leading
// zeros. "0" itself is allowed.
var canonicalInt = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

// parseTTL parses the Stream-TTL header.
func parseTTL(s string) (int64, error) {
	if !canonicalInt.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	return ttl, nil
}

// parseCanonicalInt parses Producer-Epoch and Producer-Seq values.
func parseCanonicalInt(s string) (int64, error) {
	if !canonicalInt.MatchString(s) {
		return 0, fmt.Errorf("not a canonical non-negative integer")
	}
	return strconv.ParseInt(s, 10, 64)
}

// validOffsetToken screens an offset query value before parsing.
// Offsets are opaque to clients but they end up in cache keys and log
// lines, so whitespace, separators, control bytes, and path traversal
// sequences are rejected outright.
func validOffsetToken(s string) bool {
	if strings.Contains(s, "..") {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', ',', '/', '\r', '\n', 0x00:
			return false
		}
	}
	return true
}
