package streamd

import (
	"math/rand"
	"strconv"
	"time"
)

// Cursor epoch: October 9, 2024 00:00:00 UTC.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// cursorQuantum is the interval width; cursors count these since the
// epoch.
const cursorQuantum = 20 * time.Second

// cursorJitterMax bounds the random extra intervals added when a client
// cursor runs at or ahead of wall-clock time.
const cursorJitterMax = 3

func currentInterval(now time.Time) int64 {
	return int64(now.Sub(cursorEpoch) / cursorQuantum)
}

// responseCursor computes the cursor for a live response. It never
// repeats a value the client already holds: behind-the-clock or absent
// cursors snap to the current interval, anything at or ahead of it is
// advanced past the client's value with jitter so concurrent clients
// fan out across distinct CDN cache keys.
func responseCursor(clientCursor string, now time.Time) string {
	cur := currentInterval(now)
	if clientCursor == "" {
		return strconv.FormatInt(cur, 10)
	}
	client, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || client < cur {
		return strconv.FormatInt(cur, 10)
	}
	return strconv.FormatInt(client+1+rand.Int63n(cursorJitterMax), 10)
}
