package streamd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/durable-streams/streamd/engine"
	"github.com/durable-streams/streamd/store"
)

// sseControl is the JSON payload of an "event: control" frame.
type sseControl struct {
	StreamNextOffset string `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
	UpToDate         bool   `json:"upToDate,omitempty"`
	StreamClosed     bool   `json:"streamClosed,omitempty"`
}

// handleSSE handles GET ?live=sse. Records go out as "event: data"
// frames, each followed by an "event: control" frame carrying the
// resumable offset. JSON streams are framed as compact arrays, which
// cannot contain raw newlines; every other content type is base64
// encoded so arbitrary bytes survive the line-oriented SSE transport,
// advertised up front via Stream-SSE-Data-Encoding.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, offset store.Offset, cursor string) error {
	snap, err := h.engine.Head(path)
	if err != nil {
		return readError(err)
	}

	encodeBase64 := !store.IsJSONContentType(snap.ContentType)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if encodeBase64 {
		w.Header().Set(HeaderSSEDataEncoding, "base64")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	deadline := time.Now().Add(time.Duration(h.SSEMaxDuration))

	current := offset
	lastCursor := cursor
	sentInitial := false

	for {
		res, err := h.engine.Read(path, current)
		if err != nil {
			// The stream vanished mid-session; the consumer sees EOF and
			// re-resolves on reconnect.
			return nil
		}

		if len(res.Records) > 0 {
			payload := formatBody(res.Records, res.ContentType)
			if !encodeBase64 {
				// JSON may carry cosmetic newlines from the producer;
				// compact so one frame is one line of valid JSON.
				payload = compactJSON(payload)
			}
			writeDataEvent(w, payload, encodeBase64)
			current = res.Next

			lastCursor = responseCursor(lastCursor, time.Now())
			writeControlEvent(w, sseControl{
				StreamNextOffset: current.String(),
				StreamCursor:     lastCursor,
				UpToDate:         res.UpToDate,
				StreamClosed:     res.Closed && res.UpToDate,
			})
			flusher.Flush()
			sentInitial = true
		} else if !sentInitial {
			lastCursor = responseCursor(lastCursor, time.Now())
			writeControlEvent(w, sseControl{
				StreamNextOffset: res.Next.String(),
				StreamCursor:     lastCursor,
				UpToDate:         true,
				StreamClosed:     res.Closed,
			})
			flusher.Flush()
			sentInitial = true
		}

		if res.Closed && res.UpToDate {
			// Everything the stream will ever hold has been delivered.
			return nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil
		}
		outcome, err := h.engine.WaitForData(ctx, path, current, wait)
		if err != nil {
			return nil
		}
		switch outcome {
		case engine.WaitData, engine.WaitClosed:
			// Loop around and drain.
		case engine.WaitTimeout, engine.WaitCanceled:
			return nil
		case engine.WaitGone:
			writeControlEvent(w, sseControl{
				StreamNextOffset: current.String(),
				StreamCursor:     lastCursor,
			})
			flusher.Flush()
			return nil
		}
	}
}

// writeDataEvent emits one "event: data" frame. Payload lines are split
// on CR and LF so no payload can terminate the frame early or forge a
// field; base64 payloads are a single line by construction.
func writeDataEvent(w io.Writer, payload []byte, encodeBase64 bool) {
	fmt.Fprintf(w, "event: data\n")
	if encodeBase64 {
		fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(payload))
		return
	}
	for _, line := range splitSSELines(string(payload)) {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprintf(w, "\n")
}

func writeControlEvent(w io.Writer, ctl sseControl) {
	body, _ := json.Marshal(ctl)
	fmt.Fprintf(w, "event: control\n")
	fmt.Fprintf(w, "data: %s\n\n", body)
}

// splitSSELines splits on any SSE line terminator: CRLF, CR, or LF.
func splitSSELines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

func compactJSON(b []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}
