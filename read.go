package streamd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/durable-streams/streamd/engine"
	"github.com/durable-streams/streamd/store"
)

// handleRead handles GET: catch-up reads, long-poll, and SSE.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	query := r.URL.Query()

	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
		if !validOffsetToken(offsetStr) {
			return newHTTPError(http.StatusBadRequest, "invalid offset")
		}
	}

	offset, err := store.ParseOffset(offsetStr)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	switch liveMode {
	case "", "long-poll", "sse":
	default:
		return newHTTPError(http.StatusBadRequest, "live must be long-poll or sse")
	}
	if liveMode != "" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for live mode")
	}

	if liveMode == "sse" {
		return h.handleSSE(w, r, path, offset, cursor)
	}

	res, err := h.engine.Read(path, offset)
	if err != nil {
		return readError(err)
	}

	// A caught-up long-poll parks until data lands, the stream closes,
	// or the window elapses.
	if liveMode == "long-poll" && len(res.Records) == 0 && !res.Closed {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		outcome, err := h.engine.WaitForData(ctx, path, offset, time.Duration(h.LongPollTimeout))
		if err != nil {
			return readError(err)
		}
		switch outcome {
		case engine.WaitData, engine.WaitClosed:
			res, err = h.engine.Read(path, offset)
			if err != nil {
				return readError(err)
			}
		case engine.WaitTimeout:
			h.writeCaughtUp(w, res, liveMode, cursor)
			return nil
		case engine.WaitCanceled:
			return nil
		case engine.WaitGone:
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
	}

	if len(res.Records) == 0 && liveMode == "long-poll" {
		h.writeCaughtUp(w, res, liveMode, cursor)
		return nil
	}

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.Next.String())
	if res.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if res.Closed && res.UpToDate {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, responseCursor(cursor, time.Now()))
	}
	w.Header().Set("ETag", res.ETag)
	h.setReadCaching(w, res, liveMode)

	if match := r.Header.Get("If-None-Match"); match != "" && match == res.ETag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.WriteHeader(http.StatusOK)
	w.Write(formatBody(res.Records, res.ContentType))
	return nil
}

// writeCaughtUp emits the bodyless 204 a caught-up long-poll resolves
// to after its window.
func (h *Handler) writeCaughtUp(w http.ResponseWriter, res *engine.ReadResult, liveMode, cursor string) {
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.Next.String())
	w.Header().Set(HeaderStreamUpToDate, "true")
	if res.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, responseCursor(cursor, time.Now()))
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

// setReadCaching makes full historical chunks long-lived at the CDN
// while keeping tail reads uncached.
func (h *Handler) setReadCaching(w http.ResponseWriter, res *engine.ReadResult, liveMode string) {
	if liveMode != "" || res.UpToDate || len(res.Records) == 0 {
		w.Header().Set("Cache-Control", "no-store")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
}

func readError(err error) error {
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, store.ErrInvalidOffset):
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}
	return err
}

// formatBody renders records for the wire: JSON streams are re-framed
// as a single array, everything else is byte concatenation.
func formatBody(records []store.Record, contentType string) []byte {
	if store.IsJSONContentType(contentType) {
		return store.JSONBody(records)
	}
	return store.RawBody(records)
}
