package streamd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/streamd/engine"
	"github.com/durable-streams/streamd/store"
)

// Protocol header names
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderStreamCursor     = "Stream-Cursor"
	HeaderStreamUpToDate   = "Stream-Up-To-Date"
	HeaderStreamSeq        = "Stream-Seq"
	HeaderStreamTTL        = "Stream-TTL"
	HeaderStreamExpiresAt  = "Stream-Expires-At"
	HeaderStreamClosed     = "Stream-Closed"

	HeaderProducerID          = "Producer-Id"
	HeaderProducerEpoch       = "Producer-Epoch"
	HeaderProducerSeq         = "Producer-Seq"
	HeaderProducerExpectedSeq = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq = "Producer-Received-Seq"

	HeaderSSEDataEncoding = "Stream-SSE-Data-Encoding"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, Stream-Closed, Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, Producer-Epoch, Producer-Expected-Seq, Producer-Received-Seq, Stream-SSE-Data-Encoding, ETag, Location")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cross-Origin-Resource-Policy", h.CrossOriginResourcePolicy)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	streamPath := r.URL.Path

	if h.hookRoutes != nil {
		if rest, ok := strings.CutPrefix(streamPath, h.Webhooks); ok {
			if h.hookRoutes.Handle(w, r, rest) {
				return nil
			}
		}
	}

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamPath),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamPath)
	case http.MethodHead:
		err = h.handleHead(w, r, streamPath)
	case http.MethodGet:
		err = h.handleRead(w, r, streamPath)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamPath)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// handleCreate handles PUT: create a stream, or verify an existing one.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	initial, err := h.readBody(w, r)
	if err != nil {
		return err
	}

	snap, created, err := h.engine.Create(path, store.StreamConfig{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
	}, initial)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConfigMismatch):
			return newHTTPError(http.StatusConflict, "stream exists with different configuration")
		case errors.Is(err, store.ErrInvalidJSON):
			return newHTTPError(http.StatusBadRequest, "invalid JSON")
		}
		return err
	}

	w.Header().Set("Content-Type", snap.ContentType)
	w.Header().Set(HeaderStreamNextOffset, snap.Tail.String())

	if created {
		w.Header().Set("Location", requestURL(r))
		w.WriteHeader(http.StatusCreated)
		if h.hooks != nil {
			h.hooks.StreamCreated(path)
		}
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// handleHead handles HEAD: metadata only, never cached.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	snap, err := h.engine.Head(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	w.Header().Set("Content-Type", snap.ContentType)
	w.Header().Set(HeaderStreamNextOffset, snap.Tail.String())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", snap.ETag)

	if snap.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if snap.TTLSeconds != nil {
		remaining := *snap.TTLSeconds - int64(time.Since(snap.CreatedAt).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(remaining, 10))
	}
	if snap.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, snap.ExpiresAt.UTC().Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// handleAppend handles POST: plain appends, writer-seq appends,
// idempotent-producer appends, and stream close.
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")

	closing := false
	if v := r.Header.Get(HeaderStreamClosed); v != "" {
		if !strings.EqualFold(v, "true") {
			return newHTTPError(http.StatusBadRequest, "Stream-Closed must be true")
		}
		closing = true
	}

	producer, err := parseProducerHeaders(r)
	if err != nil {
		return err
	}

	body, err := h.readBody(w, r)
	if err != nil {
		return err
	}

	if contentType == "" && !(closing && len(body) == 0) {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}
	if len(body) == 0 && !closing {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	res, err := h.engine.Append(path, engine.AppendRequest{
		Body:        body,
		ContentType: contentType,
		Seq:         r.Header.Get(HeaderStreamSeq),
		Close:       closing,
		Producer:    producer,
	})
	if err != nil {
		return appendError(err)
	}

	w.Header().Set(HeaderStreamNextOffset, res.Offset.String())
	if res.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	// Closing posts get 200 so clients distinguish an accepted close
	// from a plain ack; everything else is 204.
	if closing {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}

	if h.hooks != nil && !res.Duplicate && len(body) > 0 {
		h.hooks.StreamAppended(path)
	}
	return nil
}

// appendError translates engine and storage errors into protocol
// responses, attaching the producer coordination headers where the
// protocol calls for them.
func appendError(err error) error {
	var fenced *engine.FencedError
	if errors.As(err, &fenced) {
		e := newHTTPError(http.StatusForbidden, "producer fenced by newer epoch")
		e.headers = map[string]string{HeaderProducerEpoch: strconv.FormatInt(fenced.CurrentEpoch, 10)}
		return e
	}
	var gap *engine.SeqGapError
	if errors.As(err, &gap) {
		e := newHTTPError(http.StatusConflict, "producer sequence gap")
		e.headers = map[string]string{
			HeaderProducerExpectedSeq: strconv.FormatInt(gap.Expected, 10),
			HeaderProducerReceivedSeq: strconv.FormatInt(gap.Received, 10),
		}
		return e
	}

	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, store.ErrStreamClosed):
		e := newHTTPError(http.StatusConflict, "stream is closed")
		e.headers = map[string]string{HeaderStreamClosed: "true"}
		return e
	case errors.Is(err, store.ErrSequenceConflict):
		return newHTTPError(http.StatusConflict, "sequence number conflict")
	case errors.Is(err, store.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "content type mismatch")
	case errors.Is(err, store.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "invalid JSON")
	case errors.Is(err, store.ErrEmptyJSONArray):
		return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
	case errors.Is(err, store.ErrEmptyBody):
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	case errors.Is(err, engine.ErrBusy):
		e := newHTTPError(http.StatusServiceUnavailable, "append queue saturated, retry later")
		e.headers = map[string]string{"Retry-After": "1"}
		return e
	}
	return err
}

// parseProducerHeaders reads the idempotent-producer triple. The three
// headers travel together; a partial set is a malformed request.
func parseProducerHeaders(r *http.Request) (*engine.ProducerHeaders, error) {
	id := r.Header.Get(HeaderProducerID)
	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	if id == "" && epochStr == "" && seqStr == "" {
		return nil, nil
	}
	if id == "" || epochStr == "" || seqStr == "" {
		return nil, newHTTPError(http.StatusBadRequest, "Producer-Id, Producer-Epoch, and Producer-Seq must be sent together")
	}

	epoch, err := parseCanonicalInt(epochStr)
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch")
	}
	seq, err := parseCanonicalInt(seqStr)
	if err != nil {
		return nil, newHTTPError(http.StatusBadRequest, "invalid Producer-Seq")
	}

	return &engine.ProducerHeaders{ID: id, Epoch: epoch, Seq: seq}, nil
}

// handleDelete handles DELETE: the stream and its data disappear.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	err := h.engine.Delete(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	if h.hooks != nil {
		h.hooks.StreamDeleted(path)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// readBody reads the request body under the configured cap. Oversize
// bodies surface as 413 before any state changes.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limited := http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, newHTTPError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
		}
		return nil, newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	return body, nil
}

// requestURL reconstructs the absolute URL for Location, honoring the
// proxy protocol header.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

// HTTP error handling
type httpError struct {
	status  int
	message string
	headers map[string]string
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		for k, v := range httpErr.headers {
			w.Header().Set(k, v)
		}
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
