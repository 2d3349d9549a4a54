// Package store defines the persistence contract for durable streams and
// provides the built-in adapters: in-memory, file-backed (segment files plus
// a bbolt metadata database), and DuckDB-backed.
//
// An adapter only persists; protocol decisions (sequence checks, producer
// fencing, waiter wake-up) belong to the engine, which serializes all
// appends to a given stream before they reach the adapter.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Sentinel errors surfaced across the storage boundary.
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrSequenceConflict    = errors.New("sequence number conflict")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrEmptyBody           = errors.New("empty body not allowed")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrEmptyJSONArray      = errors.New("empty JSON array not allowed")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrStreamClosed        = errors.New("stream is closed")
	ErrPayloadTooLarge     = errors.New("payload too large")
)

// DefaultContentType applies when a stream is created without Content-Type.
const DefaultContentType = "application/octet-stream"

// Record is one immutable append unit. End is the offset at which a reader
// resumes to see the record after this one.
type Record struct {
	Data []byte
	End  Offset
}

// StreamConfig is the creation-time configuration of a stream. TTLSeconds
// and ExpiresAt are mutually exclusive.
type StreamConfig struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
}

// SeqOffset is one entry of a producer's dedup ring: the offset a committed
// sequence number produced.
type SeqOffset struct {
	Seq    int64  `json:"seq"`
	Offset Offset `json:"offset"`
}

// ProducerState is the per-(stream, producer-id) idempotency state.
type ProducerState struct {
	Epoch     int64       `json:"epoch"`
	LastSeq   int64       `json:"last_seq"` // -1 before the first commit of an epoch
	Ring      []SeqOffset `json:"ring,omitempty"`
	UpdatedAt int64       `json:"updated_at"` // unix seconds
}

// RingLookup returns the offset committed for seq, if it is still within
// the dedup window.
func (p *ProducerState) RingLookup(seq int64) (Offset, bool) {
	for i := len(p.Ring) - 1; i >= 0; i-- {
		if p.Ring[i].Seq == seq {
			return p.Ring[i].Offset, true
		}
	}
	return Offset{}, false
}

// ClosedBy records which producer request closed the stream, so a retried
// close can be answered idempotently.
type ClosedBy struct {
	ProducerID string `json:"producer_id"`
	Epoch      int64  `json:"epoch"`
	Seq        int64  `json:"seq"`
}

// StreamMeta is the persisted state of one stream, records aside.
type StreamMeta struct {
	Path        string
	ID          string // identity token, fresh per create; feeds the ETag
	ContentType string
	Tail        Offset
	LastSeq     string // last accepted Stream-Seq token
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	Closed      bool
	ClosedBy    *ClosedBy
	Producers   map[string]*ProducerState
}

// IsExpired reports whether the stream is past its TTL or absolute expiry.
func (m *StreamMeta) IsExpired(now time.Time) bool {
	if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil {
		if now.After(m.CreatedAt.Add(time.Duration(*m.TTLSeconds) * time.Second)) {
			return true
		}
	}
	return false
}

// ConfigMatches reports whether a re-PUT carries the same canonicalized
// configuration as the existing stream.
func (m *StreamMeta) ConfigMatches(cfg StreamConfig) bool {
	if !ContentTypeMatches(m.ContentType, cfg.ContentType) {
		return false
	}
	if (m.TTLSeconds == nil) != (cfg.TTLSeconds == nil) {
		return false
	}
	if m.TTLSeconds != nil && *m.TTLSeconds != *cfg.TTLSeconds {
		return false
	}
	if (m.ExpiresAt == nil) != (cfg.ExpiresAt == nil) {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.Equal(*cfg.ExpiresAt) {
		return false
	}
	return true
}

// Clone returns a deep copy safe to hand outside the adapter.
func (m *StreamMeta) Clone() *StreamMeta {
	out := *m
	if m.TTLSeconds != nil {
		ttl := *m.TTLSeconds
		out.TTLSeconds = &ttl
	}
	if m.ExpiresAt != nil {
		at := *m.ExpiresAt
		out.ExpiresAt = &at
	}
	if m.ClosedBy != nil {
		cb := *m.ClosedBy
		out.ClosedBy = &cb
	}
	if m.Producers != nil {
		out.Producers = make(map[string]*ProducerState, len(m.Producers))
		for id, ps := range m.Producers {
			cp := *ps
			cp.Ring = append([]SeqOffset(nil), ps.Ring...)
			out.Producers[id] = &cp
		}
	}
	return &out
}

// MetaUpdate is applied atomically with the records of one append.
type MetaUpdate struct {
	LastSeq  *string
	Closed   *bool
	ClosedBy *ClosedBy
	Producer *ProducerUpdate
}

// ProducerUpdate replaces the stored state for one producer id.
type ProducerUpdate struct {
	ID    string
	State ProducerState
}

// Storage is the adapter contract the engine depends on. Implementations
// must make each Append atomic: either all records and the metadata update
// become visible, or none do. Per-stream linearization is provided by the
// caller.
type Storage interface {
	// Create makes a new stream, appending initial records atomically.
	// If the path already exists the existing metadata is returned with
	// created=false and the initial records are NOT appended; config
	// comparison is the engine's job.
	Create(path, id string, cfg StreamConfig, initial [][]byte) (meta *StreamMeta, created bool, err error)

	// Head returns the stream's metadata, or ErrStreamNotFound.
	Head(path string) (*StreamMeta, error)

	// Delete removes the stream and all its records.
	Delete(path string) error

	// Append persists records (possibly none, for close-only updates) and
	// applies upd atomically, returning the new tail offset.
	Append(path string, records [][]byte, upd MetaUpdate) (Offset, error)

	// Read returns records strictly after from, up to maxBytes of record
	// data (always at least one record when any exists). next is the
	// resume offset; atTail reports next == tail at the sampling instant.
	Read(path string, from Offset, maxBytes int64) (records []Record, next Offset, atTail bool, err error)

	// Sweep deletes streams whose TTL or expiry has passed and returns
	// their paths.
	Sweep(now time.Time) ([]string, error)

	// Close releases adapter resources.
	Close() error
}

// CanonicalContentType lowercases the media type and drops parameters.
func CanonicalContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// ContentTypeMatches compares two content types by canonical media type.
// Empty means the default octet-stream type.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = DefaultContentType
	}
	if b == "" {
		b = DefaultContentType
	}
	return CanonicalContentType(a) == CanonicalContentType(b)
}

// IsJSONContentType reports whether a stream stores JSON values.
func IsJSONContentType(ct string) bool {
	return CanonicalContentType(ct) == "application/json"
}

// SplitJSONBody turns one POST body into record payloads for a JSON
// stream: a top-level array flattens one level, anything else is a single
// record. Empty arrays are allowed only on create (allowEmpty).
func SplitJSONBody(body []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return nil, nil
		}
		out := make([][]byte, len(arr))
		for i, v := range arr {
			out[i] = []byte(v)
		}
		return out, nil
	}
	return [][]byte{trimmed}, nil
}

// JSONBody renders records as the protocol's JSON array form.
func JSONBody(records []Record) []byte {
	if len(records) == 0 {
		return []byte("[]")
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec.Data)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// RawBody concatenates record payloads for byte streams.
func RawBody(records []Record) []byte {
	var total int
	for _, rec := range records {
		total += len(rec.Data)
	}
	out := make([]byte, 0, total)
	for _, rec := range records {
		out = append(out, rec.Data...)
	}
	return out
}
