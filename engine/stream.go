package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/durable-streams/streamd/store"
)

// Stream is the live, in-memory face of one stream. All appends pass
// through its mutex one at a time; reads only take the lock long enough
// to snapshot the tail.
type Stream struct {
	path        string
	id          string
	contentType string
	ttlSeconds  *int64
	expiresAt   *time.Time
	createdAt   time.Time

	pending atomic.Int32 // appends queued on the critical section

	mu        sync.Mutex
	tail      store.Offset
	lastSeq   string
	closed    bool
	closedBy  *store.ClosedBy
	producers map[string]*store.ProducerState
	waiters   []*waiter
	gone      bool
}

func newStream(meta *store.StreamMeta) *Stream {
	s := &Stream{
		path:        meta.Path,
		id:          meta.ID,
		contentType: meta.ContentType,
		ttlSeconds:  meta.TTLSeconds,
		expiresAt:   meta.ExpiresAt,
		createdAt:   meta.CreatedAt,
		tail:        meta.Tail,
		lastSeq:     meta.LastSeq,
		closed:      meta.Closed,
		closedBy:    meta.ClosedBy,
		producers:   meta.Producers,
	}
	if s.producers == nil {
		s.producers = make(map[string]*store.ProducerState)
	}
	return s
}

// Snapshot is a point-in-time view of stream metadata for HEAD and read
// responses.
type Snapshot struct {
	Path        string
	ContentType string
	Tail        store.Offset
	Closed      bool
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	ETag        string
}

func (s *Stream) snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Snapshot{
		Path:        s.path,
		ContentType: s.contentType,
		Tail:        s.tail,
		Closed:      s.closed,
		TTLSeconds:  s.ttlSeconds,
		ExpiresAt:   s.expiresAt,
		CreatedAt:   s.createdAt,
		ETag:        s.etag(s.tail),
	}
}

// etag derives the validator from the stream identity and an offset, so
// a deleted-and-recreated path never replays a stale 304.
func (s *Stream) etag(at store.Offset) string {
	id := s.id
	if len(id) > 8 {
		id = id[:8]
	}
	return `"` + id + `-` + at.String() + `"`
}

func (s *Stream) expired(now time.Time) bool {
	if s.expiresAt != nil && now.After(*s.expiresAt) {
		return true
	}
	if s.ttlSeconds != nil && now.After(s.createdAt.Add(time.Duration(*s.ttlSeconds)*time.Second)) {
		return true
	}
	return false
}

// markGone wakes every waiter with "gone" and detaches the stream from
// future appends. Monotonic; safe to call more than once.
func (s *Stream) markGone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return
	}
	s.gone = true
	s.notifyLocked(WaitGone, store.Offset{})
}

// AppendRequest is one POST translated to engine terms.
type AppendRequest struct {
	Body        []byte
	ContentType string
	Seq         string // Stream-Seq token, optional
	Close       bool   // Stream-Closed: true
	Producer    *ProducerHeaders
}

// ProducerHeaders carries the idempotent-producer triple.
type ProducerHeaders struct {
	ID    string
	Epoch int64
	Seq   int64
}

// AppendResult reports a committed or deduplicated append.
type AppendResult struct {
	Offset    store.Offset // tail after commit, or the stored offset for duplicates
	Duplicate bool
	Closed    bool // stream is closed after this request
}

// Append validates and commits one append. Producer decisions, seq
// checks, and the storage write all happen inside the stream's critical
// section, so concurrent posts serialize and invariants hold at every
// observable moment.
func (e *Engine) Append(path string, req AppendRequest) (*AppendResult, error) {
	s, err := e.lookup(path)
	if err != nil {
		return nil, err
	}

	if s.pending.Add(1) > e.cfg.PendingLimit {
		s.pending.Add(-1)
		return nil, ErrBusy
	}
	defer s.pending.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gone {
		return nil, store.ErrStreamNotFound
	}
	if req.ContentType != "" && !store.ContentTypeMatches(s.contentType, req.ContentType) {
		return nil, store.ErrContentTypeMismatch
	}

	var prod *store.ProducerState
	if req.Producer != nil {
		var res *AppendResult
		prod, res, err = s.producerCheckLocked(req.Producer)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil // duplicate answered from the ring
		}
	}

	if s.closed {
		return nil, store.ErrStreamClosed
	}

	var upd store.MetaUpdate
	if req.Seq != "" {
		if s.lastSeq != "" && req.Seq <= s.lastSeq {
			return nil, store.ErrSequenceConflict
		}
		seq := req.Seq
		upd.LastSeq = &seq
	}

	var records [][]byte
	if len(req.Body) > 0 {
		if store.IsJSONContentType(s.contentType) {
			records, err = store.SplitJSONBody(req.Body, false)
			if err != nil {
				return nil, err
			}
		} else {
			records = [][]byte{req.Body}
		}
	} else if !req.Close {
		return nil, store.ErrEmptyBody
	}

	newTail := s.tail
	for _, rec := range records {
		newTail = newTail.Advance(uint64(len(rec)))
	}

	if req.Close {
		closed := true
		upd.Closed = &closed
		if req.Producer != nil {
			upd.ClosedBy = &store.ClosedBy{
				ProducerID: req.Producer.ID,
				Epoch:      req.Producer.Epoch,
				Seq:        req.Producer.Seq,
			}
		}
	}

	if prod != nil {
		prod.LastSeq = req.Producer.Seq
		prod.UpdatedAt = time.Now().Unix()
		prod.Ring = append(prod.Ring, store.SeqOffset{Seq: req.Producer.Seq, Offset: newTail})
		if over := len(prod.Ring) - e.cfg.ProducerRing; over > 0 {
			prod.Ring = append(prod.Ring[:0:0], prod.Ring[over:]...)
		}
		upd.Producer = &store.ProducerUpdate{ID: req.Producer.ID, State: *prod}
	}

	committed, err := e.storage.Append(path, records, upd)
	if err != nil {
		return nil, err
	}

	s.tail = committed
	if upd.LastSeq != nil {
		s.lastSeq = *upd.LastSeq
	}
	if req.Close {
		s.closed = true
		s.closedBy = upd.ClosedBy
	}
	if prod != nil {
		s.producers[req.Producer.ID] = prod
	}

	if len(records) > 0 {
		s.notifyLocked(WaitData, committed)
	} else if req.Close {
		s.notifyLocked(WaitClosed, store.Offset{})
	}

	return &AppendResult{Offset: committed, Closed: s.closed}, nil
}

// ReadResult is one page of records plus the state needed for response
// headers.
type ReadResult struct {
	Records     []store.Record
	Next        store.Offset
	UpToDate    bool
	Closed      bool
	ContentType string
	ETag        string
}

// Read returns records strictly after from, capped at the engine's chunk
// ceiling. The up-to-date flag reflects the tail at the storage
// adapter's sampling instant.
func (e *Engine) Read(path string, from store.Offset) (*ReadResult, error) {
	s, err := e.lookup(path)
	if err != nil {
		return nil, err
	}

	records, next, atTail, err := e.storage.Read(path, from, e.cfg.MaxReadBytes)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	return &ReadResult{
		Records:     records,
		Next:        next,
		UpToDate:    atTail,
		Closed:      closed,
		ContentType: s.contentType,
		ETag:        s.etag(next),
	}, nil
}
