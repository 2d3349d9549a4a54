package store

import (
	"sync"
	"time"
)

// Memory is the in-memory Storage adapter. It backs tests and
// deployments without a data_dir.
type Memory struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	meta    StreamMeta
	records []Record
}

// NewMemory returns an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memoryStream)}
}

func (s *Memory) Create(path, id string, cfg StreamConfig, initial [][]byte) (*StreamMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok {
		if existing.meta.IsExpired(time.Now()) {
			delete(s.streams, path)
		} else {
			return existing.meta.Clone(), false, nil
		}
	}

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	ms := &memoryStream{
		meta: StreamMeta{
			Path:        path,
			ID:          id,
			ContentType: contentType,
			Tail:        ZeroOffset,
			TTLSeconds:  cfg.TTLSeconds,
			ExpiresAt:   cfg.ExpiresAt,
			CreatedAt:   time.Now(),
			Producers:   make(map[string]*ProducerState),
		},
	}
	appendRecords(ms, initial)
	s.streams[path] = ms
	return ms.meta.Clone(), true, nil
}

func (s *Memory) Head(path string) (*StreamMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.streams[path]
	if !ok || ms.meta.IsExpired(time.Now()) {
		return nil, ErrStreamNotFound
	}
	return ms.meta.Clone(), nil
}

func (s *Memory) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[path]; !ok {
		return ErrStreamNotFound
	}
	delete(s.streams, path)
	return nil
}

func (s *Memory) Append(path string, records [][]byte, upd MetaUpdate) (Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.streams[path]
	if !ok || ms.meta.IsExpired(time.Now()) {
		return Offset{}, ErrStreamNotFound
	}

	appendRecords(ms, records)
	applyMetaUpdate(&ms.meta, upd)
	return ms.meta.Tail, nil
}

func (s *Memory) Read(path string, from Offset, maxBytes int64) ([]Record, Offset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.streams[path]
	if !ok || ms.meta.IsExpired(time.Now()) {
		return nil, Offset{}, false, ErrStreamNotFound
	}

	var out []Record
	var size int64
	next := from
	for _, rec := range ms.records {
		if !from.Less(rec.End) {
			continue
		}
		if len(out) > 0 && maxBytes > 0 && size+int64(len(rec.Data)) > maxBytes {
			break
		}
		out = append(out, rec)
		size += int64(len(rec.Data))
		next = rec.End
	}
	return out, next, next.Equal(ms.meta.Tail) || ms.meta.Tail.Less(next), nil
}

func (s *Memory) Sweep(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for path, ms := range s.streams {
		if ms.meta.IsExpired(now) {
			expired = append(expired, path)
			delete(s.streams, path)
		}
	}
	return expired, nil
}

func (s *Memory) Close() error { return nil }

func appendRecords(ms *memoryStream, records [][]byte) {
	tail := ms.meta.Tail
	for _, data := range records {
		tail = tail.Advance(uint64(len(data)))
		ms.records = append(ms.records, Record{Data: data, End: tail})
	}
	ms.meta.Tail = tail
}

// applyMetaUpdate folds one append's metadata changes into meta.
func applyMetaUpdate(meta *StreamMeta, upd MetaUpdate) {
	if upd.LastSeq != nil {
		meta.LastSeq = *upd.LastSeq
	}
	if upd.Closed != nil {
		meta.Closed = *upd.Closed
	}
	if upd.ClosedBy != nil {
		cb := *upd.ClosedBy
		meta.ClosedBy = &cb
	}
	if upd.Producer != nil {
		if meta.Producers == nil {
			meta.Producers = make(map[string]*ProducerState)
		}
		state := upd.Producer.State
		state.Ring = append([]SeqOffset(nil), upd.Producer.State.Ring...)
		meta.Producers[upd.Producer.ID] = &state
	}
}

var _ Storage = (*Memory)(nil)
