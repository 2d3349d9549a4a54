package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// BoltMeta persists stream metadata (everything but record payloads) in a
// single bbolt database. It is the metadata half of the file-backed
// adapter; segment files hold the records.
type BoltMeta struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	closed bool
}

// boltRow is the serialized form of StreamMeta plus the directory the
// stream's segment lives in.
type boltRow struct {
	Path        string                    `json:"path"`
	ID          string                    `json:"id"`
	ContentType string                    `json:"content_type"`
	Tail        string                    `json:"tail"`
	LastSeq     string                    `json:"last_seq,omitempty"`
	TTLSeconds  *int64                    `json:"ttl_seconds,omitempty"`
	ExpiresAt   *int64                    `json:"expires_at,omitempty"` // unix seconds
	CreatedAt   int64                     `json:"created_at"`
	Dir         string                    `json:"dir"`
	Closed      bool                      `json:"closed,omitempty"`
	ClosedBy    *ClosedBy                 `json:"closed_by,omitempty"`
	Producers   map[string]*ProducerState `json:"producers,omitempty"`
}

var streamsBucket = []byte("streams")

// OpenBoltMeta opens (or creates) the metadata database under dir.
func OpenBoltMeta(dir string) (*BoltMeta, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "metadata.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create streams bucket: %w", err)
	}

	return &BoltMeta{db: db}, nil
}

// Put stores the full metadata row for a stream.
func (s *BoltMeta) Put(meta *StreamMeta, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	data, err := json.Marshal(rowFromMeta(meta, dir))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).Put([]byte(meta.Path), data)
	})
}

// Get returns a stream's metadata and its segment directory name.
func (s *BoltMeta) Get(path string) (*StreamMeta, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", fmt.Errorf("metadata store is closed")
	}

	var (
		meta *StreamMeta
		dir  string
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(streamsBucket).Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		row := boltRow{}
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
		m, err := metaFromRow(&row)
		if err != nil {
			return err
		}
		meta, dir = m, row.Dir
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return meta, dir, nil
}

// Delete removes a stream's metadata row.
func (s *BoltMeta) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).Delete([]byte(path))
	})
}

// ForEach visits every stored stream. The callback receives a private
// copy it may retain.
func (s *BoltMeta) ForEach(fn func(meta *StreamMeta, dir string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(_, data []byte) error {
			row := boltRow{}
			if err := json.Unmarshal(data, &row); err != nil {
				return fmt.Errorf("unmarshal metadata: %w", err)
			}
			meta, err := metaFromRow(&row)
			if err != nil {
				return err
			}
			return fn(meta, row.Dir)
		})
	})
}

// Close shuts the database.
func (s *BoltMeta) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func rowFromMeta(meta *StreamMeta, dir string) *boltRow {
	row := &boltRow{
		Path:        meta.Path,
		ID:          meta.ID,
		ContentType: meta.ContentType,
		Tail:        meta.Tail.String(),
		LastSeq:     meta.LastSeq,
		TTLSeconds:  meta.TTLSeconds,
		CreatedAt:   meta.CreatedAt.Unix(),
		Dir:         dir,
		Closed:      meta.Closed,
		ClosedBy:    meta.ClosedBy,
	}
	if meta.ExpiresAt != nil {
		ts := meta.ExpiresAt.Unix()
		row.ExpiresAt = &ts
	}
	if len(meta.Producers) > 0 {
		row.Producers = meta.Producers
	}
	return row
}

func metaFromRow(row *boltRow) (*StreamMeta, error) {
	tail, err := ParseOffset(row.Tail)
	if err != nil {
		return nil, fmt.Errorf("parse stored tail: %w", err)
	}
	meta := &StreamMeta{
		Path:        row.Path,
		ID:          row.ID,
		ContentType: row.ContentType,
		Tail:        tail,
		LastSeq:     row.LastSeq,
		TTLSeconds:  row.TTLSeconds,
		CreatedAt:   time.Unix(row.CreatedAt, 0),
		Closed:      row.Closed,
		ClosedBy:    row.ClosedBy,
		Producers:   row.Producers,
	}
	if meta.Producers == nil {
		meta.Producers = make(map[string]*ProducerState)
	}
	if row.ExpiresAt != nil {
		t := time.Unix(*row.ExpiresAt, 0)
		meta.ExpiresAt = &t
	}
	return meta, nil
}
