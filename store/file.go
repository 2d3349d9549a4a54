package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is the file-backed Storage adapter. Records live in one
// length-prefixed segment file per stream; metadata lives in bbolt. A
// metadata cache keeps the hot path off the database.
type FileStore struct {
	dataDir string
	meta    *BoltMeta
	writers *FilePool

	mu    sync.RWMutex
	cache map[string]*StreamMeta
	dirs  map[string]string // path -> segment directory name
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	DataDir        string
	MaxFileHandles int
}

// NewFileStore opens the adapter rooted at cfg.DataDir, loading all
// existing stream metadata into the cache.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	meta, err := OpenBoltMeta(filepath.Join(cfg.DataDir, "metadata"))
	if err != nil {
		return nil, err
	}

	fs := &FileStore{
		dataDir: cfg.DataDir,
		meta:    meta,
		writers: NewFilePool(cfg.MaxFileHandles),
		cache:   make(map[string]*StreamMeta),
		dirs:    make(map[string]string),
	}
	if err := fs.loadCache(); err != nil {
		meta.Close()
		return nil, fmt.Errorf("load metadata cache: %w", err)
	}
	return fs, nil
}

func (s *FileStore) loadCache() error {
	return s.meta.ForEach(func(m *StreamMeta, dir string) error {
		s.cache[m.Path] = m
		s.dirs[m.Path] = dir
		return nil
	})
}

func (s *FileStore) Create(path, id string, cfg StreamConfig, initial [][]byte) (*StreamMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cache[path]; ok {
		if existing.IsExpired(time.Now()) {
			s.dropLocked(path)
		} else {
			return existing.Clone(), false, nil
		}
	}

	dir, err := segmentDirName(path)
	if err != nil {
		return nil, false, fmt.Errorf("generate directory name: %w", err)
	}
	streamDir := filepath.Join(s.dataDir, "streams", dir)
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create stream directory: %w", err)
	}
	segPath := filepath.Join(streamDir, SegmentFileName)
	if err := CreateSegmentFile(segPath); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, err
	}

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	meta := &StreamMeta{
		Path:        path,
		ID:          id,
		ContentType: contentType,
		Tail:        ZeroOffset,
		TTLSeconds:  cfg.TTLSeconds,
		ExpiresAt:   cfg.ExpiresAt,
		CreatedAt:   time.Now(),
		Producers:   make(map[string]*ProducerState),
	}

	if len(initial) > 0 {
		tail, err := s.writeRecords(segPath, meta.Tail, initial)
		if err != nil {
			os.RemoveAll(streamDir)
			return nil, false, err
		}
		meta.Tail = tail
	}

	if err := s.meta.Put(meta, dir); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, fmt.Errorf("store metadata: %w", err)
	}

	s.cache[path] = meta
	s.dirs[path] = dir
	return meta.Clone(), true, nil
}

func (s *FileStore) Head(path string) (*StreamMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.cache[path]
	if !ok || meta.IsExpired(time.Now()) {
		return nil, ErrStreamNotFound
	}
	return meta.Clone(), nil
}

func (s *FileStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[path]; !ok {
		return ErrStreamNotFound
	}
	s.dropLocked(path)
	return nil
}

// dropLocked removes a stream from cache, bbolt, pool, and disk. The
// directory is renamed before the asynchronous removal so a crashed
// removal never resurrects records.
func (s *FileStore) dropLocked(path string) {
	dir := s.dirs[path]
	segPath := filepath.Join(s.dataDir, "streams", dir, SegmentFileName)
	s.writers.Remove(segPath)
	s.meta.Delete(path)
	delete(s.cache, path)
	delete(s.dirs, path)

	streamDir := filepath.Join(s.dataDir, "streams", dir)
	tombstone := filepath.Join(s.dataDir, "streams",
		fmt.Sprintf(".deleted~%s~%d", dir, time.Now().UnixNano()))
	if err := os.Rename(streamDir, tombstone); err == nil {
		go os.RemoveAll(tombstone)
	}
}

func (s *FileStore) Append(path string, records [][]byte, upd MetaUpdate) (Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.cache[path]
	if !ok || meta.IsExpired(time.Now()) {
		return Offset{}, ErrStreamNotFound
	}
	dir := s.dirs[path]
	segPath := filepath.Join(s.dataDir, "streams", dir, SegmentFileName)

	tail := meta.Tail
	if len(records) > 0 {
		var err error
		tail, err = s.writeRecords(segPath, tail, records)
		if err != nil {
			return Offset{}, err
		}
	}

	meta.Tail = tail
	applyMetaUpdate(meta, upd)

	if err := s.meta.Put(meta, dir); err != nil {
		// The segment is the source of truth; recovery reconciles the
		// metadata row on the next start.
		return Offset{}, fmt.Errorf("persist metadata: %w", err)
	}
	return tail, nil
}

func (s *FileStore) writeRecords(segPath string, tail Offset, records [][]byte) (Offset, error) {
	file, err := s.writers.Writer(segPath)
	if err != nil {
		return Offset{}, fmt.Errorf("open segment writer: %w", err)
	}
	for _, data := range records {
		n, err := WriteRecord(file, data)
		if err != nil {
			return Offset{}, err
		}
		tail = tail.Advance(uint64(n))
	}
	if err := s.writers.Sync(segPath); err != nil {
		return Offset{}, err
	}
	return tail, nil
}

func (s *FileStore) Read(path string, from Offset, maxBytes int64) ([]Record, Offset, bool, error) {
	s.mu.RLock()
	meta, ok := s.cache[path]
	dir := s.dirs[path]
	var tail Offset
	live := ok && !meta.IsExpired(time.Now())
	if ok {
		tail = meta.Tail
	}
	s.mu.RUnlock()

	if !live {
		return nil, Offset{}, false, ErrStreamNotFound
	}
	if !from.Less(tail) {
		return nil, from, true, nil
	}

	segPath := filepath.Join(s.dataDir, "streams", dir, SegmentFileName)
	reader, err := OpenSegment(segPath)
	if err != nil {
		return nil, Offset{}, false, fmt.Errorf("open segment: %w", err)
	}
	defer reader.Close()

	records, next, err := reader.ReadFrom(ZeroOffset, from, maxBytes)
	if err != nil {
		return nil, Offset{}, false, err
	}
	if len(records) == 0 {
		next = from
	}
	return records, next, !next.Less(tail), nil
}

func (s *FileStore) Sweep(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for path, meta := range s.cache {
		if meta.IsExpired(now) {
			expired = append(expired, path)
		}
	}
	for _, path := range expired {
		s.dropLocked(path)
	}
	return expired, nil
}

func (s *FileStore) Close() error {
	var lastErr error
	if err := s.writers.Close(); err != nil {
		lastErr = err
	}
	if err := s.meta.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

// segmentDirName builds a collision-proof directory name for a stream:
// the URL-escaped path plus a timestamp and random suffix, so a deleted
// and recreated path never shares a directory.
func segmentDirName(path string) (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s~%d~%s",
		url.PathEscape(path), time.Now().UnixNano(), hex.EncodeToString(suffix[:])), nil
}

// Recover reconciles the metadata database with the segment files under
// dataDir after a crash: orphaned rows are dropped and stored tails are
// corrected against a full segment scan.
func Recover(dataDir string) error {
	meta, err := OpenBoltMeta(filepath.Join(dataDir, "metadata"))
	if err != nil {
		return err
	}
	defer meta.Close()

	streamsDir := filepath.Join(dataDir, "streams")

	type fix struct {
		meta *StreamMeta
		dir  string
	}
	var (
		orphans []string
		fixes   []fix
	)
	err = meta.ForEach(func(m *StreamMeta, dir string) error {
		segPath := filepath.Join(streamsDir, dir, SegmentFileName)
		if _, err := os.Stat(segPath); os.IsNotExist(err) {
			orphans = append(orphans, m.Path)
			return nil
		}
		tail, err := ScanSegment(segPath)
		if err != nil {
			return fmt.Errorf("scan segment for %s: %w", m.Path, err)
		}
		if !m.Tail.Equal(tail) {
			m.Tail = tail
			fixes = append(fixes, fix{meta: m, dir: dir})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range orphans {
		if err := meta.Delete(path); err != nil {
			return err
		}
	}
	for _, f := range fixes {
		if err := meta.Put(f.meta, f.dir); err != nil {
			return err
		}
	}
	return nil
}

var _ Storage = (*FileStore)(nil)
