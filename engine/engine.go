// Package engine is the in-process stream engine: one Stream value per
// live path, serializing appends, owning idempotent-producer state, and
// waking long-poll and SSE waiters. Persistence is delegated to a
// store.Storage adapter; the engine is the only writer a given stream
// ever sees, which makes the adapter's job linearizable by construction.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
)

// ErrBusy reports that a stream's append queue is past its watermark;
// the front end surfaces it as 503 with Retry-After.
var ErrBusy = errors.New("stream append queue saturated")

// FencedError rejects a producer whose epoch is behind the stored one.
type FencedError struct {
	CurrentEpoch int64
}

func (e *FencedError) Error() string {
	return fmt.Sprintf("producer fenced: current epoch is %d", e.CurrentEpoch)
}

// SeqGapError rejects a producer sequence that is neither the next
// expected value nor a replay still covered by the dedup ring.
type SeqGapError struct {
	Expected int64
	Received int64
}

func (e *SeqGapError) Error() string {
	return fmt.Sprintf("producer sequence gap: expected %d, received %d", e.Expected, e.Received)
}

// Config tunes the engine.
type Config struct {
	// MaxReadBytes is the chunk ceiling for one read, so pagination of a
	// large backlog terminates. Default 4 MiB.
	MaxReadBytes int64

	// ProducerRing is how many recent (seq, offset) pairs are kept per
	// producer for duplicate replies. Default 64.
	ProducerRing int

	// PendingLimit is the per-stream append watermark beyond which the
	// engine sheds load. Default 128.
	PendingLimit int32
}

func (c *Config) applyDefaults() {
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = 4 * 1024 * 1024
	}
	if c.ProducerRing <= 0 {
		c.ProducerRing = 64
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 128
	}
}

// Engine is the stream registry.
type Engine struct {
	storage store.Storage
	logger  *zap.Logger
	cfg     Config

	mu      sync.RWMutex
	streams map[string]*Stream

	sweepStop chan struct{}
	sweepDone chan struct{}
	sweepOnce sync.Once
}

// New builds an engine over the given storage adapter.
func New(storage store.Storage, logger *zap.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		storage:   storage,
		logger:    logger,
		cfg:       cfg,
		streams:   make(map[string]*Stream),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Create makes a stream, or verifies the config of an existing one.
// An initial body is appended atomically on first create only.
func (e *Engine) Create(path string, cfg store.StreamConfig, initial []byte) (*Snapshot, bool, error) {
	var records [][]byte
	if len(initial) > 0 {
		if store.IsJSONContentType(cfg.ContentType) {
			var err error
			records, err = store.SplitJSONBody(initial, true)
			if err != nil {
				return nil, false, err
			}
		} else {
			records = [][]byte{initial}
		}
	}

	meta, created, err := e.storage.Create(path, uuid.NewString(), cfg, records)
	if err != nil {
		return nil, false, err
	}
	if !created && !meta.ConfigMatches(cfg) {
		return nil, false, store.ErrConfigMismatch
	}

	e.mu.Lock()
	s, ok := e.streams[path]
	if !ok || s.id != meta.ID {
		s = newStream(meta)
		e.streams[path] = s
	}
	e.mu.Unlock()

	if created {
		e.logger.Debug("stream created",
			zap.String("path", path),
			zap.String("content_type", meta.ContentType))
	}
	return s.snapshot(), created, nil
}

// lookup returns the live Stream for path, loading it from storage on a
// cold start. Expired streams surface as not found.
func (e *Engine) lookup(path string) (*Stream, error) {
	e.mu.RLock()
	s, ok := e.streams[path]
	e.mu.RUnlock()
	if ok {
		if s.expired(time.Now()) {
			e.dropStream(path, s)
			return nil, store.ErrStreamNotFound
		}
		return s, nil
	}

	meta, err := e.storage.Head(path)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.streams[path]; ok {
		return s, nil
	}
	s = newStream(meta)
	e.streams[path] = s
	return s, nil
}

// Head returns the stream's current metadata snapshot.
func (e *Engine) Head(path string) (*Snapshot, error) {
	s, err := e.lookup(path)
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// Delete removes the stream; its waiters are woken with "gone".
func (e *Engine) Delete(path string) error {
	e.mu.Lock()
	s, cached := e.streams[path]
	delete(e.streams, path)
	e.mu.Unlock()

	if cached {
		s.markGone()
	}

	err := e.storage.Delete(path)
	if errors.Is(err, store.ErrStreamNotFound) && cached {
		// Cache said live but storage already swept it.
		return store.ErrStreamNotFound
	}
	return err
}

// dropStream evicts a stream that expired or was swept.
func (e *Engine) dropStream(path string, s *Stream) {
	e.mu.Lock()
	if cur, ok := e.streams[path]; ok && cur == s {
		delete(e.streams, path)
	}
	e.mu.Unlock()
	s.markGone()
	e.storage.Delete(path)
}

// StartSweeper runs TTL/expiry enforcement every interval until Close.
func (e *Engine) StartSweeper(interval time.Duration) {
	go func() {
		defer close(e.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.sweepStop:
				return
			case <-ticker.C:
				e.Sweep(time.Now())
			}
		}
	}()
}

// Sweep deletes expired streams and fails their waiters.
func (e *Engine) Sweep(now time.Time) {
	expired, err := e.storage.Sweep(now)
	if err != nil {
		e.logger.Error("ttl sweep failed", zap.Error(err))
		return
	}
	for _, path := range expired {
		e.mu.Lock()
		s, ok := e.streams[path]
		delete(e.streams, path)
		e.mu.Unlock()
		if ok {
			s.markGone()
		}
	}
	if len(expired) > 0 {
		e.logger.Info("swept expired streams", zap.Int("count", len(expired)))
	}
}

// Close stops the sweeper. The storage adapter is closed by its owner.
func (e *Engine) Close() error {
	e.sweepOnce.Do(func() { close(e.sweepStop) })
	return nil
}
