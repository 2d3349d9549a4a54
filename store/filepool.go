package store

import (
	"container/list"
	"os"
	"sync"
)

// FilePool caches append-mode file handles with LRU eviction so a busy
// server does not hold one descriptor per stream forever.
type FilePool struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*poolEntry
	lru     *list.List // front = most recently used
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

// NewFilePool returns a pool holding at most maxSize open handles.
func NewFilePool(maxSize int) *FilePool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &FilePool{
		maxSize: maxSize,
		entries: make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// Writer returns an append-mode handle for path, opening it on demand.
// The caller must not close the returned file.
func (p *FilePool) Writer(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	p.evictLocked()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.entries[path] = entry
	return file, nil
}

// Sync flushes path to disk if it is open.
func (p *FilePool) Sync(path string) error {
	p.mu.Lock()
	entry, ok := p.entries[path]
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return entry.file.Sync()
}

// Remove closes and drops the handle for path, if open.
func (p *FilePool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.entries, path)
	return entry.file.Close()
}

// Close closes every handle in the pool.
func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.entries {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.entries, path)
	}
	p.lru.Init()
	return lastErr
}

// Size returns the number of open handles.
func (p *FilePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// evictLocked drops the least recently used handle once the pool is full.
func (p *FilePool) evictLocked() {
	if len(p.entries) < p.maxSize {
		return
	}
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.entries, entry.path)
	entry.file.Close()
}
