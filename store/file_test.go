package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreConfig{DataDir: dir, MaxFileHandles: 8})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs, dir
}

func TestFileStoreCreateAppendRead(t *testing.T) {
	fs, _ := newFileStore(t)

	meta, created, err := fs.Create("/s/a", "id-1", StreamConfig{ContentType: "text/plain"}, [][]byte{[]byte("hi")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created || meta.Tail.ByteOffset != 2 {
		t.Fatalf("created=%v tail=%v", created, meta.Tail)
	}

	tail, err := fs.Append("/s/a", [][]byte{[]byte(" there")}, MetaUpdate{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if tail.ByteOffset != 8 {
		t.Errorf("tail = %v", tail)
	}

	records, next, atTail, err := fs.Read("/s/a", ZeroOffset, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if string(RawBody(records)) != "hi there" {
		t.Errorf("body = %q", RawBody(records))
	}
	if !atTail || !next.Equal(tail) {
		t.Errorf("next=%v atTail=%v", next, atTail)
	}
}

func TestFileStoreReadPastTailShortCircuits(t *testing.T) {
	fs, _ := newFileStore(t)
	fs.Create("/s/a", "id", StreamConfig{}, [][]byte{[]byte("abc")})

	records, next, atTail, err := fs.Read("/s/a", Offset{ByteOffset: 3}, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(records) != 0 || !atTail {
		t.Errorf("records=%d atTail=%v", len(records), atTail)
	}
	if next.ByteOffset != 3 {
		t.Errorf("next = %v", next)
	}
}

func TestFileStoreMetadataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreConfig{DataDir: dir})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	seq := "0009"
	fs.Create("/s/a", "id-1", StreamConfig{ContentType: "application/json"}, [][]byte{[]byte(`{"n":1}`)})
	fs.Append("/s/a", [][]byte{[]byte(`{"n":2}`)}, MetaUpdate{LastSeq: &seq})
	fs.Close()

	fs2, err := NewFileStore(FileStoreConfig{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs2.Close()

	meta, err := fs2.Head("/s/a")
	if err != nil {
		t.Fatalf("Head after reopen: %v", err)
	}
	if meta.ID != "id-1" || meta.LastSeq != "0009" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Tail.ByteOffset != 14 {
		t.Errorf("tail = %v", meta.Tail)
	}

	records, _, _, err := fs2.Read("/s/a", ZeroOffset, 0)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records", len(records))
	}
}

func TestFileStoreDeleteRemovesData(t *testing.T) {
	fs, dir := newFileStore(t)
	fs.Create("/s/a", "id", StreamConfig{}, [][]byte{[]byte("x")})

	if err := fs.Delete("/s/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fs.Head("/s/a"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Head after delete: %v", err)
	}

	// The live directory is renamed away synchronously.
	entries, err := os.ReadDir(filepath.Join(dir, "streams"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".deleted~") {
			t.Errorf("unexpected live entry %q after delete", e.Name())
		}
	}
}

func TestFileStoreSweep(t *testing.T) {
	fs, _ := newFileStore(t)
	ttl := int64(1)
	fs.Create("/s/old", "id1", StreamConfig{TTLSeconds: &ttl}, nil)
	fs.Create("/s/new", "id2", StreamConfig{}, nil)

	expired, err := fs.Sweep(time.Now().Add(2 * time.Second))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(expired) != 1 || expired[0] != "/s/old" {
		t.Errorf("expired = %v", expired)
	}
	if _, err := fs.Head("/s/new"); err != nil {
		t.Errorf("survivor: %v", err)
	}
}

func TestRecoverReconcilesTail(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreConfig{DataDir: dir})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	fs.Create("/s/a", "id", StreamConfig{}, [][]byte{[]byte("alpha")})
	fs.Close()

	// Simulate a crash between the segment write and the metadata
	// update: one whole record landed, plus a torn one behind it.
	var segPath string
	entries, _ := os.ReadDir(filepath.Join(dir, "streams"))
	for _, e := range entries {
		segPath = filepath.Join(dir, "streams", e.Name(), SegmentFileName)
	}
	f, err := os.OpenFile(segPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	WriteRecord(f, []byte("beta"))
	f.Write([]byte{0, 0, 0, 9, 'p', 'a', 'r'})
	f.Close()

	if err := Recover(dir); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	fs2, err := NewFileStore(FileStoreConfig{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs2.Close()

	meta, err := fs2.Head("/s/a")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if meta.Tail.ByteOffset != 9 {
		t.Errorf("tail = %v, want 9 (full record recovered, torn record dropped)", meta.Tail)
	}
}

func TestFileStoreManyStreamsUnderSmallPool(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreConfig{DataDir: dir, MaxFileHandles: 2})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer fs.Close()

	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("/s/%d", i)
		if _, _, err := fs.Create(path, fmt.Sprintf("id-%d", i), StreamConfig{}, nil); err != nil {
			t.Fatalf("Create(%s): %v", path, err)
		}
		if _, err := fs.Append(path, [][]byte{[]byte("data")}, MetaUpdate{}); err != nil {
			t.Fatalf("Append(%s): %v", path, err)
		}
	}
	for i := 0; i < 5; i++ {
		records, _, _, err := fs.Read(fmt.Sprintf("/s/%d", i), ZeroOffset, 0)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(records) != 1 || string(records[0].Data) != "data" {
			t.Errorf("stream %d records = %v", i, records)
		}
	}
}
