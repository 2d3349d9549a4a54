package engine

import (
	"errors"
	"testing"

	"github.com/durable-streams/streamd/store"
)

func TestAppendAdvancesTail(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	res, err := e.Append("/s/a", AppendRequest{Body: []byte("abc"), ContentType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.Offset.ByteOffset != 3 {
		t.Errorf("offset = %v", res.Offset)
	}

	res, err = e.Append("/s/a", AppendRequest{Body: []byte("de"), ContentType: "application/octet-stream"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.Offset.ByteOffset != 5 {
		t.Errorf("offset = %v", res.Offset)
	}
}

func TestAppendContentTypeMismatch(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{ContentType: "application/json"}, nil)

	_, err := e.Append("/s/a", AppendRequest{Body: []byte("x"), ContentType: "text/plain"})
	if !errors.Is(err, store.ErrContentTypeMismatch) {
		t.Errorf("got %v, want ErrContentTypeMismatch", err)
	}
}

func TestAppendJSONArraySplitsIntoRecords(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{ContentType: "application/json"}, nil)

	if _, err := e.Append("/s/a", AppendRequest{Body: []byte(`[{"a":1},{"b":2}]`), ContentType: "application/json"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	res, err := e.Read("/s/a", store.ZeroOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(res.Records))
	}
	if string(res.Records[0].Data) != `{"a":1}` {
		t.Errorf("first record = %q", res.Records[0].Data)
	}
}

func TestAppendEmptyJSONArrayRejected(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{ContentType: "application/json"}, nil)

	_, err := e.Append("/s/a", AppendRequest{Body: []byte(`[]`), ContentType: "application/json"})
	if !errors.Is(err, store.ErrEmptyJSONArray) {
		t.Errorf("got %v, want ErrEmptyJSONArray", err)
	}
}

func TestAppendEmptyBodyRejectedUnlessClosing(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	_, err := e.Append("/s/a", AppendRequest{ContentType: "application/octet-stream"})
	if !errors.Is(err, store.ErrEmptyBody) {
		t.Errorf("got %v, want ErrEmptyBody", err)
	}

	res, err := e.Append("/s/a", AppendRequest{Close: true})
	if err != nil {
		t.Fatalf("close-only append: %v", err)
	}
	if !res.Closed {
		t.Error("expected closed")
	}
}

func TestWriterSeqOrdering(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	ct := "application/octet-stream"
	if _, err := e.Append("/s/a", AppendRequest{Body: []byte("a"), ContentType: ct, Seq: "0001"}); err != nil {
		t.Fatalf("seq 0001: %v", err)
	}
	if _, err := e.Append("/s/a", AppendRequest{Body: []byte("b"), ContentType: ct, Seq: "0002"}); err != nil {
		t.Fatalf("seq 0002: %v", err)
	}

	// Replay and regression are both conflicts.
	if _, err := e.Append("/s/a", AppendRequest{Body: []byte("c"), ContentType: ct, Seq: "0002"}); !errors.Is(err, store.ErrSequenceConflict) {
		t.Errorf("equal seq: got %v", err)
	}
	if _, err := e.Append("/s/a", AppendRequest{Body: []byte("c"), ContentType: ct, Seq: "0001"}); !errors.Is(err, store.ErrSequenceConflict) {
		t.Errorf("lower seq: got %v", err)
	}

	// Unsequenced appends are unaffected.
	if _, err := e.Append("/s/a", AppendRequest{Body: []byte("d"), ContentType: ct}); err != nil {
		t.Errorf("unsequenced append: %v", err)
	}
}

func TestWriterSeqComparesLexicographically(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)
	ct := "application/octet-stream"

	e.Append("/s/a", AppendRequest{Body: []byte("a"), ContentType: ct, Seq: "0010"})
	// "0009" < "0010" lexicographically; rejected.
	if _, err := e.Append("/s/a", AppendRequest{Body: []byte("b"), ContentType: ct, Seq: "0009"}); !errors.Is(err, store.ErrSequenceConflict) {
		t.Errorf("got %v, want ErrSequenceConflict", err)
	}
	if _, err := e.Append("/s/a", AppendRequest{Body: []byte("b"), ContentType: ct, Seq: "0011"}); err != nil {
		t.Errorf("advancing seq rejected: %v", err)
	}
}

func TestCloseRejectsFurtherAppends(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)
	ct := "application/octet-stream"

	res, err := e.Append("/s/a", AppendRequest{Body: []byte("final"), ContentType: ct, Close: true})
	if err != nil {
		t.Fatalf("closing append: %v", err)
	}
	if !res.Closed {
		t.Error("result should be closed")
	}

	_, err = e.Append("/s/a", AppendRequest{Body: []byte("more"), ContentType: ct})
	if !errors.Is(err, store.ErrStreamClosed) {
		t.Errorf("append after close: got %v, want ErrStreamClosed", err)
	}

	// The closed flag and the final records are readable.
	rr, err := e.Read("/s/a", store.ZeroOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !rr.Closed || len(rr.Records) != 1 {
		t.Errorf("closed=%v records=%d", rr.Closed, len(rr.Records))
	}
}

func TestCloseSurvivesReload(t *testing.T) {
	storage := store.NewMemory()
	e := New(storage, nil, Config{})
	e.Create("/s/a", store.StreamConfig{}, nil)
	e.Append("/s/a", AppendRequest{Body: []byte("x"), ContentType: "application/octet-stream", Close: true})
	e.Close()

	// A fresh engine over the same storage still sees the close.
	e2 := New(storage, nil, Config{})
	defer e2.Close()
	_, err := e2.Append("/s/a", AppendRequest{Body: []byte("y"), ContentType: "application/octet-stream"})
	if !errors.Is(err, store.ErrStreamClosed) {
		t.Errorf("got %v, want ErrStreamClosed", err)
	}
}

func TestReadPaginatesByMaxBytes(t *testing.T) {
	e := New(store.NewMemory(), nil, Config{MaxReadBytes: 4})
	defer e.Close()
	e.Create("/s/a", store.StreamConfig{}, nil)
	ct := "application/octet-stream"
	e.Append("/s/a", AppendRequest{Body: []byte("aaaa"), ContentType: ct})
	e.Append("/s/a", AppendRequest{Body: []byte("bbbb"), ContentType: ct})

	res, err := e.Read("/s/a", store.ZeroOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Records) != 1 || res.UpToDate {
		t.Fatalf("page 1: records=%d upToDate=%v", len(res.Records), res.UpToDate)
	}

	res, err = e.Read("/s/a", res.Next)
	if err != nil {
		t.Fatalf("Read page 2: %v", err)
	}
	if len(res.Records) != 1 || !res.UpToDate {
		t.Errorf("page 2: records=%d upToDate=%v", len(res.Records), res.UpToDate)
	}
}
