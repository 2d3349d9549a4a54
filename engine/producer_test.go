package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/durable-streams/streamd/store"
)

const ct = "application/octet-stream"

func producerAppend(e *Engine, path, id string, epoch, seq int64, body string) (*AppendResult, error) {
	return e.Append(path, AppendRequest{
		Body:        []byte(body),
		ContentType: ct,
		Producer:    &ProducerHeaders{ID: id, Epoch: epoch, Seq: seq},
	})
}

func TestProducerInOrderCommits(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	for seq := int64(0); seq < 3; seq++ {
		res, err := producerAppend(e, "/s/a", "p1", 1, seq, fmt.Sprintf("m%d", seq))
		if err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
		if res.Duplicate {
			t.Errorf("seq %d flagged duplicate", seq)
		}
	}

	res, err := e.Read("/s/a", store.ZeroOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(res.Records) != 3 {
		t.Errorf("got %d records, want 3", len(res.Records))
	}
}

func TestProducerDuplicateAnsweredFromRing(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	first, err := producerAppend(e, "/s/a", "p1", 1, 0, "hello")
	if err != nil {
		t.Fatalf("seq 0: %v", err)
	}
	producerAppend(e, "/s/a", "p1", 1, 1, "world")

	// Retransmit of seq 0: no new bytes, the original offset comes back.
	dup, err := producerAppend(e, "/s/a", "p1", 1, 0, "hello")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if !dup.Duplicate {
		t.Fatal("expected duplicate")
	}
	if !dup.Offset.Equal(first.Offset) {
		t.Errorf("duplicate offset %v, want %v", dup.Offset, first.Offset)
	}

	res, _ := e.Read("/s/a", store.ZeroOffset)
	if len(res.Records) != 2 {
		t.Errorf("duplicate appended data: %d records", len(res.Records))
	}
}

func TestProducerSeqGap(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	producerAppend(e, "/s/a", "p1", 1, 0, "a")

	_, err := producerAppend(e, "/s/a", "p1", 1, 5, "skipped ahead")
	var gap *SeqGapError
	if !errors.As(err, &gap) {
		t.Fatalf("got %v, want SeqGapError", err)
	}
	if gap.Expected != 1 || gap.Received != 5 {
		t.Errorf("gap = %+v", gap)
	}
}

func TestProducerFirstSeqMustBeZero(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	_, err := producerAppend(e, "/s/a", "p1", 1, 3, "x")
	var gap *SeqGapError
	if !errors.As(err, &gap) {
		t.Fatalf("got %v, want SeqGapError", err)
	}
	if gap.Expected != 0 {
		t.Errorf("expected seq = %d, want 0", gap.Expected)
	}
}

func TestProducerFencing(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	producerAppend(e, "/s/a", "p1", 2, 0, "from epoch 2")

	_, err := producerAppend(e, "/s/a", "p1", 1, 0, "stale epoch")
	var fenced *FencedError
	if !errors.As(err, &fenced) {
		t.Fatalf("got %v, want FencedError", err)
	}
	if fenced.CurrentEpoch != 2 {
		t.Errorf("current epoch = %d, want 2", fenced.CurrentEpoch)
	}
}

func TestProducerEpochBumpResetsSeq(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	producerAppend(e, "/s/a", "p1", 1, 0, "a")
	producerAppend(e, "/s/a", "p1", 1, 1, "b")

	// New epoch starts its numbering over; the old ring is gone.
	if _, err := producerAppend(e, "/s/a", "p1", 2, 0, "c"); err != nil {
		t.Fatalf("new epoch seq 0: %v", err)
	}
	dup, err := producerAppend(e, "/s/a", "p1", 2, 0, "c")
	if err != nil || !dup.Duplicate {
		t.Errorf("new-epoch duplicate: res=%+v err=%v", dup, err)
	}
	// Seq 1 of the OLD epoch is now fenced, not a duplicate.
	if _, err := producerAppend(e, "/s/a", "p1", 1, 1, "b"); err == nil {
		t.Error("old epoch accepted after bump")
	}
}

func TestProducerReplayBeyondRingIsGap(t *testing.T) {
	e := New(store.NewMemory(), nil, Config{ProducerRing: 2})
	defer e.Close()
	e.Create("/s/a", store.StreamConfig{}, nil)

	for seq := int64(0); seq < 5; seq++ {
		if _, err := producerAppend(e, "/s/a", "p1", 1, seq, "m"); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
	}

	// seq 0 fell out of the 2-entry window.
	_, err := producerAppend(e, "/s/a", "p1", 1, 0, "m")
	var gap *SeqGapError
	if !errors.As(err, &gap) {
		t.Fatalf("got %v, want SeqGapError", err)
	}

	// seq 4 is still covered.
	dup, err := producerAppend(e, "/s/a", "p1", 1, 4, "m")
	if err != nil || !dup.Duplicate {
		t.Errorf("in-window replay: res=%+v err=%v", dup, err)
	}
}

func TestProducerIndependentPerID(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	if _, err := producerAppend(e, "/s/a", "p1", 5, 0, "a"); err != nil {
		t.Fatalf("p1: %v", err)
	}
	// A different id is not fenced by p1's epoch.
	if _, err := producerAppend(e, "/s/a", "p2", 1, 0, "b"); err != nil {
		t.Fatalf("p2: %v", err)
	}
}

func TestProducerCloseIsIdempotent(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	producerAppend(e, "/s/a", "p1", 1, 0, "data")

	closeReq := AppendRequest{
		Body:        []byte("final"),
		ContentType: ct,
		Close:       true,
		Producer:    &ProducerHeaders{ID: "p1", Epoch: 1, Seq: 1},
	}
	first, err := e.Append("/s/a", closeReq)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !first.Closed {
		t.Fatal("expected closed")
	}

	// The retry of the same close commits nothing and reports the same
	// offset, even though the stream is closed.
	retry, err := e.Append("/s/a", closeReq)
	if err != nil {
		t.Fatalf("close retry: %v", err)
	}
	if !retry.Duplicate || !retry.Closed {
		t.Errorf("retry = %+v", retry)
	}
	if !retry.Offset.Equal(first.Offset) {
		t.Errorf("retry offset %v, want %v", retry.Offset, first.Offset)
	}
}

func TestProducerFailedSeqLeavesStateUntouched(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	producerAppend(e, "/s/a", "p1", 1, 0, "a")
	producerAppend(e, "/s/a", "p1", 1, 7, "gap") // rejected

	// The gap did not advance LastSeq; 1 is still the next seq.
	if _, err := producerAppend(e, "/s/a", "p1", 1, 1, "b"); err != nil {
		t.Errorf("seq 1 after rejected gap: %v", err)
	}
}
