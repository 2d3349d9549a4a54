package engine

import (
	"context"
	"testing"
	"time"

	"github.com/durable-streams/streamd/store"
)

func TestWaitReturnsImmediatelyWhenDataExists(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)
	e.Append("/s/a", AppendRequest{Body: []byte("x"), ContentType: ct})

	out, err := e.WaitForData(context.Background(), "/s/a", store.ZeroOffset, time.Minute)
	if err != nil {
		t.Fatalf("WaitForData: %v", err)
	}
	if out != WaitData {
		t.Errorf("outcome = %v, want WaitData", out)
	}
}

func TestWaitTimesOut(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	out, err := e.WaitForData(context.Background(), "/s/a", store.ZeroOffset, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForData: %v", err)
	}
	if out != WaitTimeout {
		t.Errorf("outcome = %v, want WaitTimeout", out)
	}
}

func TestWaitWakesOnAppend(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	done := make(chan WaitOutcome, 1)
	go func() {
		out, _ := e.WaitForData(context.Background(), "/s/a", store.ZeroOffset, 5*time.Second)
		done <- out
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := e.Append("/s/a", AppendRequest{Body: []byte("wake"), ContentType: ct}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case out := <-done:
		if out != WaitData {
			t.Errorf("outcome = %v, want WaitData", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitWakesOnClose(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	done := make(chan WaitOutcome, 1)
	go func() {
		out, _ := e.WaitForData(context.Background(), "/s/a", store.ZeroOffset, 5*time.Second)
		done <- out
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := e.Append("/s/a", AppendRequest{Close: true}); err != nil {
		t.Fatalf("closing append: %v", err)
	}

	select {
	case out := <-done:
		if out != WaitClosed {
			t.Errorf("outcome = %v, want WaitClosed", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitOnAlreadyClosedStream(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)
	e.Append("/s/a", AppendRequest{Close: true})

	out, err := e.WaitForData(context.Background(), "/s/a", store.ZeroOffset, time.Minute)
	if err != nil {
		t.Fatalf("WaitForData: %v", err)
	}
	if out != WaitClosed {
		t.Errorf("outcome = %v, want WaitClosed", out)
	}
}

func TestWaitDataBeatsClosedFlag(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)
	e.Append("/s/a", AppendRequest{Body: []byte("final"), ContentType: ct, Close: true})

	// Unread data comes first even on a closed stream.
	out, err := e.WaitForData(context.Background(), "/s/a", store.ZeroOffset, time.Minute)
	if err != nil {
		t.Fatalf("WaitForData: %v", err)
	}
	if out != WaitData {
		t.Errorf("outcome = %v, want WaitData", out)
	}
}

func TestWaitWakesOnDelete(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	done := make(chan WaitOutcome, 1)
	go func() {
		out, _ := e.WaitForData(context.Background(), "/s/a", store.ZeroOffset, 5*time.Second)
		done <- out
	}()

	time.Sleep(20 * time.Millisecond)
	if err := e.Delete("/s/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	select {
	case out := <-done:
		if out != WaitGone {
			t.Errorf("outcome = %v, want WaitGone", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitCanceled(t *testing.T) {
	e := newEngine(t)
	e.Create("/s/a", store.StreamConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan WaitOutcome, 1)
	go func() {
		out, _ := e.WaitForData(ctx, "/s/a", store.ZeroOffset, 5*time.Second)
		done <- out
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if out != WaitCanceled {
			t.Errorf("outcome = %v, want WaitCanceled", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitMissingStream(t *testing.T) {
	e := newEngine(t)
	out, err := e.WaitForData(context.Background(), "/missing", store.ZeroOffset, time.Second)
	if err == nil {
		t.Fatal("expected error for missing stream")
	}
	if out != WaitGone {
		t.Errorf("outcome = %v, want WaitGone", out)
	}
}
