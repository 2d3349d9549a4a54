package engine

import (
	"context"
	"time"

	"github.com/durable-streams/streamd/store"
)

// WaitOutcome is how a blocked read resumed.
type WaitOutcome int

const (
	// WaitData means records past the awaited offset are now readable.
	WaitData WaitOutcome = iota
	// WaitTimeout means the deadline elapsed with no new data.
	WaitTimeout
	// WaitCanceled means the client went away.
	WaitCanceled
	// WaitClosed means the stream was closed and no more data will come.
	WaitClosed
	// WaitGone means the stream was deleted or expired while waiting.
	WaitGone
)

// waiter is one suspended long-poll or SSE read.
type waiter struct {
	from store.Offset
	ch   chan WaitOutcome // buffered; notify never blocks the appender
}

// notifyLocked wakes waiters. For WaitData only waiters awaiting an
// offset before upTo are woken; close and gone wake everyone.
func (s *Stream) notifyLocked(out WaitOutcome, upTo store.Offset) {
	if out == WaitData {
		kept := s.waiters[:0]
		for _, w := range s.waiters {
			if w.from.Less(upTo) {
				select {
				case w.ch <- WaitData:
				default:
				}
			} else {
				kept = append(kept, w)
			}
		}
		s.waiters = kept
		return
	}
	for _, w := range s.waiters {
		select {
		case w.ch <- out:
		default:
		}
	}
	s.waiters = nil
}

func (s *Stream) removeWaiter(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.waiters {
		if cur == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// WaitForData suspends until data past from exists, the timeout elapses,
// the client cancels, the stream closes, or the stream is deleted. When
// data is already available it returns immediately without registering a
// waiter.
func (e *Engine) WaitForData(ctx context.Context, path string, from store.Offset, timeout time.Duration) (WaitOutcome, error) {
	s, err := e.lookup(path)
	if err != nil {
		return WaitGone, err
	}

	s.mu.Lock()
	switch {
	case s.gone:
		s.mu.Unlock()
		return WaitGone, nil
	case from.Less(s.tail):
		s.mu.Unlock()
		return WaitData, nil
	case s.closed:
		s.mu.Unlock()
		return WaitClosed, nil
	}
	w := &waiter{from: from, ch: make(chan WaitOutcome, 1)}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	defer s.removeWaiter(w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.ch:
		return out, nil
	case <-timer.C:
		return WaitTimeout, nil
	case <-ctx.Done():
		return WaitCanceled, nil
	}
}
