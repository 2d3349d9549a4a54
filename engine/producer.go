package engine

import (
	"github.com/durable-streams/streamd/store"
)

// producerCheckLocked applies the idempotent-producer protocol for one
// request. It returns either the state to commit with (the happy path), a
// ready-made duplicate result answered from the dedup ring, or a fencing
// or gap error. The returned state is a private copy: a failed storage
// write must leave the stored state untouched.
func (s *Stream) producerCheckLocked(h *ProducerHeaders) (*store.ProducerState, *AppendResult, error) {
	state, ok := s.producers[h.ID]
	switch {
	case !ok:
		// First contact from this producer id; adopt its epoch.
		state = &store.ProducerState{Epoch: h.Epoch, LastSeq: -1}
	case h.Epoch < state.Epoch:
		return nil, nil, &FencedError{CurrentEpoch: state.Epoch}
	case h.Epoch > state.Epoch:
		// New session. The old epoch's state is discarded; once this
		// request commits, the previous producer instance is fenced.
		state = &store.ProducerState{Epoch: h.Epoch, LastSeq: -1}
	default:
		cp := *state
		cp.Ring = append([]store.SeqOffset(nil), state.Ring...)
		state = &cp
	}

	switch {
	case h.Seq == state.LastSeq+1:
		return state, nil, nil
	case h.Seq <= state.LastSeq:
		if off, hit := state.RingLookup(h.Seq); hit {
			return nil, &AppendResult{Offset: off, Duplicate: true, Closed: s.closed}, nil
		}
		// Replay from beyond the dedup window: fatal gap, the client
		// must re-establish its session.
		return nil, nil, &SeqGapError{Expected: state.LastSeq + 1, Received: h.Seq}
	default:
		// In-flight reordering under a pipelining client; earlier seqs
		// have not landed yet.
		return nil, nil, &SeqGapError{Expected: state.LastSeq + 1, Received: h.Seq}
	}
}
