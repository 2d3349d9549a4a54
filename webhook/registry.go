package webhook

import (
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPatternConflict means a subscription id already exists with a
// different pattern or webhook URL.
var ErrPatternConflict = errors.New("subscription exists with different configuration")

// TailFunc resolves a stream path to its current tail offset token. The
// second return is false when the stream does not exist (yet, or any
// more).
type TailFunc func(path string) (string, bool)

// startOffset is the acked offset of a stream nothing has been read
// from. It sorts before every real offset token.
const startOffset = "-1"

// Registry is the in-memory index of subscriptions and consumers.
type Registry struct {
	mu sync.RWMutex

	subs      map[string]*Subscription       // id -> subscription
	consumers map[string]*Consumer           // consumer id -> consumer
	bySub     map[string]map[string]struct{} // subscription id -> consumer ids
	byStream  map[string]map[string]struct{} // stream path -> consumer ids
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:      make(map[string]*Subscription),
		consumers: make(map[string]*Consumer),
		bySub:     make(map[string]map[string]struct{}),
		byStream:  make(map[string]map[string]struct{}),
	}
}

// Register creates a subscription, or returns the existing one when the
// pattern and webhook match. A fresh subscription gets a fresh secret.
func (r *Registry) Register(id, pattern, webhook, description string) (*Subscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.subs[id]; ok {
		if existing.Pattern == pattern && existing.Webhook == webhook {
			return existing, false, nil
		}
		return nil, false, ErrPatternConflict
	}

	sub := &Subscription{
		ID:          id,
		Pattern:     pattern,
		Webhook:     webhook,
		Secret:      NewSecret(),
		Description: description,
	}
	r.subs[id] = sub
	r.bySub[id] = make(map[string]struct{})
	return sub, true, nil
}

// Subscription returns a subscription by id, nil when absent.
func (r *Registry) Subscription(id string) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[id]
}

// List returns all subscriptions, optionally restricted to one pattern.
func (r *Registry) List(pattern string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.subs {
		if pattern == "" || pattern == "/**" || sub.Pattern == pattern {
			out = append(out, sub)
		}
	}
	return out
}

// Unregister deletes a subscription and every consumer under it.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return false
	}
	for cid := range r.bySub[id] {
		r.dropConsumerLocked(cid)
	}
	delete(r.bySub, id)
	delete(r.subs, id)
	return true
}

// Matching returns subscriptions whose pattern covers a stream path.
func (r *Registry) Matching(path string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.subs {
		if MatchPattern(sub.Pattern, path) {
			out = append(out, sub)
		}
	}
	return out
}

// ConsumerID derives the stable consumer id for a subscription/stream
// pair.
func ConsumerID(subscriptionID, path string) string {
	return subscriptionID + ":" + url.PathEscape(path)
}

// Consumer returns a consumer by id, nil when absent.
func (r *Registry) Consumer(id string) *Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumers[id]
}

// Ensure returns the consumer for a subscription/stream pair, creating
// it idle at the start offset on first sight.
func (r *Registry) Ensure(subscriptionID, path string) *Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ConsumerID(subscriptionID, path)
	if c, ok := r.consumers[id]; ok {
		return c
	}

	c := &Consumer{
		ID:             id,
		SubscriptionID: subscriptionID,
		Primary:        path,
		State:          StateIdle,
		Streams:        map[string]string{path: startOffset},
	}
	r.consumers[id] = c
	if set, ok := r.bySub[subscriptionID]; ok {
		set[id] = struct{}{}
	}
	r.indexLocked(path, id)
	return c
}

// beginWake moves an idle consumer to WAKING under its own lock,
// minting a new epoch and wake id.
func (c *Consumer) beginWake() (epoch int, wakeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Epoch++
	c.WakeID = "w_" + uuid.NewString()
	c.WakeClaimed = false
	c.State = StateWaking
	return c.Epoch, c.WakeID
}

// claimWake accepts a wake id once; a repeat claim of the same id is
// idempotent, anything else is rejected.
func (c *Consumer) claimWake(wakeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WakeID != wakeID {
		return false
	}
	if c.WakeClaimed {
		return true
	}
	c.WakeClaimed = true
	c.State = StateLive
	c.LastCallbackAt = time.Now()
	return true
}

// sleep returns the consumer to IDLE and stops its liveness timer.
func (c *Consumer) sleep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.State = StateIdle
	c.WakeID = ""
	c.WakeClaimed = false
	c.cancelLivenessLocked()
}

// ack records acked offsets for streams the consumer follows.
func (c *Consumer) ack(acks []AckEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range acks {
		if _, ok := c.Streams[a.Path]; ok {
			c.Streams[a.Path] = a.Offset
		}
	}
}

// Follow adds streams to a consumer, starting them at the current tail
// so the consumer only hears about data newer than the subscribe call.
func (r *Registry) Follow(c *Consumer, paths []string, tail TailFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, path := range paths {
		if _, ok := c.Streams[path]; ok {
			continue
		}
		off, ok := tail(path)
		if !ok {
			off = startOffset
		}
		c.Streams[path] = off
		r.indexLocked(path, c.ID)
	}
}

// Unfollow removes streams from a consumer. Returns true when nothing
// is left and the consumer should be garbage collected.
func (r *Registry) Unfollow(c *Consumer, paths []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, path := range paths {
		delete(c.Streams, path)
		r.unindexLocked(path, c.ID)
	}
	return len(c.Streams) == 0
}

// pendingWork reports whether any followed stream's tail is past the
// acked offset. Offset tokens are fixed-width, so string comparison is
// positional comparison.
func (c *Consumer) pendingWork(tail TailFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, acked := range c.Streams {
		t, ok := tail(path)
		if ok && t > acked {
			return true
		}
	}
	return false
}

// streamEntries snapshots the consumer's followed streams.
func (c *Consumer) streamEntries() []StreamEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StreamEntry, 0, len(c.Streams))
	for path, off := range c.Streams {
		out = append(out, StreamEntry{Path: path, Offset: off})
	}
	return out
}

// ConsumersFor returns the ids of consumers following a stream.
func (r *Registry) ConsumersFor(path string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byStream[path]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// DropConsumer removes a consumer and all its index entries.
func (r *Registry) DropConsumer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropConsumerLocked(id)
}

func (r *Registry) dropConsumerLocked(id string) {
	c, ok := r.consumers[id]
	if !ok {
		return
	}

	c.mu.Lock()
	c.cancelRetryLocked()
	c.cancelLivenessLocked()
	paths := make([]string, 0, len(c.Streams))
	for path := range c.Streams {
		paths = append(paths, path)
	}
	c.mu.Unlock()

	for _, path := range paths {
		r.unindexLocked(path, id)
	}
	if set, ok := r.bySub[c.SubscriptionID]; ok {
		delete(set, id)
	}
	delete(r.consumers, id)
}

// StreamDeleted detaches a deleted stream from every consumer; consumers
// left with nothing to follow are collected.
func (r *Registry) StreamDeleted(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphaned []string
	for id := range r.byStream[path] {
		c, ok := r.consumers[id]
		if !ok {
			continue
		}
		c.mu.Lock()
		delete(c.Streams, path)
		empty := len(c.Streams) == 0
		c.mu.Unlock()
		if empty {
			orphaned = append(orphaned, id)
		}
	}
	delete(r.byStream, path)

	for _, id := range orphaned {
		r.dropConsumerLocked(id)
	}
}

// Clear cancels every timer and empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.consumers {
		c.mu.Lock()
		c.cancelRetryLocked()
		c.cancelLivenessLocked()
		c.mu.Unlock()
	}
	r.subs = make(map[string]*Subscription)
	r.consumers = make(map[string]*Consumer)
	r.bySub = make(map[string]map[string]struct{})
	r.byStream = make(map[string]map[string]struct{})
}

func (r *Registry) indexLocked(path, consumerID string) {
	set, ok := r.byStream[path]
	if !ok {
		set = make(map[string]struct{})
		r.byStream[path] = set
	}
	set[consumerID] = struct{}{}
}

func (r *Registry) unindexLocked(path, consumerID string) {
	set, ok := r.byStream[path]
	if !ok {
		return
	}
	delete(set, consumerID)
	if len(set) == 0 {
		delete(r.byStream, path)
	}
}
