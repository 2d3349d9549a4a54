// Package webhook implements push subscriptions over streams: a
// subscription names a path pattern and a callback URL, and the manager
// wakes the subscriber with a signed webhook whenever a matching stream
// has records past the subscriber's acknowledged offset. Woken consumers
// talk back through a token-authenticated callback endpoint to ack
// offsets, follow additional streams, and go idle again.
package webhook

import (
	"sync"
	"time"
)

// ConsumerState is the wake lifecycle of one subscription/stream pair.
type ConsumerState string

const (
	// StateIdle means the consumer is asleep; new data triggers a wake.
	StateIdle ConsumerState = "IDLE"
	// StateWaking means a wake webhook is in flight or being retried.
	StateWaking ConsumerState = "WAKING"
	// StateLive means the consumer claimed its wake and is processing.
	StateLive ConsumerState = "LIVE"
)

// Subscription is one registered webhook target.
type Subscription struct {
	ID          string `json:"subscription_id"`
	Pattern     string `json:"pattern"`
	Webhook     string `json:"webhook"`
	Secret      string `json:"webhook_secret,omitempty"`
	Description string `json:"description,omitempty"`
}

// Consumer is the live state of one subscription on one primary stream.
type Consumer struct {
	mu sync.Mutex

	ID             string
	SubscriptionID string
	Primary        string
	State          ConsumerState
	Epoch          int
	WakeID         string
	WakeClaimed    bool
	Streams        map[string]string // path -> last acked offset token
	LastCallbackAt time.Time

	FirstFailureAt *time.Time
	Retries        int

	retryCancel    chan struct{}
	livenessCancel chan struct{}
}

func (c *Consumer) cancelRetryLocked() {
	if c.retryCancel != nil {
		close(c.retryCancel)
		c.retryCancel = nil
	}
}

func (c *Consumer) cancelLivenessLocked() {
	if c.livenessCancel != nil {
		close(c.livenessCancel)
		c.livenessCancel = nil
	}
}

// CallbackRequest is the body a woken consumer POSTs back.
type CallbackRequest struct {
	Epoch       int        `json:"epoch"`
	WakeID      string     `json:"wake_id,omitempty"`
	Acks        []AckEntry `json:"acks,omitempty"`
	Subscribe   []string   `json:"subscribe,omitempty"`
	Unsubscribe []string   `json:"unsubscribe,omitempty"`
	Done        *bool      `json:"done,omitempty"`
}

// AckEntry acknowledges everything up to an offset on one stream.
type AckEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// StreamEntry reports one followed stream and its acked offset.
type StreamEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// CallbackSuccess is the 200 response to a callback.
type CallbackSuccess struct {
	OK      bool          `json:"ok"`
	Token   string        `json:"token"`
	Streams []StreamEntry `json:"streams"`
}

// CallbackError is any non-200 callback response.
type CallbackError struct {
	OK    bool            `json:"ok"`
	Error CallbackErrBody `json:"error"`
	Token string          `json:"token,omitempty"`
}

// CallbackErrBody carries the machine-readable code and a message.
type CallbackErrBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Callback error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeTokenInvalid   = "TOKEN_INVALID"
	CodeAlreadyClaimed = "ALREADY_CLAIMED"
	CodeStaleEpoch     = "STALE_EPOCH"
	CodeConsumerGone   = "CONSUMER_GONE"
)

func statusForCode(code string) int {
	switch code {
	case CodeInvalidRequest:
		return 400
	case CodeTokenExpired, CodeTokenInvalid:
		return 401
	case CodeAlreadyClaimed, CodeStaleEpoch:
		return 409
	case CodeConsumerGone:
		return 410
	default:
		return 500
	}
}
