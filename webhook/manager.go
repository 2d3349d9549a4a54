package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	livenessTimeout   = 45 * time.Second
	deliveryTimeout   = 30 * time.Second
	maxRetryDelay     = 30 * time.Second
	steadyRetryDelay  = time.Minute
	failureGCDeadline = 3 * 24 * time.Hour
)

// ManagerConfig wires the manager into the serving stack.
type ManagerConfig struct {
	Logger *zap.Logger

	// TailOffset resolves the current tail of a stream.
	TailOffset TailFunc

	// CallbackBase is prepended to /callback/{consumer_id} in wake
	// payloads, e.g. "https://streams.example.com/v1/hooks".
	CallbackBase string

	// RequestTimeout bounds one webhook delivery attempt.
	RequestTimeout time.Duration
}

// Manager owns webhook delivery and the consumer wake lifecycle.
type Manager struct {
	Registry *Registry

	cfg    ManagerConfig
	client *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	stopped bool
}

// NewManager builds a manager over a fresh registry.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = deliveryTimeout
	}
	return &Manager{
		Registry: NewRegistry(),
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   cfg.Logger,
	}
}

// StreamCreated instantiates consumers for subscriptions whose pattern
// covers the new stream.
func (m *Manager) StreamCreated(path string) {
	if m.isStopped() {
		return
	}
	for _, sub := range m.Registry.Matching(path) {
		m.Registry.Ensure(sub.ID, path)
	}
}

// StreamAppended wakes idle consumers that now have unacked data.
func (m *Manager) StreamAppended(path string) {
	if m.isStopped() {
		return
	}
	for _, id := range m.Registry.ConsumersFor(path) {
		c := m.Registry.Consumer(id)
		if c == nil {
			continue
		}
		c.mu.Lock()
		idle := c.State == StateIdle
		c.mu.Unlock()
		if idle && c.pendingWork(m.cfg.TailOffset) {
			m.wake(c, []string{path})
		}
	}
}

// StreamDeleted detaches the stream from all consumers.
func (m *Manager) StreamDeleted(path string) {
	m.Registry.StreamDeleted(path)
}

func (m *Manager) wake(c *Consumer, triggeredBy []string) {
	sub := m.Registry.Subscription(c.SubscriptionID)
	if sub == nil {
		m.Registry.DropConsumer(c.ID)
		return
	}

	epoch, wakeID := c.beginWake()

	payload := map[string]any{
		"consumer_id":    c.ID,
		"epoch":          epoch,
		"wake_id":        wakeID,
		"primary_stream": c.Primary,
		"streams":        c.streamEntries(),
		"triggered_by":   triggeredBy,
		"callback":       m.cfg.CallbackBase + "/callback/" + c.ID,
		"token":          NewToken(c.ID, epoch),
	}

	go m.deliver(c, sub, payload)
}

func (m *Manager) deliver(c *Consumer, sub *Subscription, payload map[string]any) {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, sub.Webhook, bytes.NewReader(body))
	if err != nil {
		m.deliveryFailed(c, sub, payload, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Webhook-Signature", SignPayload(body, sub.Secret))

	resp, err := m.client.Do(req)
	if err != nil {
		m.deliveryFailed(c, sub, payload, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Debug("webhook rejected",
			zap.String("consumer_id", c.ID),
			zap.Int("status", resp.StatusCode))
		c.mu.Lock()
		retry := c.State == StateWaking && !c.WakeClaimed
		c.mu.Unlock()
		if retry {
			m.scheduleRetry(c, sub, payload)
		}
		return
	}

	c.mu.Lock()
	c.FirstFailureAt = nil
	c.Retries = 0
	c.mu.Unlock()

	// The subscriber may finish its work inline and answer done:true,
	// skipping the callback round-trip entirely.
	var ack struct {
		Done *bool `json:"done"`
	}
	raw, _ := io.ReadAll(resp.Body)
	json.Unmarshal(raw, &ack)

	if ack.Done != nil && *ack.Done {
		c.mu.Lock()
		c.WakeClaimed = true
		for path := range c.Streams {
			if tail, ok := m.cfg.TailOffset(path); ok {
				c.Streams[path] = tail
			}
		}
		c.mu.Unlock()
		c.sleep()
		return
	}

	c.mu.Lock()
	if c.State == StateWaking {
		c.WakeClaimed = true
		c.State = StateLive
		c.LastCallbackAt = time.Now()
		c.mu.Unlock()
		m.armLiveness(c)
		return
	}
	c.mu.Unlock()
}

func (m *Manager) deliveryFailed(c *Consumer, sub *Subscription, payload map[string]any, err error) {
	m.logger.Debug("webhook delivery failed",
		zap.String("consumer_id", c.ID),
		zap.Error(err))

	now := time.Now()
	c.mu.Lock()
	if c.FirstFailureAt == nil {
		c.FirstFailureAt = &now
	}
	expiredConsumer := now.Sub(*c.FirstFailureAt) > failureGCDeadline
	waking := c.State == StateWaking
	c.mu.Unlock()

	if expiredConsumer {
		m.Registry.DropConsumer(c.ID)
		return
	}
	if waking {
		m.scheduleRetry(c, sub, payload)
	}
}

func (m *Manager) scheduleRetry(c *Consumer, sub *Subscription, payload map[string]any) {
	if m.isStopped() {
		return
	}

	c.mu.Lock()
	c.Retries++
	delay := retryDelay(c.Retries)
	c.cancelRetryLocked()
	cancel := make(chan struct{})
	c.retryCancel = cancel
	c.mu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.mu.Lock()
			again := c.State == StateWaking && !c.WakeClaimed
			c.mu.Unlock()
			if again && !m.isStopped() {
				m.deliver(c, sub, payload)
			}
		case <-cancel:
		}
	}()
}

// retryDelay backs off exponentially, then settles into a slow steady
// poll for targets that stay down.
func retryDelay(retries int) time.Duration {
	if retries > 10 {
		return steadyRetryDelay + time.Duration(rand.Intn(5000))*time.Millisecond
	}
	base := math.Min(math.Pow(2, float64(retries))*100, float64(maxRetryDelay/time.Millisecond))
	return time.Duration(base)*time.Millisecond + time.Duration(rand.Intn(1000))*time.Millisecond
}

// armLiveness starts the silence timer; a consumer that stops calling
// back is put to sleep and re-woken if work remains.
func (m *Manager) armLiveness(c *Consumer) {
	c.mu.Lock()
	c.cancelLivenessLocked()
	cancel := make(chan struct{})
	c.livenessCancel = cancel
	c.mu.Unlock()

	go func() {
		timer := time.NewTimer(livenessTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.mu.Lock()
			live := c.State == StateLive
			c.mu.Unlock()
			if live && !m.isStopped() {
				c.sleep()
				if c.pendingWork(m.cfg.TailOffset) {
					m.wake(c, []string{c.Primary})
				}
			}
		case <-cancel:
		}
	}()
}

// HandleCallback applies one consumer callback and returns the response
// to encode, either CallbackSuccess or CallbackError.
func (m *Manager) HandleCallback(consumerID, token string, req CallbackRequest) any {
	c := m.Registry.Consumer(consumerID)
	if c == nil {
		return CallbackError{Error: CallbackErrBody{
			Code:    CodeConsumerGone,
			Message: "consumer instance not found",
		}}
	}

	check := CheckToken(token, consumerID)
	if !check.Valid {
		resp := CallbackError{Error: CallbackErrBody{Code: check.Code}}
		if check.Code == CodeTokenExpired {
			resp.Error.Message = "callback token has expired"
			c.mu.Lock()
			resp.Token = NewToken(consumerID, c.Epoch)
			c.mu.Unlock()
		} else {
			resp.Error.Message = "callback token is invalid"
		}
		return resp
	}

	c.mu.Lock()
	epoch := c.Epoch
	c.mu.Unlock()
	if req.Epoch != epoch {
		return CallbackError{
			Error: CallbackErrBody{
				Code:    CodeStaleEpoch,
				Message: fmt.Sprintf("epoch %d does not match current epoch %d", req.Epoch, epoch),
			},
			Token: NewToken(consumerID, epoch),
		}
	}

	if req.WakeID != "" && !c.claimWake(req.WakeID) {
		return CallbackError{
			Error: CallbackErrBody{
				Code:    CodeAlreadyClaimed,
				Message: fmt.Sprintf("wake id %s is invalid or already claimed", req.WakeID),
			},
			Token: NewToken(consumerID, epoch),
		}
	}

	c.mu.Lock()
	c.LastCallbackAt = time.Now()
	c.mu.Unlock()
	m.armLiveness(c)

	if len(req.Acks) > 0 {
		c.ack(req.Acks)
	}
	if len(req.Subscribe) > 0 {
		m.Registry.Follow(c, req.Subscribe, m.cfg.TailOffset)
	}
	if len(req.Unsubscribe) > 0 {
		if m.Registry.Unfollow(c, req.Unsubscribe) {
			m.Registry.DropConsumer(consumerID)
			return CallbackError{Error: CallbackErrBody{
				Code:    CodeConsumerGone,
				Message: "consumer removed after unsubscribing from all streams",
			}}
		}
	}

	if req.Done != nil && *req.Done {
		c.sleep()
		if c.pendingWork(m.cfg.TailOffset) {
			m.wake(c, []string{c.Primary})
		}
	}

	respToken := token
	if needsRefresh(check.Exp) {
		respToken = NewToken(consumerID, epoch)
	}
	return CallbackSuccess{
		OK:      true,
		Token:   respToken,
		Streams: c.streamEntries(),
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Stop halts deliveries and cancels all timers.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.Registry.Clear()
}
