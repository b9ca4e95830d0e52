package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventCashoutSettled is emitted when a comment's reward cashout has
	// been distributed among author, curators, and beneficiaries.
	EventCashoutSettled EventType = "content.cashout.settled"
	// EventProposalTransition is emitted whenever a worker proposal moves
	// to a new state (created, techspec, work, payment, closed, ...).
	EventProposalTransition EventType = "content.proposal.transition"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// CashoutPayload describes the webhook body for a settled cashout.
type CashoutPayload struct {
	Type        EventType `json:"type"`
	Author      string    `json:"author"`
	Permlink    string    `json:"permlink"`
	Outcome     string    `json:"outcome"`
	ClaimAmount string    `json:"claimAmount"`
	SettledAt   time.Time `json:"settledAt"`
	DeliveryID  string    `json:"deliveryId"`
}

// ProposalTransitionPayload describes the webhook body for a worker
// proposal's state transition.
type ProposalTransitionPayload struct {
	Type       EventType `json:"type"`
	Author     string    `json:"author"`
	Permlink   string    `json:"permlink"`
	State      string    `json:"state"`
	OccurredAt time.Time `json:"occurredAt"`
	DeliveryID string    `json:"deliveryId"`
}

// Dispatcher orchestrates webhook deliveries with retry and exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	eventType EventType
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = string(bytes.TrimSpace([]byte(endpoint)))
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 32),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// EnqueueCashout sends a cashout-settled event asynchronously.
func (d *Dispatcher) EnqueueCashout(payload CashoutPayload) error {
	payload.Type = EventCashoutSettled
	if payload.SettledAt.IsZero() {
		payload.SettledAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = fmt.Sprintf("cashout-%s-%s-%d", payload.Author, payload.Permlink, time.Now().UnixNano())
	}
	return d.enqueue(payload.Type, payload)
}

// EnqueueProposalTransition sends a proposal state-transition event asynchronously.
func (d *Dispatcher) EnqueueProposalTransition(payload ProposalTransitionPayload) error {
	payload.Type = EventProposalTransition
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = fmt.Sprintf("proposal-%s-%s-%d", payload.Author, payload.Permlink, time.Now().UnixNano())
	}
	return d.enqueue(payload.Type, payload)
}

func (d *Dispatcher) enqueue(eventType EventType, body interface{}) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	select {
	case d.queue <- delivery{eventType: eventType, body: data}:
		return nil
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-NHB-Event", string(job.eventType))
	req.Header.Set("X-NHB-Signature", d.sign(job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

func (d *Dispatcher) sign(body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	_, _ = mac.Write(body)
	sum := mac.Sum(nil)
	return "sha256=" + hex.EncodeToString(sum)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
