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
	"log/slog"
	"math/big"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devpn/core/settlement"
	"devpn/core/types"
)

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventEpochCommitted is emitted once an epoch's payout set is final.
	EventEpochCommitted EventType = "devpn.epoch.committed"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Headers carried by every delivery.
const (
	HeaderEvent     = "X-Settlement-Event"
	HeaderSignature = "X-Settlement-Signature"
	HeaderDelivery  = "X-Settlement-Delivery"
)

// PayoutEntry is one node's line in a committed epoch. Status is committed
// or paid once settled; pending and failed transfers are retried by the
// payout sweep and are not part of SettledAmount.
type PayoutEntry struct {
	Node      string  `json:"node"`
	Amount    string  `json:"amount"`
	TrafficMB float64 `json:"trafficMb"`
	Status    string  `json:"status,omitempty"`
}

// EpochCommittedPayload describes the webhook body for committed epochs.
type EpochCommittedPayload struct {
	Type          EventType     `json:"type"`
	Epoch         uint64        `json:"epoch"`
	NodeCount     int           `json:"nodeCount"`
	TotalAmount   string        `json:"totalAmount"`
	SettledAmount string        `json:"settledAmount"`
	TotalTraffic  float64       `json:"totalTraffic"`
	MerkleRoot    string        `json:"merkleRoot,omitempty"`
	TxRef         string        `json:"txRef,omitempty"`
	Payouts       []PayoutEntry `json:"payouts"`
	CommittedAt   time.Time     `json:"committedAt"`
	DeliveryID    string        `json:"deliveryId"`
}

// Dispatcher orchestrates webhook deliveries with retry and exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	id        string
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

// WithLogger overrides the logger used for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
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
		logger:      slog.Default(),
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

// EnqueueCommitted sends a committed event asynchronously.
func (d *Dispatcher) EnqueueCommitted(payload EpochCommittedPayload) error {
	payload.Type = EventEpochCommitted
	if payload.CommittedAt.IsZero() {
		payload.CommittedAt = time.Now().UTC()
	}
	if payload.DeliveryID == "" {
		payload.DeliveryID = uuid.NewString()
	}
	if payload.Payouts == nil {
		payload.Payouts = []PayoutEntry{}
	}
	return d.enqueue(payload.DeliveryID, payload.Type, payload)
}

// EpochCommitted implements settlement.Notifier. Enqueue failures are logged.
func (d *Dispatcher) EpochCommitted(_ context.Context, epoch types.Epoch, payouts []settlement.Payout) {
	payload := EpochCommittedPayload{
		Epoch:        epoch.EpochID,
		NodeCount:    len(payouts),
		TotalTraffic: epoch.TotalTraffic,
		Payouts:      make([]PayoutEntry, 0, len(payouts)),
	}
	total, settled := new(big.Int), new(big.Int)
	var traffic float64
	for _, p := range payouts {
		total.Add(total, p.Amount)
		if p.Settled() {
			settled.Add(settled, p.Amount)
		}
		traffic += p.TrafficMB
		payload.Payouts = append(payload.Payouts, PayoutEntry{
			Node:      strings.ToLower(p.Address.Hex()),
			Amount:    p.Amount.String(),
			TrafficMB: p.TrafficMB,
			Status:    p.Status,
		})
	}
	payload.TotalAmount = total.String()
	payload.SettledAmount = settled.String()
	if payload.TotalTraffic == 0 {
		payload.TotalTraffic = traffic
	}
	if epoch.MerkleRoot != nil {
		payload.MerkleRoot = *epoch.MerkleRoot
	}
	if epoch.CommitTxHash != nil {
		payload.TxRef = *epoch.CommitTxHash
	}
	if err := d.EnqueueCommitted(payload); err != nil {
		d.logger.Warn("webhook enqueue failed", slog.Uint64("epoch_id", epoch.EpochID), slog.Any("error", err))
	}
}

func (d *Dispatcher) enqueue(id string, eventType EventType, body interface{}) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	select {
	case d.queue <- delivery{id: id, eventType: eventType, body: data}:
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
			d.logger.Warn("webhook delivery abandoned",
				slog.String("delivery", job.id),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		select {
		case <-time.After(withJitter(backoff)):
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
	req.Header.Set(HeaderEvent, string(job.eventType))
	req.Header.Set(HeaderDelivery, job.id)
	req.Header.Set(HeaderSignature, Sign(d.secret, job.body))
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

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header in constant time.
func VerifySignature(secret, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(header)))
}

// withJitter spreads d by up to 15% either way.
func withJitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.3
	return time.Duration(float64(d) + rand.Float64()*spread - spread/2)
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
