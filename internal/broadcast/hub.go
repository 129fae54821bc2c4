// Package broadcast fans ranking updates out to subscribers. Each
// subscriber owns a bounded queue; a subscriber that cannot accept a
// message within the send timeout is evicted rather than retried, so one
// slow consumer never holds up the rest. Delivery is at-most-once.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

const (
	DefaultQueueSize   = 50
	DefaultSendTimeout = time.Second
)

// Message types carried in the envelope
const (
	MessageSnapshot             = "snapshot"
	MessageRankingsUpdated      = "rankings_updated"
	MessageProviderStatusChange = "provider_status_change"
)

// Message is the JSON envelope delivered to subscribers. Every message
// carries the version of the snapshot current when it was produced.
type Message struct {
	Type            string                  `json:"type"`
	SnapshotVersion uint64                  `json:"snapshot_version"`
	Timestamp       time.Time               `json:"timestamp"`
	GeneratedAt     *time.Time              `json:"generated_at,omitempty"`
	Rankings        []types.ProviderRanking `json:"rankings,omitempty"`
	StatusChange    *types.StatusChange     `json:"status_change,omitempty"`
}

// SnapshotMessage wraps a ranking snapshot in an envelope of type kind
func SnapshotMessage(kind string, snap *types.RankingSnapshot, now time.Time) Message {
	generated := snap.GeneratedAt
	return Message{
		Type:            kind,
		SnapshotVersion: snap.Version,
		Timestamp:       now,
		GeneratedAt:     &generated,
		Rankings:        snap.Rankings,
	}
}

// Observer receives subscriber lifecycle events
type Observer interface {
	SubscribersChanged(n int)
	SubscriberEvicted()
}

// Config controls queue sizing and the per-subscriber send timeout
type Config struct {
	QueueSize   int
	SendTimeout time.Duration
}

// Subscription is one subscriber's queue. C never closes; Done closes when
// the subscription ends by unsubscribe, eviction, replacement or hub close.
type Subscription struct {
	id   string
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// ID returns the subscriber id
func (s *Subscription) ID() string { return s.id }

// C returns the queue of serialized messages
func (s *Subscription) C() <-chan []byte { return s.ch }

// Done is closed once the subscription has ended
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) end() {
	s.once.Do(func() { close(s.done) })
}

// Hub tracks subscribers and delivers published messages to them
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	queueSize   int
	sendTimeout time.Duration
	logger      *logrus.Logger
	observer    Observer
}

// NewHub creates a hub. Zero config values fall back to the defaults.
func NewHub(cfg Config, logger *logrus.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Hub{
		subs:        make(map[string]*Subscription),
		queueSize:   cfg.QueueSize,
		sendTimeout: cfg.SendTimeout,
		logger:      logger,
	}
}

// SetObserver registers o for subscriber events
func (h *Hub) SetObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = o
}

// Subscribe registers id and returns its queue. Subscribing an id that is
// already present replaces the old subscription, which ends.
func (h *Hub) Subscribe(id string) (*Subscription, error) {
	if id == "" {
		return nil, fmt.Errorf("subscriber id is required")
	}

	sub := &Subscription{
		id:   id,
		ch:   make(chan []byte, h.queueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, types.ErrHubClosed
	}
	old := h.subs[id]
	h.subs[id] = sub
	n := len(h.subs)
	obs := h.observer
	h.mu.Unlock()

	if old != nil {
		old.end()
	}
	if obs != nil {
		obs.SubscribersChanged(n)
	}

	h.logger.WithField("subscriber", id).Info("Ranking subscription added")
	return sub, nil
}

// Unsubscribe removes id immediately. A send already in flight to it
// becomes a no-op. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.RLock()
	sub := h.subs[id]
	h.mu.RUnlock()
	if sub == nil {
		return
	}
	if h.remove(sub) {
		h.logger.WithField("subscriber", id).Info("Ranking subscription removed")
	}
}

// Count returns the number of active subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Has reports whether id is currently subscribed
func (h *Hub) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[id]
	return ok
}

// PublishResult summarizes one fan-out
type PublishResult struct {
	Delivered int
	Evicted   []string
}

// Publish serializes msg once and offers it to every subscriber
// concurrently. Each send waits at most the send timeout; subscribers that
// time out are evicted. Cancelling ctx abandons outstanding sends without
// evicting anyone; the partial result is returned with ctx's error.
func (h *Hub) Publish(ctx context.Context, msg Message) (PublishResult, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	var (
		mu     sync.Mutex
		result PublishResult
		g      errgroup.Group
	)
	for _, sub := range targets {
		g.Go(func() error {
			delivered, evict, err := h.deliver(ctx, sub, payload)
			mu.Lock()
			defer mu.Unlock()
			if delivered {
				result.Delivered++
			}
			if evict {
				result.Evicted = append(result.Evicted, sub.id)
			}
			return err
		})
	}
	sendErr := g.Wait()

	for _, id := range result.Evicted {
		h.logger.WithFields(logrus.Fields{
			"subscriber":       id,
			"message_type":     msg.Type,
			"snapshot_version": msg.SnapshotVersion,
		}).Warn("Failed to deliver ranking update, subscriber evicted")
	}
	if sendErr != nil {
		return result, fmt.Errorf("%s publish interrupted: %w", msg.Type, sendErr)
	}
	return result, nil
}

// deliver reports whether payload was queued and whether sub was evicted.
// The error is set only when ctx ended before the send resolved.
func (h *Hub) deliver(ctx context.Context, sub *Subscription, payload []byte) (bool, bool, error) {
	select {
	case <-sub.done:
		return false, false, nil
	default:
	}

	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()

	select {
	case sub.ch <- payload:
		return true, false, nil
	case <-sub.done:
		return false, false, nil
	case <-ctx.Done():
		return false, false, ctx.Err()
	case <-timer.C:
		if h.remove(sub) {
			h.mu.RLock()
			obs := h.observer
			h.mu.RUnlock()
			if obs != nil {
				obs.SubscriberEvicted()
			}
			return false, true, nil
		}
		return false, false, nil
	}
}

// remove drops sub if it is still the registered subscription for its id
func (h *Hub) remove(sub *Subscription) bool {
	h.mu.Lock()
	current, ok := h.subs[sub.id]
	if !ok || current != sub {
		h.mu.Unlock()
		return false
	}
	delete(h.subs, sub.id)
	n := len(h.subs)
	obs := h.observer
	h.mu.Unlock()

	sub.end()
	if obs != nil {
		obs.SubscribersChanged(n)
	}
	return true
}

// Close ends every subscription and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	obs := h.observer
	h.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
	if obs != nil {
		obs.SubscribersChanged(0)
	}
}
