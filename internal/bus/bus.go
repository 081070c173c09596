// ABOUTME: Synchronous pub/sub hub with bounded replay history and owner bookkeeping
// ABOUTME: Subscribers run in subscription order; panics are isolated and logged

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// historyLimit bounds the replay buffer. Records past the limit are dropped
// oldest-first; the history is for debugging, never authoritative.
const historyLimit = 1000

// ErrTimeout is returned by WaitFor and Request when no matching event
// arrives within the deadline.
var ErrTimeout = errors.New("timed out waiting for event")

// ErrClosed is returned by WaitFor and Request on a closed bus.
var ErrClosed = errors.New("bus is closed")

// EventRecord is a published event as kept in the replay history and handed
// to subscribers.
type EventRecord struct {
	ID        string
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(EventRecord)

// UnsubscribeFunc removes a subscription. Safe to call more than once.
type UnsubscribeFunc func()

type subscription struct {
	id      string
	topic   string
	owner   string
	once    bool
	handler Handler
}

// Bus is the process-wide event hub. Construct one per process (or per test)
// with New and pass it by reference to every consumer.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]*subscription // topic -> ordered subscriptions
	byOwner map[string][]*subscription
	history []EventRecord
	closed  bool
	logger  *slog.Logger
}

// New creates a Bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[string][]*subscription),
		byOwner: make(map[string][]*subscription),
		logger:  logger.With("component", "bus"),
	}
}

// Publish wraps payload in an EventRecord, appends it to the bounded history,
// and synchronously dispatches to current subscribers of topic in
// subscription order. The same record is then delivered to subscribers of
// TopicEventPublished. Publishing on a closed bus is a logged no-op.
func (b *Bus) Publish(topic string, payload any) EventRecord {
	record := EventRecord{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("publish on closed bus dropped", "topic", topic)
		return record
	}

	b.history = append(b.history, record)
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}

	targets := b.snapshotLocked(topic)
	var meta []*subscription
	if topic != TopicEventPublished {
		meta = b.snapshotLocked(TopicEventPublished)
	}
	b.mu.Unlock()

	b.dispatch(record, targets)
	b.dispatch(record, meta)
	return record
}

// snapshotLocked copies the subscriber list for a topic and removes one-shot
// entries so they cannot fire twice. Caller must hold b.mu.
func (b *Bus) snapshotLocked(topic string) []*subscription {
	subs := b.subs[topic]
	if len(subs) == 0 {
		return nil
	}
	targets := make([]*subscription, len(subs))
	copy(targets, subs)
	for _, sub := range subs {
		if sub.once {
			b.removeLocked(sub)
		}
	}
	return targets
}

// dispatch invokes handlers in order, isolating panics so one failing
// subscriber cannot starve its siblings.
func (b *Bus) dispatch(record EventRecord, targets []*subscription) {
	for _, sub := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber panicked",
						"topic", record.Topic,
						"sub_id", sub.id,
						"owner", sub.owner,
						"panic", r)
				}
			}()
			sub.handler(record)
		}()
	}
}

// Subscribe registers handler for topic. An optional owner tag groups the
// subscription for UnsubscribeOwner. Returns an unsubscribe func.
func (b *Bus) Subscribe(topic string, handler Handler, owner ...string) UnsubscribeFunc {
	return b.subscribe(topic, handler, firstOwner(owner), false)
}

// SubscribeOnce registers handler for a single delivery; the subscription is
// removed before the handler runs.
func (b *Bus) SubscribeOnce(topic string, handler Handler, owner ...string) UnsubscribeFunc {
	return b.subscribe(topic, handler, firstOwner(owner), true)
}

func firstOwner(owner []string) string {
	if len(owner) > 0 {
		return owner[0]
	}
	return ""
}

func (b *Bus) subscribe(topic string, handler Handler, owner string, once bool) UnsubscribeFunc {
	sub := &subscription{
		id:      uuid.New().String(),
		topic:   topic,
		owner:   owner,
		once:    once,
		handler: handler,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("subscribe on closed bus ignored", "topic", topic)
		return func() {}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	if owner != "" {
		b.byOwner[owner] = append(b.byOwner[owner], sub)
	}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", sub.id, "owner", owner)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(sub)
	}
}

// removeLocked unlinks a subscription from the topic and owner indexes.
// Caller must hold b.mu. Idempotent.
func (b *Bus) removeLocked(sub *subscription) {
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.subs[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
	if sub.owner == "" {
		return
	}
	owned := b.byOwner[sub.owner]
	for i, s := range owned {
		if s.id == sub.id {
			b.byOwner[sub.owner] = append(owned[:i:i], owned[i+1:]...)
			break
		}
	}
	if len(b.byOwner[sub.owner]) == 0 {
		delete(b.byOwner, sub.owner)
	}
}

// UnsubscribeOwner removes every live subscription registered under owner.
func (b *Bus) UnsubscribeOwner(owner string) {
	b.mu.Lock()
	owned := append([]*subscription(nil), b.byOwner[owner]...)
	for _, sub := range owned {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	if len(owned) > 0 {
		b.logger.Debug("owner unsubscribed", "owner", owner, "count", len(owned))
	}
}

// SubscriberCount reports the number of live subscriptions for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// WaitFor blocks until the next event on topic and returns it, or fails with
// ErrTimeout after timeout (or ctx.Err on cancellation). The listener is
// deregistered on every exit path.
func (b *Bus) WaitFor(ctx context.Context, topic string, timeout time.Duration) (EventRecord, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return EventRecord{}, ErrClosed
	}
	b.mu.Unlock()

	ch := make(chan EventRecord, 1)
	unsubscribe := b.SubscribeOnce(topic, func(record EventRecord) {
		select {
		case ch <- record:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case record := <-ch:
		return record, nil
	case <-timer.C:
		return EventRecord{}, ErrTimeout
	case <-ctx.Done():
		return EventRecord{}, ctx.Err()
	}
}

// Request publishes a request event and waits for the correlated response
// topic. An empty responseTopic defaults to "<topic>-response". The response
// listener is registered before the request is published so a synchronous
// responder cannot be missed.
func (b *Bus) Request(ctx context.Context, topic string, payload any, responseTopic string, timeout time.Duration) (EventRecord, error) {
	if responseTopic == "" {
		responseTopic = topic + "-response"
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return EventRecord{}, ErrClosed
	}
	b.mu.Unlock()

	ch := make(chan EventRecord, 1)
	unsubscribe := b.SubscribeOnce(responseTopic, func(record EventRecord) {
		select {
		case ch <- record:
		default:
		}
	})
	defer unsubscribe()

	b.Publish(topic, payload)

	// A synchronous responder has already answered by the time Publish
	// returns; check before arming the timer.
	select {
	case record := <-ch:
		return record, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case record := <-ch:
		return record, nil
	case <-timer.C:
		return EventRecord{}, ErrTimeout
	case <-ctx.Done():
		return EventRecord{}, ctx.Err()
	}
}

// History returns a copy of the most recent n records (all if n <= 0).
func (b *Bus) History(n int) []EventRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]EventRecord, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Close marks the bus destroyed and drops all subscriptions. Subsequent
// publishes are logged no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subs = make(map[string][]*subscription)
	b.byOwner = make(map[string][]*subscription)
	b.logger.Debug("bus closed")
}
