// Package broker implements the in-process pub/sub core: named topics, a
// registry of live subscriptions per topic, and a fan-out path that never
// blocks a publisher on a slow subscriber.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/componentry/relay/internal/event"
	"github.com/componentry/relay/internal/metrics"
)

const (
	// DefaultQueueSize bounds each subscription's outbound queue.
	DefaultQueueSize = 256
	// DefaultHistoryLimit caps the recent-event list kept for polling.
	DefaultHistoryLimit = 1000
)

// Options configures a Broker.
type Options struct {
	QueueSize    int
	HistoryLimit int
	Logger       *zap.Logger
	Metrics      *metrics.Registry
}

// Broker maps topics to live subscriptions and fans out published events.
// All methods are safe for concurrent use; publish and subscribe/unsubscribe
// are serialized per topic, operations on different topics never contend.
type Broker struct {
	queueSize    int
	historyLimit int
	logger       *zap.Logger
	metrics      *metrics.Registry

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	histMu  sync.Mutex
	history []event.Event
}

type topic struct {
	name string
	mu   sync.Mutex
	subs map[string]*Subscription
}

// Subscription is one live interest registration. It is owned by the
// component that created it; the broker only holds it by id for fan-out.
type Subscription struct {
	id      string
	topic   string
	queue   chan event.Event
	dropped atomic.Uint64
	once    sync.Once
}

// ID returns the subscription's unique handle.
func (s *Subscription) ID() string { return s.id }

// Topic returns the topic this subscription is registered on.
func (s *Subscription) Topic() string { return s.topic }

// C is the subscription's outbound queue. It is closed when the
// subscription is removed from the broker.
func (s *Subscription) C() <-chan event.Event { return s.queue }

// Dropped reports how many events were evicted from this subscription's
// queue under the drop-oldest backpressure policy.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.queue) })
}

// New creates a Broker. Zero option fields fall back to defaults.
func New(opts Options) *Broker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	return &Broker{
		queueSize:    opts.QueueSize,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger.Named("broker"),
		metrics:      opts.Metrics,
		topics:       make(map[string]*topic),
	}
}

func (b *Broker) topicFor(name string) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topic{name: name, subs: make(map[string]*Subscription)}
	b.topics[name] = t
	return t
}

// Publish delivers ev to every current subscription on the topic. It never
// blocks: a full subscriber queue has its oldest event evicted to make room
// (the drop is counted, not surfaced). The publisher learns nothing about
// downstream delivery.
func (b *Broker) Publish(topicName string, ev event.Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	b.appendHistory(ev)
	b.metrics.EventPublished(topicName)

	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs {
		b.enqueue(t.name, sub, ev)
	}
}

// enqueue is called with the topic lock held, so this subscription has
// exactly one writer and the retry send below cannot lose a race.
func (b *Broker) enqueue(topicName string, sub *Subscription, ev event.Event) {
	select {
	case sub.queue <- ev:
		b.metrics.EventDelivered(topicName)
		return
	default:
	}

	// Queue full: evict the oldest undelivered event, then retry. The
	// reader only drains, so space cannot disappear between the two steps.
	select {
	case <-sub.queue:
		sub.dropped.Add(1)
		b.metrics.EventDropped(topicName)
		b.logger.Debug("dropped oldest event for slow subscriber",
			zap.String("topic", topicName),
			zap.String("subscriber", sub.id),
			zap.Uint64("dropped", sub.dropped.Load()))
	default:
	}

	select {
	case sub.queue <- ev:
		b.metrics.EventDelivered(topicName)
	default:
	}
}

// Subscribe registers a fresh subscription on the topic. New subscribers
// only see events published after they join; there is no replay.
func (b *Broker) Subscribe(topicName string) *Subscription {
	sub := &Subscription{
		id:    uuid.New().String(),
		topic: topicName,
		queue: make(chan event.Event, b.queueSize),
	}

	t := b.topicFor(topicName)
	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	b.metrics.SubscriptionOpened(topicName)
	b.logger.Debug("subscribed", zap.String("topic", topicName), zap.String("subscriber", sub.id))
	return sub
}

// Unsubscribe removes the subscription and closes its queue. It is safe to
// call concurrently with an in-flight Publish on the same topic and safe to
// call more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	t := b.topicFor(sub.topic)
	t.mu.Lock()
	_, live := t.subs[sub.id]
	delete(t.subs, sub.id)
	t.mu.Unlock()

	if live {
		b.metrics.SubscriptionClosed(sub.topic)
		b.logger.Debug("unsubscribed", zap.String("topic", sub.topic), zap.String("subscriber", sub.id))
	}
	sub.close()
}

// SubscriberCount reports the number of live subscriptions on the topic.
func (b *Broker) SubscriberCount(topicName string) int {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Recent returns a snapshot of the bounded publish history, oldest first.
func (b *Broker) Recent() []event.Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]event.Event, len(b.history))
	copy(out, b.history)
	return out
}

// Len reports how many events are currently retained in the history.
func (b *Broker) Len() int {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return len(b.history)
}

func (b *Broker) appendHistory(ev event.Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = append(b.history, ev)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
}

// Close removes every subscription and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			b.metrics.SubscriptionClosed(t.name)
			sub.close()
		}
		t.mu.Unlock()
	}
}
