package rewardsd

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// LedgerEvent is a queued ledger notification awaiting webhook delivery.
type LedgerEvent struct {
	Sequence   int64
	Type       string
	Attributes map[string]string
	CreatedAt  time.Time
}

// DeliveryTask pairs an event with the subscription it targets. Tasks without
// a subscription fan out to every matching subscription on dequeue.
type DeliveryTask struct {
	Event        LedgerEvent
	Subscription *Subscription
	Attempt      int
	NotBefore    time.Time
}

type queuedTask struct {
	task       DeliveryTask
	enqueuedAt time.Time
}

type historyEntry struct {
	event      LedgerEvent
	enqueuedAt time.Time
}

// EventQueueOption adjusts queue behaviour.
type EventQueueOption func(*eventQueueConfig)

type eventQueueConfig struct {
	taskCapacity    int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

const (
	defaultTaskCapacity    = 256
	defaultHistoryCapacity = 128
	defaultQueueTTL        = time.Hour
)

// WithTaskCapacity bounds the number of pending delivery tasks.
func WithTaskCapacity(capacity int) EventQueueOption {
	return func(cfg *eventQueueConfig) {
		if capacity > 0 {
			cfg.taskCapacity = capacity
		}
	}
}

// WithHistoryCapacity sets how many recent events are retained for the
// events endpoint.
func WithHistoryCapacity(capacity int) EventQueueOption {
	return func(cfg *eventQueueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithQueueTTL bounds how long queued items remain deliverable.
func WithQueueTTL(ttl time.Duration) EventQueueOption {
	return func(cfg *eventQueueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withQueueClock overrides the clock used for TTL evaluation (test only).
func withQueueClock(now func() time.Time) EventQueueOption {
	return func(cfg *eventQueueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// EventQueue is a bounded in-memory queue of ledger events pending webhook
// delivery. Overflow drops the oldest entries and is surfaced via telemetry.
type EventQueue struct {
	mu      sync.Mutex
	tasks   ring[queuedTask]
	history ring[historyEntry]
	seq     int64
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewEventQueue constructs a bounded queue.
func NewEventQueue(opts ...EventQueueOption) *EventQueue {
	cfg := eventQueueConfig{
		taskCapacity:    defaultTaskCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultQueueTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &EventQueue{
		tasks:   newRing[queuedTask](cfg.taskCapacity),
		history: newRing[historyEntry](cfg.historyCapacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: sharedQueueMetrics(),
	}
}

// Enqueue stamps the event with the next sequence number and queues it for
// delivery.
func (q *EventQueue) Enqueue(eventType string, attributes map[string]string) LedgerEvent {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	q.seq++
	event := LedgerEvent{
		Sequence:   q.seq,
		Type:       eventType,
		Attributes: attributes,
		CreatedAt:  now,
	}
	q.recordHistoryLocked(historyEntry{event: event, enqueuedAt: now})
	q.recordTaskLocked(queuedTask{task: DeliveryTask{Event: event}, enqueuedAt: now})
	return event
}

// Requeue schedules a retry attempt for a failed delivery.
func (q *EventQueue) Requeue(task DeliveryTask) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	q.recordTaskLocked(queuedTask{task: task, enqueuedAt: now})
}

// Recent returns a snapshot of the retained event history, oldest first.
func (q *EventQueue) Recent() []LedgerEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]LedgerEvent, 0, q.history.len())
	q.history.forEach(func(entry historyEntry) {
		snapshot = append(snapshot, entry.event)
	})
	return snapshot
}

// Dequeue blocks for the next deliverable task. Returns false when the
// context is cancelled.
func (q *EventQueue) Dequeue(ctx context.Context) (DeliveryTask, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.tasks.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return DeliveryTask{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}
		if delay := queued.task.NotBefore.Sub(q.now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return DeliveryTask{}, false
			case <-timer.C:
			}
		}
		if q.ttl > 0 && q.now().Sub(queued.enqueuedAt) > q.ttl {
			q.metrics.recordDropped("ttl", 1)
			continue
		}
		return queued.task, true
	}
}

func (q *EventQueue) recordTaskLocked(task queuedTask) {
	if q.tasks.capacity() == 0 {
		q.metrics.recordDropped("overflow", 1)
		return
	}
	if _, evicted := q.tasks.push(task); evicted {
		q.metrics.recordDropped("overflow", 1)
	}
}

func (q *EventQueue) recordHistoryLocked(entry historyEntry) {
	if q.history.capacity() == 0 {
		return
	}
	q.history.push(entry)
}

func (q *EventQueue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.tasks.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.tasks.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
	for {
		entry, ok := q.history.peek()
		if !ok || now.Sub(entry.enqueuedAt) <= q.ttl {
			break
		}
		q.history.pop()
	}
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(item T) (T, bool) {
	var evicted T
	if len(r.buf) == 0 {
		return evicted, false
	}
	if r.size == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = item
		r.head = (r.head + 1) % len(r.buf)
		return evicted, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = item
	r.size++
	return evicted, false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return item, true
}

func (r *ring[T]) peek() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int      { return r.size }
func (r *ring[T]) capacity() int { return len(r.buf) }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

var (
	queueMetricsOnce   sync.Once
	queueMetricsShared *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedQueueMetrics() *queueMetrics {
	queueMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("surveyrewards/rewardsd")
		counter, err := meter.Int64Counter("rewards.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("surveyrewards/rewardsd")
			counter, _ = fallback.Int64Counter("rewards.webhooks.dropped")
		}
		queueMetricsShared = &queueMetrics{dropped: counter}
	})
	return queueMetricsShared
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
