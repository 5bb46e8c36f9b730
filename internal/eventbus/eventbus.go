// Package eventbus provides in-process publish/subscribe with a bounded history.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/agentplane/internal/models"
)

// DefaultHistoryCapacity is the number of events kept when no capacity is configured.
const DefaultHistoryCapacity = 10000

// DefaultHistoryLimit is the page size used by callers that do not pass a limit.
const DefaultHistoryLimit = 100

// AllEvents subscribes a handler to every event type.
const AllEvents models.EventType = "*"

// ErrUnknownEventType is returned for types outside the closed set.
var ErrUnknownEventType = errors.New("unknown event type")

// Handler reacts to a published event. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, ev models.Event) error

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

// Recorder receives a callback per published event.
type Recorder interface {
	RecordEventPublished(ctx context.Context, eventType string)
}

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithCapacity sets the history ring size. Non-positive values keep the default.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock injects the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

// Bus fans events out to subscribers and keeps the most recent ones.
type Bus struct {
	logger   *zap.Logger
	now      func() time.Time
	recorder Recorder
	capacity int

	subMu  sync.RWMutex
	subs   map[models.EventType][]subscription
	nextID SubscriptionID

	histMu  sync.RWMutex
	history []models.Event
	head    int
	size    int
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:   zap.NewNop(),
		now:      time.Now,
		capacity: DefaultHistoryCapacity,
		subs:     make(map[models.EventType][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = make([]models.Event, b.capacity)
	b.logger = b.logger.Named("eventbus")
	return b
}

// Subscribe registers h for t. Use AllEvents for a wildcard subscription.
func (b *Bus) Subscribe(t models.EventType, h Handler) (SubscriptionID, error) {
	if t != AllEvents && !t.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if h == nil {
		return 0, errors.New("nil handler")
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: h})
	b.logger.Debug("subscribed", zap.String("event_type", string(t)), zap.Uint64("subscription_id", uint64(id)))
	return id, nil
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) (SubscriptionID, error) {
	return b.Subscribe(AllEvents, h)
}

// Unsubscribe removes a subscription. It reports whether one was removed.
func (b *Bus) Unsubscribe(t models.EventType, id SubscriptionID) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	list := b.subs[t]
	for i, s := range list {
		if s.id == id {
			b.subs[t] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Publish records ev and delivers it to every subscriber of its type and to
// wildcard subscribers. Handlers run concurrently; Publish returns once all of
// them have returned. Handler errors and panics are logged and isolated.
func (b *Bus) Publish(ctx context.Context, ev models.Event) {
	if _, err := b.Emit(ctx, ev); err != nil {
		b.logger.Warn("publish_rejected", zap.String("event_type", string(ev.Type)), zap.Error(err))
	}
}

// PublishAsync delivers ev without waiting for handlers.
func (b *Bus) PublishAsync(ctx context.Context, ev models.Event) {
	go b.Publish(context.WithoutCancel(ctx), ev)
}

// Emit is Publish returning the stored event, or an error for an unknown type.
func (b *Bus) Emit(ctx context.Context, ev models.Event) (models.Event, error) {
	if !ev.Type.Valid() {
		return models.Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	ev = b.normalize(ev)
	b.record(ev)

	if b.recorder != nil {
		b.recorder.RecordEventPublished(ctx, string(ev.Type))
	}

	handlers := b.handlersFor(ev.Type)
	if len(handlers) == 0 {
		return ev, nil
	}

	var g errgroup.Group
	for _, s := range handlers {
		s := s
		g.Go(func() error {
			b.deliver(ctx, s, ev)
			return nil
		})
	}
	_ = g.Wait()
	return ev, nil
}

// History returns up to limit most recent events, newest last. A nil t
// matches every type; limit <= 0 returns every match.
func (b *Bus) History(t *models.EventType, limit int) []models.Event {
	b.histMu.RLock()
	defer b.histMu.RUnlock()

	var out []models.Event
	for i := b.size - 1; i >= 0; i-- {
		ev := b.history[(b.head+i)%b.capacity]
		if t != nil && ev.Type != *t {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Statistics derives counts from the current history and subscriptions.
func (b *Bus) Statistics() models.EventStatistics {
	stats := models.EventStatistics{
		HistoryCapacity:  b.capacity,
		EventTypeCounts:  make(map[models.EventType]int),
		SubscriberCounts: make(map[models.EventType]int),
	}

	b.histMu.RLock()
	stats.TotalEvents = b.size
	for i := 0; i < b.size; i++ {
		stats.EventTypeCounts[b.history[(b.head+i)%b.capacity].Type]++
	}
	b.histMu.RUnlock()

	b.subMu.RLock()
	for t, list := range b.subs {
		if len(list) == 0 {
			continue
		}
		if t == AllEvents {
			stats.WildcardCount = len(list)
			continue
		}
		stats.SubscriberCounts[t] = len(list)
	}
	b.subMu.RUnlock()
	return stats
}

// ClearHistory drops every stored event.
func (b *Bus) ClearHistory() {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = make([]models.Event, b.capacity)
	b.head, b.size = 0, 0
}

// Capacity returns the history bound.
func (b *Bus) Capacity() int { return b.capacity }

func (b *Bus) normalize(ev models.Event) models.Event {
	if ev.Source == "" {
		ev.Source = "system"
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s_%s_%s", ev.Source, ev.Type, uuid.New().String())
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	if ev.Priority == 0 {
		ev.Priority = models.DefaultPriority
	}
	ev.Priority = models.ClampPriority(ev.Priority)
	ev.Data = copyData(ev.Data)
	return ev
}

func (b *Bus) record(ev models.Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if b.size < b.capacity {
		b.history[(b.head+b.size)%b.capacity] = ev
		b.size++
		return
	}
	b.history[b.head] = ev
	b.head = (b.head + 1) % b.capacity
}

func (b *Bus) handlersFor(t models.EventType) []subscription {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	out := make([]subscription, 0, len(b.subs[t])+len(b.subs[AllEvents]))
	out = append(out, b.subs[t]...)
	out = append(out, b.subs[AllEvents]...)
	return out
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler_panic",
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(ev.Type)),
				zap.Uint64("subscription_id", uint64(s.id)),
				zap.Any("panic", r),
			)
		}
	}()

	// Each handler gets its own copy of the payload.
	ev.Data = copyData(ev.Data)
	if err := s.handler(ctx, ev); err != nil {
		b.logger.Warn("handler_failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.Uint64("subscription_id", uint64(s.id)),
			zap.Error(err),
		)
	}
}

func copyData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
