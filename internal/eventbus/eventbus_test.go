package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/agentplane/internal/models"
)

func event(t models.EventType, seq int) models.Event {
	return models.Event{Type: t, Source: "test", Data: map[string]any{"seq": seq}}
}

func TestPublish_IsolatesFailingSubscribers(t *testing.T) {
	bus := New()
	var delivered atomic.Int32

	_, err := bus.Subscribe(models.EventSaleRecorded, func(ctx context.Context, ev models.Event) error {
		panic("subscriber exploded")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(models.EventSaleRecorded, func(ctx context.Context, ev models.Event) error {
		return errors.New("subscriber failed")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(models.EventSaleRecorded, func(ctx context.Context, ev models.Event) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), event(models.EventSaleRecorded, 1))
	})
	assert.Equal(t, int32(1), delivered.Load())
	assert.Len(t, bus.History(nil, 0), 1)
}

func TestPublish_OnlyMatchingTypeAndWildcard(t *testing.T) {
	bus := New()
	var typed, wildcard atomic.Int32

	_, err := bus.Subscribe(models.EventAgentStarted, func(ctx context.Context, ev models.Event) error {
		typed.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(AllEvents, func(ctx context.Context, ev models.Event) error {
		wildcard.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	bus.Publish(ctx, event(models.EventAgentStarted, 1))
	bus.Publish(ctx, event(models.EventAgentStopped, 2))

	assert.Equal(t, int32(1), typed.Load())
	assert.Equal(t, int32(2), wildcard.Load())
}

func TestHistory_BoundedCapacity(t *testing.T) {
	bus := New(WithCapacity(5))
	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		bus.Publish(ctx, event(models.EventCustom, i))
	}

	hist := bus.History(nil, 0)
	require.Len(t, hist, 5)
	assert.Equal(t, 4, hist[0].Data["seq"], "oldest events are dropped first")
	assert.Equal(t, 8, hist[4].Data["seq"], "newest event is last")
	assert.Equal(t, 5, bus.Statistics().TotalEvents)
}

func TestHistory_DefaultCapacity(t *testing.T) {
	bus := New(WithCapacity(0))
	assert.Equal(t, DefaultHistoryCapacity, bus.Capacity())
}

func TestHistory_FilterAndLimit(t *testing.T) {
	bus := New()
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		typ := models.EventTaskCompleted
		if i%2 == 0 {
			typ = models.EventTaskFailed
		}
		bus.Publish(ctx, event(typ, i))
	}

	failed := models.EventTaskFailed
	hist := bus.History(&failed, 2)
	require.Len(t, hist, 2)
	assert.Equal(t, 4, hist[0].Data["seq"])
	assert.Equal(t, 6, hist[1].Data["seq"])

	assert.Len(t, bus.History(nil, 4), 4)
	assert.Len(t, bus.History(&failed, 0), 3)
}

func TestUnsubscribe(t *testing.T) {
	bus := New()
	var calls atomic.Int32
	id, err := bus.Subscribe(models.EventProductPosted, func(ctx context.Context, ev models.Event) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	bus.Publish(ctx, event(models.EventProductPosted, 1))
	assert.True(t, bus.Unsubscribe(models.EventProductPosted, id))
	assert.False(t, bus.Unsubscribe(models.EventProductPosted, id))
	bus.Publish(ctx, event(models.EventProductPosted, 2))

	assert.Equal(t, int32(1), calls.Load())
}

func TestSubscribe_UnknownType(t *testing.T) {
	bus := New()
	_, err := bus.Subscribe("weather_changed", func(ctx context.Context, ev models.Event) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = bus.Emit(context.Background(), models.Event{Type: "weather_changed"})
	assert.ErrorIs(t, err, ErrUnknownEventType)
	assert.Empty(t, bus.History(nil, 0))
}

func TestEmit_NormalizesEvent(t *testing.T) {
	bus := New()
	ev, err := bus.Emit(context.Background(), models.Event{Type: models.EventAgentError, Source: "torob", Priority: 42})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ev.ID, "torob_agent_error_"))
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, models.MaxPriority, ev.Priority)
}

func TestPublish_HandlerCannotMutateHistory(t *testing.T) {
	bus := New()
	_, err := bus.Subscribe(models.EventCustom, func(ctx context.Context, ev models.Event) error {
		ev.Data["seq"] = -1
		return nil
	})
	require.NoError(t, err)

	bus.Publish(context.Background(), event(models.EventCustom, 7))
	assert.Equal(t, 7, bus.History(nil, 1)[0].Data["seq"])
}

func TestStatistics(t *testing.T) {
	bus := New()
	noop := func(ctx context.Context, ev models.Event) error { return nil }
	_, _ = bus.Subscribe(models.EventAgentStarted, noop)
	_, _ = bus.Subscribe(models.EventAgentStarted, noop)
	_, _ = bus.Subscribe(AllEvents, noop)

	ctx := context.Background()
	bus.Publish(ctx, event(models.EventAgentStarted, 1))
	bus.Publish(ctx, event(models.EventAgentStarted, 2))
	bus.Publish(ctx, event(models.EventSaleRecorded, 3))

	stats := bus.Statistics()
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, 2, stats.EventTypeCounts[models.EventAgentStarted])
	assert.Equal(t, 1, stats.EventTypeCounts[models.EventSaleRecorded])
	assert.Equal(t, 2, stats.SubscriberCounts[models.EventAgentStarted])
	assert.Equal(t, 1, stats.WildcardCount)

	bus.ClearHistory()
	assert.Equal(t, 0, bus.Statistics().TotalEvents)
}

type countingRecorder struct{ n atomic.Int32 }

func (r *countingRecorder) RecordEventPublished(ctx context.Context, eventType string) { r.n.Add(1) }

func TestPublish_ConcurrentPublishers(t *testing.T) {
	rec := &countingRecorder{}
	bus := New(WithCapacity(1000), WithRecorder(rec))
	var received atomic.Int32
	_, err := bus.Subscribe(AllEvents, func(ctx context.Context, ev models.Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Publish(context.Background(), event(models.EventCustom, i))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(50), received.Load())
	assert.Equal(t, int32(50), rec.n.Load())
	assert.Len(t, bus.History(nil, 0), 50)
}
