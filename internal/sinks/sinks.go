// Package sinks forwards bus events to the log, the database and Kafka.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/fentz26/agentplane/internal/eventbus"
	"github.com/fentz26/agentplane/internal/models"
)

// Sink consumes every event published on the bus.
type Sink interface {
	Handle(ctx context.Context, ev models.Event) error
}

// Attach subscribes each sink to all event types.
func Attach(bus *eventbus.Bus, sinks ...Sink) ([]eventbus.SubscriptionID, error) {
	ids := make([]eventbus.SubscriptionID, 0, len(sinks))
	for _, s := range sinks {
		id, err := bus.SubscribeAll(s.Handle)
		if err != nil {
			for _, prev := range ids {
				bus.Unsubscribe(eventbus.AllEvents, prev)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// LogSink writes one structured line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging at debug level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Handle(ctx context.Context, ev models.Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.String("source", ev.Source),
		zap.Int("priority", ev.Priority),
	}
	if ev.Type == models.EventAgentError || ev.Type == models.EventTaskFailed {
		s.logger.Warn("event", append(fields, zap.Any("data", ev.Data))...)
		return nil
	}
	s.logger.Debug("event", fields...)
	return nil
}

// EventSaver persists events.
type EventSaver interface {
	SaveEvent(ctx context.Context, ev models.Event) error
}

// StoreSink persists events so history survives restarts.
type StoreSink struct {
	store EventSaver
}

// NewStoreSink wraps an event store.
func NewStoreSink(s EventSaver) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Handle(ctx context.Context, ev models.Event) error {
	return s.store.SaveEvent(context.WithoutCancel(ctx), ev)
}
