package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fentz26/agentplane/internal/eventbus"
	"github.com/fentz26/agentplane/internal/models"
	"github.com/fentz26/agentplane/internal/store"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	writes   int
	closed   bool
	err      error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) snapshot() ([]kafka.Message, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...), w.writes
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bus := eventbus.New()
	_, err := Attach(bus, NewLogSink(zap.New(core)))
	require.NoError(t, err)

	bus.Publish(context.Background(), models.Event{Type: models.EventSaleRecorded, Source: "mihan"})
	bus.Publish(context.Background(), models.Event{Type: models.EventAgentError, Source: "shop", Data: map[string]any{"error": "boom"}})

	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "agent_error", entries[1].ContextMap()["event_type"])
}

func TestStoreSink(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	_, err = Attach(bus, NewStoreSink(st))
	require.NoError(t, err)

	ev, err := bus.Emit(context.Background(), models.Event{Type: models.EventTaskCompleted, Source: "torob"})
	require.NoError(t, err)

	saved, err := st.ListEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, ev.ID, saved[0].ID)
	assert.Equal(t, models.EventTaskCompleted, saved[0].Type)
}

func TestKafkaSink_FlushesOnClose(t *testing.T) {
	w := &recordingWriter{}
	sink := NewKafkaSink(w, "agentplane.events", WithBatch(100, time.Hour))

	bus := eventbus.New()
	_, err := Attach(bus, sink)
	require.NoError(t, err)

	ev, err := bus.Emit(context.Background(), models.Event{
		Type:   models.EventSaleRecorded,
		Source: "mihan",
		Data:   map[string]any{"price": 100.0},
	})
	require.NoError(t, err)
	bus.Publish(context.Background(), models.Event{Type: models.EventCustom, Source: "sync"})

	require.NoError(t, sink.Close())

	msgs, _ := w.snapshot()
	require.Len(t, msgs, 2)
	assert.True(t, w.closed)

	first := msgs[0]
	assert.Equal(t, "agentplane.events", first.Topic)
	assert.Equal(t, []byte("mihan"), first.Key)
	assert.Equal(t, "event_id", first.Headers[0].Key)
	assert.Equal(t, []byte(ev.ID), first.Headers[0].Value)

	var decoded models.Event
	require.NoError(t, json.Unmarshal(first.Value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, 100.0, decoded.Data["price"])
}

func TestKafkaSink_BatchSizeTriggersWrite(t *testing.T) {
	w := &recordingWriter{}
	sink := NewKafkaSink(w, "t", WithBatch(2, time.Hour))
	defer sink.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, sink.Handle(context.Background(), models.Event{ID: "e", Type: models.EventCustom}))
	}

	assert.Eventually(t, func() bool {
		msgs, writes := w.snapshot()
		return len(msgs) == 2 && writes == 1
	}, time.Second, 5*time.Millisecond)
}

func TestKafkaSink_WriteErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	w := &recordingWriter{err: errors.New("broker down")}
	sink := NewKafkaSink(w, "t", WithKafkaLogger(zap.New(core)))

	require.NoError(t, sink.Handle(context.Background(), models.Event{ID: "e", Type: models.EventCustom}))
	require.NoError(t, sink.Close())

	require.Equal(t, 1, logs.FilterMessage("kafka_write_failed").Len())
}

func TestKafkaSink_BufferFullDrops(t *testing.T) {
	w := &recordingWriter{}
	sink := NewKafkaSink(w, "t", WithBuffer(1), WithBatch(1000, time.Hour))

	// The loop may take one message off the queue, so at most two fit.
	var errs int
	for i := 0; i < 5; i++ {
		if err := sink.Handle(context.Background(), models.Event{ID: "e", Type: models.EventCustom}); err != nil {
			errs++
		}
	}
	assert.GreaterOrEqual(t, errs, 3)
	assert.Equal(t, uint64(errs), sink.Dropped())

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Handle(context.Background(), models.Event{ID: "e"}), ErrSinkClosed)
	assert.NoError(t, sink.Close(), "second close is a no-op")
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"k1:9092", "k2:9092"}, 3*time.Second)
	assert.Equal(t, "k1:9092,k2:9092", w.Addr.String())
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.Equal(t, 3*time.Second, w.WriteTimeout)
}
