package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fentz26/agentplane/internal/models"
)

const (
	defaultBufferSize = 256
	defaultBatchSize  = 50
	defaultFlushEvery = time.Second
)

// ErrSinkClosed is returned by Handle after Close.
var ErrSinkClosed = errors.New("kafka sink closed")

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for brokers.
func NewKafkaWriter(brokers []string, writeTimeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: writeTimeout,
	}
}

// KafkaSink exports events to a Kafka topic in batches. Handle never blocks
// the bus; events are dropped when the buffer is full.
type KafkaSink struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger

	batchSize  int
	flushEvery time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan kafka.Message
	done    chan struct{}
	dropped atomic.Uint64
}

// KafkaOption configures a KafkaSink.
type KafkaOption func(*KafkaSink)

// WithBatch sets the batch size and flush interval.
func WithBatch(size int, every time.Duration) KafkaOption {
	return func(s *KafkaSink) {
		if size > 0 {
			s.batchSize = size
		}
		if every > 0 {
			s.flushEvery = every
		}
	}
}

// WithBuffer sets the queue length.
func WithBuffer(n int) KafkaOption {
	return func(s *KafkaSink) {
		if n > 0 {
			s.queue = make(chan kafka.Message, n)
		}
	}
}

// WithKafkaLogger sets the sink logger.
func WithKafkaLogger(l *zap.Logger) KafkaOption {
	return func(s *KafkaSink) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewKafkaSink starts the export loop. Call Close to flush and stop it.
func NewKafkaSink(w MessageWriter, topic string, opts ...KafkaOption) *KafkaSink {
	s := &KafkaSink{
		writer:     w,
		topic:      topic,
		logger:     zap.NewNop(),
		batchSize:  defaultBatchSize,
		flushEvery: defaultFlushEvery,
		queue:      make(chan kafka.Message, defaultBufferSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *KafkaSink) Handle(ctx context.Context, ev models.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Topic: s.topic,
		Key:   []byte(ev.Source),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_type", Value: []byte(ev.Type)},
		},
		Time: ev.Timestamp,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("kafka buffer full, dropped event %s", ev.ID)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *KafkaSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close flushes queued events and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.writer.Close()
}

func (s *KafkaSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writer.WriteMessages(context.Background(), batch...); err != nil {
			s.logger.Error("kafka_write_failed", zap.Int("messages", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case msg, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
