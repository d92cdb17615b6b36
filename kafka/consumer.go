package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"taglink/config"
	"taglink/logging"
	"taglink/namespace"
)

// Inbound message kinds.
const (
	KindUpdate      = "update"
	KindSupervision = "supervision"
)

// Handler receives the raw value of an inbound message.
type Handler func(payload []byte) error

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the inbound update and supervision topics of one cluster.
type Consumer struct {
	config  *config.KafkaConfig
	builder *namespace.Builder
	running bool
	mu      sync.RWMutex

	handlers map[string]Handler
	observer Observer

	cancel  context.CancelFunc
	readers []messageReader
	wg      sync.WaitGroup

	newReader func(topic string) (messageReader, error)
	now       func() time.Time
}

// NewConsumer creates a consumer for the cluster's inbound topics.
func NewConsumer(cfg *config.KafkaConfig, builder *namespace.Builder) *Consumer {
	c := &Consumer{
		config:   cfg,
		builder:  builder,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
	c.newReader = c.createReader
	return c
}

// SetHandler sets the callback for one message kind.
func (c *Consumer) SetHandler(kind string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// SetObserver sets the metrics observer.
func (c *Consumer) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

func (c *Consumer) createReader(topic string) (messageReader, error) {
	dialer, err := newDialer(c.config)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          topic,
		GroupID:        consumerGroup(c.config),
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         dialer,
	}), nil
}

// Start begins consuming both inbound topics.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	topics := map[string]string{
		KindUpdate:      c.builder.KafkaUpdateTopic(),
		KindSupervision: c.builder.KafkaSupervisionTopic(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	var readers []messageReader
	for kind, topic := range topics {
		r, err := c.newReader(topic)
		if err != nil {
			cancel()
			for _, started := range readers {
				started.Close()
			}
			return fmt.Errorf("create reader for %s: %w", topic, err)
		}
		readers = append(readers, r)
		logConsumer("Starting consumer for topic '%s' with group '%s'", topic, consumerGroup(c.config))

		c.wg.Add(1)
		go c.consumeLoop(ctx, kind, r)
	}

	c.readers = readers
	c.cancel = cancel
	c.running = true
	return nil
}

// Stop cancels the consume loops and closes the readers.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logConsumer("Consumer stopped gracefully")
	case <-time.After(3 * time.Second):
		logConsumer("Consumer stop timeout")
	}
	for _, r := range readers {
		r.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Consumer) consumeLoop(ctx context.Context, kind string, reader messageReader) {
	defer c.wg.Done()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logConsumer("Fetch error on %s: %v", kind, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.process(kind, msg)
		c.commitMessage(reader, msg)
	}
}

// process hands one message to its handler. Messages older than the
// configured max age are skipped.
func (c *Consumer) process(kind string, msg kafka.Message) {
	c.mu.RLock()
	h := c.handlers[kind]
	observer := c.observer
	limit := maxAge(c.config)
	c.mu.RUnlock()

	logging.DebugRX("kafka", fmt.Sprintf("%s p%d@%d", msg.Topic, msg.Partition, msg.Offset), msg.Value)

	var err error
	switch {
	case !msg.Time.IsZero() && c.now().Sub(msg.Time) > limit:
		err = fmt.Errorf("message expired (age %v)", c.now().Sub(msg.Time).Round(time.Millisecond))
	case h == nil:
		err = fmt.Errorf("no %s handler", kind)
	default:
		err = h(msg.Value)
	}
	if err != nil {
		logConsumer("Inbound %s at offset %d rejected: %v", kind, msg.Offset, err)
	}
	if observer != nil {
		observer.Inbound("kafka", kind, err)
	}
}

func (c *Consumer) commitMessage(reader messageReader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logConsumer("Failed to commit message: %v", err)
	}
}

func logConsumer(format string, args ...interface{}) {
	logging.DebugLog("kafka", "[Consumer] "+format, args...)
}
