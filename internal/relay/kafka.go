package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/mdrrmo/fieldsync/internal/config"
)

// MessageWriter is the kafka-go writer surface the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink forwards hub messages to a Kafka topic for the operations
// pipeline. Each status message becomes one record keyed by its type.
type KafkaSink struct {
	writer MessageWriter
	hub    *Hub
	logger *slog.Logger
	sub    *Subscription
	wg     sync.WaitGroup
}

// NewKafkaSink creates a sink producing to cfg.Topic.
func NewKafkaSink(cfg config.KafkaConfig, hub *Hub, logger *slog.Logger) *KafkaSink {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
	}
	return NewKafkaSinkWithWriter(w, hub, logger)
}

// NewKafkaSinkWithWriter creates a sink with a custom writer (for testing).
func NewKafkaSinkWithWriter(w MessageWriter, hub *Hub, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{writer: w, hub: hub, logger: logger.With("sink", "kafka")}
}

// Start begins forwarding until ctx is done or Stop is called.
func (k *KafkaSink) Start(ctx context.Context) error {
	k.sub = k.hub.Subscribe("kafka")
	k.wg.Add(1)
	go k.forward(ctx)
	k.logger.Info("kafka sink started")
	return nil
}

func (k *KafkaSink) forward(ctx context.Context) {
	defer k.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-k.sub.C:
			if !ok {
				return
			}
			if msg.Idle() {
				continue
			}
			rec, err := toKafkaMessage(msg, time.Now())
			if err != nil {
				k.logger.Error("serialize status message", "error", err)
				continue
			}
			if err := k.writer.WriteMessages(ctx, rec); err != nil {
				k.logger.Warn("kafka write failed", "type", msg.Type, "error", err)
			}
		}
	}
}

func toKafkaMessage(msg Message, at time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(msg.Type),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "emitted_at", Value: []byte(at.UTC().Format(time.RFC3339))},
		},
	}, nil
}

// Stop unsubscribes and closes the writer.
func (k *KafkaSink) Stop() error {
	if k.sub != nil {
		k.hub.Unsubscribe(k.sub)
	}
	k.wg.Wait()
	err := k.writer.Close()
	k.logger.Info("kafka sink stopped")
	return err
}
