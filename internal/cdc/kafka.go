package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
)

// KafkaDeliverer publishes each batch as one message keyed by the source
// actor id, so a partition sees one actor's batches in order.
type KafkaDeliverer struct {
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func NewKafkaDeliverer() *KafkaDeliverer {
	return &KafkaDeliverer{writers: map[string]*kafka.Writer{}}
}

func (d *KafkaDeliverer) writer(brokers []string, topic string) *kafka.Writer {
	key := strings.Join(brokers, ",") + "/" + topic
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.writers[key]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	d.writers[key] = w
	return w
}

func (d *KafkaDeliverer) deliver(ctx context.Context, brokers []string, topic string, batch Batch) error {
	value, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return d.writer(brokers, topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(batch.SourceActorID),
		Value: value,
	})
}

// Close flushes and closes every writer.
func (d *KafkaDeliverer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for key, w := range d.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.writers, key)
	}
	return firstErr
}
