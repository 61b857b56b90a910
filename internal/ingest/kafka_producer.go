package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-coordinator/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver locations and ride lifecycle events to
// separate topics. Events are keyed by ride ID so one ride stays ordered
// within a partition.
type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
	timeout   time.Duration
}

func NewKafkaProducer(brokers []string, locationTopic, eventTopic string) *KafkaProducer {
	newWriter := func(topic string) messageWriter {
		return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	}
	p := &KafkaProducer{locations: newWriter(locationTopic), timeout: 2 * time.Second}
	if eventTopic != "" {
		p.events = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventTopic, Balancer: &kafka.Hash{}})
	}
	return p
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode driver location: %w", err)
	}
	return k.write(ctx, k.locations, kafka.Message{Key: []byte(d.ID), Value: b})
}

// PublishRideEvent appends a lifecycle event to the ride event stream.
func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	if k.events == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ride event: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	return k.write(ctx, k.events, msg)
}

func (k *KafkaProducer) write(ctx context.Context, w messageWriter, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return w.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	var err error
	if k.locations != nil {
		err = k.locations.Close()
	}
	if k.events != nil {
		if cerr := k.events.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
