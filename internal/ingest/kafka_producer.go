package ingest

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes ride events keyed by "<run>:<ride id>", so every
// event for one ride lands on the same partition in order.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Name() string { return "kafka" }

func (k *KafkaProducer) Handle(ctx context.Context, evt models.RideEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.RunID + ":" + strconv.FormatInt(evt.Ride.ID, 10)),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(evt.Type)}},
	})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
