package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/flexpress-matching/internal/models"
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaPublisher{writer: w}
}

// Write publishes t keyed by entity id so one entity's transitions stay
// ordered within a partition.
func (k *KafkaPublisher) Write(ctx context.Context, t models.Transition) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(t.Entity + ":" + t.ID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeTransition parses a Kafka message value and checks the fields the
// journal needs.
func DecodeTransition(b []byte) (models.Transition, error) {
	var t models.Transition
	if err := json.Unmarshal(b, &t); err != nil {
		return t, err
	}
	if t.ID == "" || t.Entity == "" || t.To == "" {
		return t, errMissingFields
	}
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now()
	}
	return t, nil
}

type decodeError string

func (e decodeError) Error() string { return string(e) }

const errMissingFields = decodeError("transition missing entity, id or status")
