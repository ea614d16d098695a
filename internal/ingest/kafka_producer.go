package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver locations and terminal match events, each
// to its own topic.
type KafkaProducer struct {
	locations messageWriter
	matches   messageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, matchTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.LeastBytes{}}),
		matches:   kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: matchTopic, Balancer: &kafka.Hash{}}),
	}
}

// PublishLocation keys the message by driver id so updates for one driver stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b}); err != nil {
		return fmt.Errorf("publish location %s: %w", d.ID, err)
	}
	return nil
}

// PublishMatchEvent implements the matcher's event publisher.
func (k *KafkaProducer) PublishMatchEvent(ctx context.Context, ev models.MatchEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	msg := kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "outcome", Value: []byte(ev.Outcome)}},
	}
	if err := k.matches.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish match event %s: %w", ev.RideID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []messageWriter{k.locations, k.matches} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

// DecodeLocation parses a location message and rejects unusable ones.
func DecodeLocation(b []byte) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(b, &d); err != nil {
		return models.Driver{}, fmt.Errorf("decode location: %w", err)
	}
	if d.ID == "" {
		return models.Driver{}, errors.New("decode location: missing driver id")
	}
	if !geo.IsValidCoordinate(d.Loc) {
		return models.Driver{}, models.ErrInvalidLocation
	}
	if d.Status == "" {
		d.Status = models.DriverStatusOnline
	}
	return d, nil
}
