package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"contactgraph/internal/models"
	"contactgraph/internal/service"
)

const source = "contactgraph"

// Event types published to the contact topic.
const (
	TypeContactCreated = "contact.created"
	TypeContactLinked  = "contact.linked"
	TypeClustersMerged = "contact.clusters_merged"
)

// Event describes a committed change to one cluster.
type Event struct {
	ID                   string                 `json:"id"`
	Type                 string                 `json:"type"`
	Source               string                 `json:"source"`
	PrimaryContactID     int64                  `json:"primaryContactId"`
	CreatedContactID     *int64                 `json:"createdContactId,omitempty"`
	AbsorbedContactIDs   []int64                `json:"absorbedContactIds,omitempty"`
	ReparentedContactIDs []int64                `json:"reparentedContactIds,omitempty"`
	Contact              models.ContactResponse `json:"contact"`
	Timestamp            time.Time              `json:"timestamp"`
}

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes contact events to Kafka, keyed by primary contact id so one
// cluster's events stay ordered on one partition.
type Publisher struct {
	writer Writer
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewKafkaWriter returns a synchronous writer that waits for all replicas and
// keys messages by primary id.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewPublisher creates a publisher that sends events through writer.
func NewPublisher(writer Writer, log logrus.FieldLogger) *Publisher {
	return &Publisher{writer: writer, log: log, now: time.Now}
}

// Publish emits the event for outcome. Unchanged outcomes produce nothing.
func (p *Publisher) Publish(ctx context.Context, outcome *service.Outcome) error {
	event, ok := p.build(outcome)
	if !ok {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.PrimaryContactID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "source", Value: []byte(source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write event %s: %w", event.ID, err)
	}

	p.log.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"primary_id": event.PrimaryContactID,
	}).Debug("Event published")
	return nil
}

func (p *Publisher) build(outcome *service.Outcome) (Event, bool) {
	if outcome == nil || outcome.Kind == service.OutcomeUnchanged {
		return Event{}, false
	}

	event := Event{
		ID:               uuid.New().String(),
		Source:           source,
		PrimaryContactID: outcome.Primary.ID,
		Timestamp:        p.now().UTC(),
	}
	if outcome.View != nil {
		event.Contact = outcome.View.Contact
	}
	if outcome.Created != nil {
		id := outcome.Created.ID
		event.CreatedContactID = &id
	}
	if outcome.Merge != nil {
		for _, c := range outcome.Merge.Absorbed {
			event.AbsorbedContactIDs = append(event.AbsorbedContactIDs, c.ID)
		}
		event.ReparentedContactIDs = outcome.Merge.Reparented
	}

	switch outcome.Kind {
	case service.OutcomeCreatedPrimary:
		event.Type = TypeContactCreated
	case service.OutcomeCreatedSecondary:
		event.Type = TypeContactLinked
	case service.OutcomeMerged:
		event.Type = TypeClustersMerged
	default:
		return Event{}, false
	}
	return event, true
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
