package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
)

// Event is one pipeline lifecycle notification.
type Event struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Event type names carried on the pipeline topic.
const (
	TypeStudyValidated    = "study.validated"
	TypeModelTrained      = "model.trained"
	TypeModelDeployed     = "model.deployed"
	TypeFilterRefreshed   = "filter.refreshed"
	TypeTrainingScheduled = "training.scheduled"
)

// StudyValidated builds a study outcome event.
func StudyValidated(studyID uuid.UUID, status, rejectionCode string) Event {
	payload := map[string]interface{}{
		"study_id": studyID.String(),
		"status":   status,
	}
	if rejectionCode != "" {
		payload["rejection_code"] = rejectionCode
	}
	return Event{Type: TypeStudyValidated, Timestamp: time.Now().UTC(), Payload: payload}
}

// ModelTrained builds a training completion event.
func ModelTrained(modelType string, modelID uuid.UUID, version int, accuracy float64, deployed bool) Event {
	return Event{
		Type:      TypeModelTrained,
		Timestamp: time.Now().UTC(),
		Payload: map[string]interface{}{
			"model_type":          modelType,
			"model_id":            modelID.String(),
			"version":             version,
			"validation_accuracy": accuracy,
			"deployed":            deployed,
		},
	}
}

// TrainingScheduled builds a job enqueue event.
func TrainingScheduled(modelType string, jobID uuid.UUID, trigger string) Event {
	return Event{
		Type:      TypeTrainingScheduled,
		Timestamp: time.Now().UTC(),
		Payload: map[string]interface{}{
			"model_type": modelType,
			"job_id":     jobID.String(),
			"trigger":    trigger,
		},
	}
}

// FilterRefreshed builds a filter refresh event.
func FilterRefreshed(filterID string, points int, stale bool) Event {
	return Event{
		Type:      TypeFilterRefreshed,
		Timestamp: time.Now().UTC(),
		Payload: map[string]interface{}{
			"filter_id": filterID,
			"points":    points,
			"stale":     stale,
		},
	}
}

// Publisher delivers pipeline events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a Kafka-backed publisher
func NewKafkaPublisher(cfg config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// Publish sends one event, keyed by event type so consumers can partition
// by lifecycle stage.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Type),
		Value: value,
		Time:  event.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops all events; used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NopPublisher) Close() error                                   { return nil }
