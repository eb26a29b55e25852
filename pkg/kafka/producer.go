package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
)

// DefaultTopic carries one event per appended linkage
const DefaultTopic = "fern.linkages"

const schemaVersion = "1.0"

// MessageWriter is the subset of *kafka.Writer the producer needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer emits linkage events for downstream price aggregation
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a producer backed by a kafka.Writer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer, cfg.Topic, logger)
}

// NewProducerWithWriter wraps an existing writer
func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// LinkageEvent is the wire form of one resolution decision
type LinkageEvent struct {
	EventType          string               `json:"event_type"`
	LinkageID          string               `json:"linkage_id"`
	SourceRecordID     string               `json:"source_record_id"`
	SourceID           string               `json:"source_id"`
	SourceKind         models.SourceKind    `json:"source_kind"`
	CanonicalProductID *string              `json:"canonical_product_id,omitempty"`
	Status             models.LinkageStatus `json:"status"`
	ReasonCode         *models.ReasonCode   `json:"reason_code,omitempty"`
	MatchPath          models.MatchPath     `json:"match_path"`
	ResolverVersion    string               `json:"resolver_version"`
	Timestamp          time.Time            `json:"timestamp"`
}

// NewLinkageEvent builds the event for a linkage appended for rec
func NewLinkageEvent(link *models.Linkage, rec *models.SourceRecord) *LinkageEvent {
	return &LinkageEvent{
		EventType:          "linkage." + strings.ToLower(string(link.Status)),
		LinkageID:          link.ID,
		SourceRecordID:     link.SourceRecordID,
		SourceID:           rec.SourceID,
		SourceKind:         rec.SourceKind.Normalize(),
		CanonicalProductID: link.CanonicalProductID,
		Status:             link.Status,
		ReasonCode:         link.ReasonCode,
		MatchPath:          link.MatchPath,
		ResolverVersion:    link.ResolverVersion,
		Timestamp:          link.CreatedAt,
	}
}

// PublishLinkage publishes the event for one linkage. Messages are keyed by
// source record so every decision for a record lands on the same partition.
func (p *Producer) PublishLinkage(ctx context.Context, link *models.Linkage, rec *models.SourceRecord) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishLinkage")
	defer span.End()

	event := NewLinkageEvent(link, rec)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.SourceRecordID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "resolver_version", Value: []byte(event.ResolverVersion)},
			{Key: "schema_version", Value: []byte(schemaVersion)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		tracing.RecordError(span, err)
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish linkage event")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type":       event.EventType,
		"linkage_id":       event.LinkageID,
		"source_record_id": event.SourceRecordID,
	}).Debug("Published linkage event")

	return nil
}
