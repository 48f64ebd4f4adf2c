package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"p2pescrow/core/types"
	"p2pescrow/observability/metrics"
)

// KafkaConfig names the brokers and topic carrying ledger events.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("recon: kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("recon: kafka topic required")
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards committed ledger events to Kafka. Events are keyed
// by trade or dispute id so each entity's events stay ordered within a
// partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher builds a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

// Publish implements the ledger publisher hook.
func (p *KafkaPublisher) Publish(ctx context.Context, events []*types.LedgerEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, evt := range events {
		value, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("recon: encode event %d: %w", evt.Sequence, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(partitionKey(evt)),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(evt.Type)},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.Settlement().ObservePublishFailure()
		return fmt.Errorf("recon: publish: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func partitionKey(evt *types.LedgerEvent) string {
	if id := evt.Attr("tradeId"); id != "" {
		return id
	}
	if id := evt.Attr("disputeId"); id != "" {
		return id
	}
	return evt.Type
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer applies ledger events from Kafka to the mirror as they
// arrive. Offsets are committed only after the event is applied, so a crash
// replays the message and the applier discards the duplicate.
type KafkaConsumer struct {
	reader  messageReader
	applier *Applier
	logger  *slog.Logger
}

// NewKafkaConsumer builds a consumer-group reader on cfg.Topic.
func NewKafkaConsumer(cfg KafkaConfig, applier *Applier) (*KafkaConsumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if applier == nil {
		return nil, errors.New("recon: applier required")
	}
	group := cfg.GroupID
	if group == "" {
		group = "settlement-gateway-mirror"
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaConsumer{reader: reader, applier: applier, logger: slog.Default().With("component", "recon-consumer")}, nil
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recon: fetch: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var evt types.LedgerEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		// A malformed message can never apply; skip it and let the
		// reconciler heal from the ledger log.
		c.logger.Error("discarding undecodable event", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		return c.reader.CommitMessages(ctx, msg)
	}
	if _, err := c.applier.Apply(ctx, &evt); err != nil {
		return err
	}
	return c.reader.CommitMessages(ctx, msg)
}

// LedgerLog is the read side of the authoritative event log.
type LedgerLog interface {
	EventsSince(after uint64, limit int) ([]*types.LedgerEvent, error)
}

// LedgerSource adapts the in-process ledger log to Source.
type LedgerSource struct {
	Log LedgerLog
}

// EventsSince implements Source.
func (s LedgerSource) EventsSince(ctx context.Context, after uint64, limit int) ([]*types.LedgerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Log.EventsSince(after, limit)
}
