// Package notify delivers participant notifications for settlement events.
// Delivery is best effort; only the emitted notification is defined.
package notify

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"lukechampine.com/blake3"
)

// Kinds of notification emitted by the gateway.
const (
	KindOrderMatched    = "order_matched"
	KindTradeFunded     = "trade_funded"
	KindTradeReleased   = "trade_released"
	KindDisputeOpened   = "dispute_opened"
	KindDisputeAssigned = "dispute_assigned"
	KindDisputeResolved = "dispute_resolved"
)

// Notifier delivers a message to a participant.
type Notifier interface {
	Notify(ctx context.Context, participantID, title, body, kind string, data map[string]string) error
}

// Message is the payload published to subscribers.
type Message struct {
	ParticipantID string            `json:"participantId"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Kind          string            `json:"kind"`
	Data          map[string]string `json:"data,omitempty"`
	SentAt        time.Time         `json:"sentAt"`
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier backed by logger, or the default logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, participantID, title, body, kind string, data map[string]string) error {
	n.logger.InfoContext(ctx, "notification", "participant", participantID, "kind", kind, "title", title)
	return nil
}

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes notifications on a per-participant channel and drops
// duplicates seen within the dedupe window.
type RedisNotifier struct {
	client redisClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisNotifier builds a notifier over client. Channels are named
// "<prefix>:<participantID>".
func NewRedisNotifier(client redis.UniversalClient, prefix string, dedupe time.Duration) *RedisNotifier {
	return newRedisNotifier(client, prefix, dedupe)
}

func newRedisNotifier(client redisClient, prefix string, dedupe time.Duration) *RedisNotifier {
	if prefix == "" {
		prefix = "p2pescrow:notify"
	}
	if dedupe <= 0 {
		dedupe = 24 * time.Hour
	}
	return &RedisNotifier{client: client, prefix: prefix, ttl: dedupe, now: time.Now}
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, participantID, title, body, kind string, data map[string]string) error {
	if participantID == "" {
		return fmt.Errorf("notify: participant required")
	}
	fresh, err := n.client.SetNX(ctx, n.dedupeKey(participantID, kind, data), 1, n.ttl).Result()
	if err != nil {
		return fmt.Errorf("notify: dedupe: %w", err)
	}
	if !fresh {
		return nil
	}
	payload, err := json.Marshal(Message{
		ParticipantID: participantID,
		Title:         title,
		Body:          body,
		Kind:          kind,
		Data:          data,
		SentAt:        n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if err := n.client.Publish(ctx, n.prefix+":"+participantID, payload).Err(); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// dedupeKey identifies a notification by recipient, kind and its subject
// (trade, dispute or order id).
func (n *RedisNotifier) dedupeKey(participantID, kind string, data map[string]string) string {
	subject := data["disputeId"] + "/" + data["tradeId"] + "/" + data["orderId"]
	sum := blake3.Sum256([]byte(participantID + "|" + kind + "|" + subject))
	return n.prefix + ":seen:" + hex.EncodeToString(sum[:16])
}

// Multi fans a notification out to several notifiers and returns the first
// error.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, participantID, title, body, kind string, data map[string]string) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, participantID, title, body, kind, data); err != nil && first == nil {
			first = err
		}
	}
	return first
}
