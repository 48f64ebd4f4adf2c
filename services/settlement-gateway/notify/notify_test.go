package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	seen      map[string]bool
	published map[string][]string
	failSet   bool
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, _ time.Duration) *redis.BoolCmd {
	if f.failSet {
		return redis.NewBoolResult(false, errors.New("connection refused"))
	}
	if f.seen[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.seen[key] = true
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func TestRedisNotifierDedupesPerSubject(t *testing.T) {
	fake := &fakeRedis{seen: map[string]bool{}, published: map[string][]string{}}
	n := newRedisNotifier(fake, "test", time.Hour)
	ctx := context.Background()

	data := map[string]string{"tradeId": "aa"}
	for i := 0; i < 2; i++ {
		if err := n.Notify(ctx, "alice", "Trade funded", "Escrow holds your payment", KindTradeFunded, data); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if err := n.Notify(ctx, "alice", "Trade funded", "", KindTradeFunded, map[string]string{"tradeId": "bb"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	msgs := fake.published["test:alice"]
	if len(msgs) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(msgs))
	}
	var msg Message
	if err := json.Unmarshal([]byte(msgs[0]), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != KindTradeFunded || msg.Data["tradeId"] != "aa" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestMultiReportsFirstError(t *testing.T) {
	failing := newRedisNotifier(&fakeRedis{failSet: true}, "", 0)
	m := Multi{NewLogNotifier(nil), failing, nil}
	if err := m.Notify(context.Background(), "bob", "t", "b", KindDisputeOpened, nil); err == nil {
		t.Fatalf("expected dedupe failure to surface")
	}
}
