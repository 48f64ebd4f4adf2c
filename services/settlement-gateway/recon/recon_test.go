package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"

	"p2pescrow/core"
	"p2pescrow/core/types"
	"p2pescrow/crypto"
	"p2pescrow/services/settlement-gateway/models"
	"p2pescrow/storage"
)

var (
	testBuyer  = [20]byte{0xB1}
	testSeller = [20]byte{0x5E}
)

func setupReconDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newLedger(t *testing.T) *core.Ledger {
	t.Helper()
	opts := core.DefaultOptions()
	opts.Allocations = map[[20]byte]*big.Int{testBuyer: big.NewInt(100_000_000)}
	opts.Now = func() int64 { return 1_700_000_000 }
	ledger, err := core.NewLedger(storage.NewMemDB(), opts)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	return ledger
}

func tradeEvents(t *testing.T, ledger *core.Ledger) ([32]byte, []*types.LedgerEvent) {
	t.Helper()
	trade, err := ledger.Fund("order-1", testBuyer, testSeller, big.NewInt(7_490_636), [32]byte{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := ledger.ConfirmRelease(trade.ID, testBuyer); err != nil {
		t.Fatalf("release: %v", err)
	}
	events, err := ledger.EventsSince(0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return trade.ID, events
}

func firstOfType(t *testing.T, events []*types.LedgerEvent, eventType string) *types.LedgerEvent {
	t.Helper()
	for _, evt := range events {
		if evt.Type == eventType {
			return evt
		}
	}
	t.Fatalf("no %s event in %d events", eventType, len(events))
	return nil
}

func TestApplierIsIdempotentAndOrdered(t *testing.T) {
	db := setupReconDB(t)
	ledger := newLedger(t)
	tradeID, events := tradeEvents(t, ledger)
	applier := NewApplier(db)
	ctx := context.Background()

	first, err := applier.ApplyAll(ctx, events)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if first != len(events) {
		t.Fatalf("expected %d new events, got %d", len(events), first)
	}
	again, err := applier.ApplyAll(ctx, events)
	if err != nil || again != 0 {
		t.Fatalf("replay applied %d events, err %v", again, err)
	}

	var row models.TradeMirror
	if err := db.First(&row, "id = ?", crypto.FormatHash(tradeID)).Error; err != nil {
		t.Fatalf("load mirror: %v", err)
	}
	if row.Status != "released" || row.Amount != "7490636" || row.Buyer != crypto.FormatAddress(testBuyer) {
		t.Fatalf("unexpected mirror row: %+v", row)
	}
	var applied int64
	db.Model(&models.AppliedEvent{}).Count(&applied)
	if applied != int64(len(events)) {
		t.Fatalf("applied table has %d rows, want %d", applied, len(events))
	}

	// A stale event delivered late must not roll the row back.
	funded := firstOfType(t, events, "trade.funded")
	stale := *funded
	stale.Attributes = map[string]string{}
	for k, v := range funded.Attributes {
		stale.Attributes[k] = v
	}
	stale.Attributes["replay"] = "late"
	if ok, err := applier.Apply(ctx, &stale); err != nil || !ok {
		t.Fatalf("stale apply: %v %v", ok, err)
	}
	if err := db.First(&row, "id = ?", crypto.FormatHash(tradeID)).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.Status != "released" {
		t.Fatalf("stale event rolled status back to %s", row.Status)
	}
}

func TestReconcilerHealsDriftAndWritesReports(t *testing.T) {
	db := setupReconDB(t)
	ledger := newLedger(t)
	tradeID, events := tradeEvents(t, ledger)
	ctx := context.Background()
	dir := t.TempDir()

	rec, err := NewReconciler(Config{
		DB:        db,
		Source:    LedgerSource{Log: ledger},
		Authority: ledger,
		OutputDir: dir,
		PageSize:  1,
		Now:       func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	// Live path saw only the funding event.
	if _, err := rec.Applier().Apply(ctx, firstOfType(t, events, "trade.funded")); err != nil {
		t.Fatalf("live apply: %v", err)
	}

	res, err := rec.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Scanned != len(events) || res.Repaired != len(events)-1 {
		t.Fatalf("unexpected result: scanned %d repaired %d", res.Scanned, res.Repaired)
	}
	if len(res.Drift) != 0 {
		t.Fatalf("replay should leave no drift, got %+v", res.Drift)
	}

	// Corrupt the mirror behind the applier's back.
	id := crypto.FormatHash(tradeID)
	if err := db.Model(&models.TradeMirror{}).Where("id = ?", id).Update("status", "funded").Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}
	res, err = rec.Run(ctx, RunOptions{From: 0})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Repaired != 0 || len(res.Drift) != 1 || !res.Drift[0].Repaired || res.Drift[0].Field != "status" {
		t.Fatalf("unexpected drift: %+v", res.Drift)
	}
	var row models.TradeMirror
	if err := db.First(&row, "id = ?", id).Error; err != nil || row.Status != "released" {
		t.Fatalf("drift not healed: %+v %v", row, err)
	}
	for _, path := range []string{res.CSVPath, res.ParquetPath} {
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			t.Fatalf("missing report %s: %v", path, err)
		}
	}

	var cursor models.ReconCursor
	if err := db.First(&cursor, "name = ?", cursorName).Error; err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if _, head := ledger.Head(); cursor.Sequence != head {
		t.Fatalf("cursor %d, ledger head %d", cursor.Sequence, head)
	}
}

func TestReconcilerDryRunLeavesMirrorUntouched(t *testing.T) {
	db := setupReconDB(t)
	ledger := newLedger(t)
	tradeEvents(t, ledger)

	rec, err := NewReconciler(Config{DB: db, Source: LedgerSource{Log: ledger}, Authority: ledger, DryRun: true})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	res, err := rec.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Drift) != 1 || res.Drift[0].Field != "row" || res.Drift[0].Repaired {
		t.Fatalf("expected one unrepaired missing row, got %+v", res.Drift)
	}
	var count int64
	db.Model(&models.TradeMirror{}).Count(&count)
	if count != 0 {
		t.Fatalf("dry run wrote %d mirror rows", count)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed int
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed += len(msgs)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaRoundTripAppliesOnce(t *testing.T) {
	db := setupReconDB(t)
	ledger := newLedger(t)
	tradeID, events := tradeEvents(t, ledger)

	writer := &fakeWriter{}
	pub := &KafkaPublisher{writer: writer}
	if err := pub.Publish(context.Background(), events); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, msg := range writer.msgs {
		if !strings.HasPrefix(string(msg.Headers[0].Value), "trade.") {
			continue
		}
		if string(msg.Key) != crypto.FormatHash(tradeID) {
			t.Fatalf("trade events must be keyed by trade id, got %q", msg.Key)
		}
	}

	// Deliver every message twice.
	queue := append(append([]kafka.Message(nil), writer.msgs...), writer.msgs...)
	queue = append(queue, kafka.Message{Value: []byte("{broken")})
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{queue: queue, cancel: cancel}
	consumer := &KafkaConsumer{reader: reader, applier: NewApplier(db), logger: slog.Default()}
	if err := consumer.Run(ctx); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if reader.committed != len(queue) {
		t.Fatalf("committed %d of %d", reader.committed, len(queue))
	}

	var applied int64
	db.Model(&models.AppliedEvent{}).Count(&applied)
	if applied != int64(len(events)) {
		t.Fatalf("applied %d events, want %d", applied, len(events))
	}
	var decoded types.LedgerEvent
	if err := json.Unmarshal(writer.msgs[0].Value, &decoded); err != nil || decoded.Sequence != events[0].Sequence {
		t.Fatalf("decode published event: %+v %v", decoded, err)
	}
}
