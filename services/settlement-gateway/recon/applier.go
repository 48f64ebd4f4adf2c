package recon

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"p2pescrow/core/types"
	"p2pescrow/crypto"
	"p2pescrow/native/arbitration"
	"p2pescrow/native/escrow"
	"p2pescrow/observability/metrics"
	"p2pescrow/services/settlement-gateway/models"
)

// Applier folds ledger events into the gorm mirror. Each event is recorded in
// the applied-event table under its fingerprint, and mirror rows only move
// forward in sequence, so replaying any event is a no-op.
type Applier struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewApplier builds an applier over db.
func NewApplier(db *gorm.DB) *Applier {
	return &Applier{db: db, now: time.Now, logger: slog.Default().With("component", "recon")}
}

// Fingerprint returns the idempotency key of a ledger event.
func Fingerprint(evt *types.LedgerEvent) string {
	attrs := make(map[string]string, len(evt.Attributes)+1)
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	attrs["@sequence"] = strconv.FormatUint(evt.Sequence, 10)
	return crypto.EventFingerprint(evt.Type, attrs)
}

// Apply folds evt into the mirror and reports whether it was new.
func (a *Applier) Apply(ctx context.Context, evt *types.LedgerEvent) (bool, error) {
	if evt == nil {
		return false, nil
	}
	applied := false
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := a.now().UTC()
		marker := models.AppliedEvent{
			Fingerprint: Fingerprint(evt),
			Sequence:    evt.Sequence,
			Type:        evt.Type,
			AppliedAt:   now,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		switch {
		case strings.HasPrefix(evt.Type, "trade."):
			return casUpsert(tx, &models.TradeMirror{}, evt.Attr("tradeId"), evt.Sequence, now, tradeFields(evt))
		case strings.HasPrefix(evt.Type, "dispute."):
			return casUpsert(tx, &models.DisputeMirror{}, evt.Attr("disputeId"), evt.Sequence, now, disputeFields(evt))
		}
		return nil
	})
	if err != nil {
		metrics.Settlement().ObserveMirrorApplyFailure(evt.Type)
		a.logger.Error("mirror apply failed", "seq", evt.Sequence, "event", evt.Type, "error", err)
		return false, err
	}
	return applied, nil
}

// ApplyAll applies a batch in order and returns how many events were new.
func (a *Applier) ApplyAll(ctx context.Context, events []*types.LedgerEvent) (int, error) {
	n := 0
	for _, evt := range events {
		ok, err := a.Apply(ctx, evt)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Publish lets the applier act as an in-process ledger publisher.
func (a *Applier) Publish(ctx context.Context, events []*types.LedgerEvent) error {
	_, err := a.ApplyAll(ctx, events)
	return err
}

// casUpsert writes fields to the row identified by id when seq is newer than
// the row's last applied sequence, creating the row if it does not exist.
func casUpsert(tx *gorm.DB, model interface{}, id string, seq uint64, now time.Time, fields map[string]interface{}) error {
	if id == "" {
		return fmt.Errorf("recon: event without entity id")
	}
	fields["last_seq"] = seq
	fields["updated_at"] = now

	res := tx.Model(model).Where("id = ? AND last_seq < ?", id, seq).Updates(fields)
	if res.Error != nil || res.RowsAffected > 0 {
		return res.Error
	}
	var count int64
	if err := tx.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		// Row already reflects a newer event.
		return nil
	}
	row := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		row[k] = v
	}
	row["id"] = id
	return tx.Model(model).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

func tradeFields(evt *types.LedgerEvent) map[string]interface{} {
	fields := map[string]interface{}{
		"status": evt.Attr("status"),
	}
	setString(fields, evt, "order_ref", "orderRef")
	setString(fields, evt, "buyer", "buyer")
	setString(fields, evt, "seller", "seller")
	setString(fields, evt, "amount", "amount")
	setString(fields, evt, "outcome", "outcome")
	setString(fields, evt, "dispute_id", "disputeId")
	setInt(fields, evt, "funded_at", "fundedAt")
	setInt(fields, evt, "release_time", "releaseTime")
	setInt(fields, evt, "dispute_deadline", "disputeDeadline")
	setInt(fields, evt, "resolved_at", "resolvedAt")
	return fields
}

func disputeFields(evt *types.LedgerEvent) map[string]interface{} {
	fields := map[string]interface{}{
		"status": evt.Attr("status"),
	}
	setString(fields, evt, "trade_id", "tradeId")
	setString(fields, evt, "opened_by", "openedBy")
	setString(fields, evt, "resolvers", "resolvers")
	setString(fields, evt, "outcome", "outcome")
	setString(fields, evt, "fee", "fee")
	setInt(fields, evt, "commit_deadline", "commitDeadline")
	setInt(fields, evt, "reveal_deadline", "revealDeadline")
	setUint32(fields, evt, "votes_for_seller", "votesForSeller")
	setUint32(fields, evt, "votes_for_buyer", "votesForBuyer")
	return fields
}

func setString(fields map[string]interface{}, evt *types.LedgerEvent, column, attr string) {
	if v, ok := evt.Attributes[attr]; ok {
		fields[column] = v
	}
}

func setInt(fields map[string]interface{}, evt *types.LedgerEvent, column, attr string) {
	if v, ok := evt.Attributes[attr]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fields[column] = n
		}
	}
}

func setUint32(fields map[string]interface{}, evt *types.LedgerEvent, column, attr string) {
	if v, ok := evt.Attributes[attr]; ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			fields[column] = uint32(n)
		}
	}
}

// tradeDrift compares a mirror row with the authoritative trade.
func tradeDrift(row *models.TradeMirror, trade *escrow.Trade) []DriftRow {
	var out []DriftRow
	add := func(field, mirror, ledger string) {
		if mirror != ledger {
			out = append(out, DriftRow{Kind: "trade", ID: row.ID, Field: field, Mirror: mirror, Ledger: ledger})
		}
	}
	add("status", row.Status, trade.Status.String())
	add("outcome", row.Outcome, trade.Outcome.String())
	add("amount", row.Amount, trade.Amount.String())
	return out
}

func disputeDrift(row *models.DisputeMirror, d *arbitration.Dispute) []DriftRow {
	var out []DriftRow
	add := func(field, mirror, ledger string) {
		if mirror != ledger {
			out = append(out, DriftRow{Kind: "dispute", ID: row.ID, Field: field, Mirror: mirror, Ledger: ledger})
		}
	}
	add("status", row.Status, d.Status.String())
	add("outcome", row.Outcome, d.Outcome.String())
	add("votes_for_seller", strconv.FormatUint(uint64(row.VotesForSeller), 10), strconv.FormatUint(uint64(d.VotesForSeller), 10))
	add("votes_for_buyer", strconv.FormatUint(uint64(row.VotesForBuyer), 10), strconv.FormatUint(uint64(d.VotesForBuyer), 10))
	return out
}
