package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

const (
	cursorName      = "ledger"
	defaultPage     = 200
	defaultSeqDepth = 1000
)

// Source pages committed ledger events after a sequence number.
type Source interface {
	EventsSince(ctx context.Context, after uint64, limit int) ([]*types.LedgerEvent, error)
}

// Authority answers point reads against the authoritative ledger.
type Authority interface {
	Trade(id [32]byte) (*escrow.Trade, error)
	Dispute(id [32]byte) (*arbitration.Dispute, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	Source    Source
	Authority Authority
	// Depth is how many sequences before the stored cursor each run re-reads.
	Depth     uint64
	PageSize  int
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Logger    *slog.Logger
}

// RunOptions specifies overrides for a single run.
type RunOptions struct {
	// From forces the first sequence to re-read; zero uses cursor - depth.
	From   uint64
	DryRun bool
}

// RunResult summarises a reconciliation pass.
type RunResult struct {
	From        uint64
	To          uint64
	Scanned     int
	Repaired    int
	Drift       []DriftRow
	CSVPath     string
	ParquetPath string
}

// DriftRow records one field where the mirror disagreed with the ledger.
type DriftRow struct {
	Kind     string
	ID       string
	Field    string
	Mirror   string
	Ledger   string
	Repaired bool
}

// Reconciler re-derives mirror rows from the ledger event log and heals drift.
type Reconciler struct {
	db        *gorm.DB
	source    Source
	authority Authority
	applier   *Applier
	depth     uint64
	pageSize  int
	outputDir string
	dryRun    bool
	now       func() time.Time
	logger    *slog.Logger
}

// NewReconciler validates cfg and builds a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: database required")
	}
	if cfg.Source == nil {
		return nil, errors.New("recon: event source required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	depth := cfg.Depth
	if depth == 0 {
		depth = defaultSeqDepth
	}
	page := cfg.PageSize
	if page <= 0 {
		page = defaultPage
	}
	applier := NewApplier(cfg.DB)
	applier.now = now
	return &Reconciler{
		db:        cfg.DB,
		source:    cfg.Source,
		authority: cfg.Authority,
		applier:   applier,
		depth:     depth,
		pageSize:  page,
		outputDir: cfg.OutputDir,
		dryRun:    cfg.DryRun,
		now:       now,
		logger:    logger.With("component", "recon"),
	}, nil
}

// Applier exposes the mirror applier shared with the live event path.
func (r *Reconciler) Applier() *Applier {
	return r.applier
}

// Run replays the event window into the mirror, verifies touched rows
// against the authority and writes a drift report. Runs are safe to repeat
// and to overlap with live event application.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	start := r.now()
	defer func() { metrics.Settlement().ObserveReconDuration(r.now().Sub(start)) }()
	dryRun := r.dryRun || opts.DryRun

	cursor, err := r.loadCursor(ctx)
	if err != nil {
		return nil, err
	}
	from := opts.From
	if from == 0 && cursor > r.depth {
		from = cursor - r.depth
	}
	result := &RunResult{From: from, To: from}

	trades := make(map[string]struct{})
	disputes := make(map[string]struct{})
	after := from
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		page, err := r.source.EventsSince(ctx, after, r.pageSize)
		if err != nil {
			return result, fmt.Errorf("recon: read events after %d: %w", after, err)
		}
		if len(page) == 0 {
			break
		}
		for _, evt := range page {
			result.Scanned++
			after = evt.Sequence
			if id := evt.Attr("tradeId"); id != "" {
				trades[id] = struct{}{}
			}
			if id := evt.Attr("disputeId"); id != "" {
				disputes[id] = struct{}{}
			}
			if dryRun {
				continue
			}
			applied, err := r.applier.Apply(ctx, evt)
			if err != nil {
				return result, err
			}
			if applied {
				result.Repaired++
				metrics.Settlement().ObserveReconRepair("replayed_event")
			}
		}
		if len(page) < r.pageSize {
			break
		}
	}
	result.To = after

	if r.authority != nil {
		drift, err := r.verify(ctx, trades, disputes, dryRun)
		if err != nil {
			return result, err
		}
		result.Drift = drift
	}

	if !dryRun && after > cursor {
		if err := r.saveCursor(ctx, after); err != nil {
			return result, err
		}
	}

	if len(result.Drift) > 0 && r.outputDir != "" {
		csvPath, parquetPath, err := writeReportFiles(r.outputDir, r.now().UTC(), result.Drift)
		if err != nil {
			return result, err
		}
		result.CSVPath, result.ParquetPath = csvPath, parquetPath
	}

	r.logger.Info("reconciliation finished",
		"from", result.From, "to", result.To, "scanned", result.Scanned,
		"repaired", result.Repaired, "drift", len(result.Drift), "dry_run", dryRun)
	return result, nil
}

func (r *Reconciler) verify(ctx context.Context, trades, disputes map[string]struct{}, dryRun bool) ([]DriftRow, error) {
	var drift []DriftRow
	for id := range trades {
		tradeID, err := crypto.ParseHash(id)
		if err != nil {
			continue
		}
		trade, err := r.authority.Trade(tradeID)
		if err != nil {
			return drift, fmt.Errorf("recon: load trade %s: %w", id, err)
		}
		var row models.TradeMirror
		missing := false
		if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return drift, err
			}
			missing = true
			row.ID = id
		}
		rows := tradeDrift(&row, trade)
		if missing {
			rows = []DriftRow{{Kind: "trade", ID: id, Field: "row", Mirror: "missing", Ledger: trade.Status.String()}}
		}
		if len(rows) == 0 {
			continue
		}
		if !dryRun {
			if err := r.healTrade(ctx, trade); err != nil {
				return drift, err
			}
			for i := range rows {
				rows[i].Repaired = true
			}
			metrics.Settlement().ObserveReconRepair("trade")
		}
		drift = append(drift, rows...)
	}
	for id := range disputes {
		disputeID, err := crypto.ParseHash(id)
		if err != nil {
			continue
		}
		d, err := r.authority.Dispute(disputeID)
		if err != nil {
			return drift, fmt.Errorf("recon: load dispute %s: %w", id, err)
		}
		var row models.DisputeMirror
		missing := false
		if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return drift, err
			}
			missing = true
			row.ID = id
		}
		rows := disputeDrift(&row, d)
		if missing {
			rows = []DriftRow{{Kind: "dispute", ID: id, Field: "row", Mirror: "missing", Ledger: d.Status.String()}}
		}
		if len(rows) == 0 {
			continue
		}
		if !dryRun {
			if err := r.healDispute(ctx, d); err != nil {
				return drift, err
			}
			for i := range rows {
				rows[i].Repaired = true
			}
			metrics.Settlement().ObserveReconRepair("dispute")
		}
		drift = append(drift, rows...)
	}
	return drift, nil
}

// healTrade overwrites the mirror row with the authoritative trade. LastSeq
// is left untouched so later live events still apply.
func (r *Reconciler) healTrade(ctx context.Context, t *escrow.Trade) error {
	row := models.TradeMirror{
		ID:              crypto.FormatHash(t.ID),
		OrderRef:        t.OrderRef,
		Buyer:           crypto.FormatAddress(t.Buyer),
		Seller:          crypto.FormatAddress(t.Seller),
		Amount:          t.Amount.String(),
		Status:          t.Status.String(),
		Outcome:         t.Outcome.String(),
		FundedAt:        t.FundedAt,
		ReleaseTime:     t.ReleaseTime,
		DisputeDeadline: t.DisputeDeadline,
		ResolvedAt:      t.ResolvedAt,
		UpdatedAt:       r.now().UTC(),
	}
	if t.DisputeID != ([32]byte{}) {
		row.DisputeID = crypto.FormatHash(t.DisputeID)
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"order_ref", "buyer", "seller", "amount", "status", "outcome", "dispute_id", "funded_at", "release_time", "dispute_deadline", "resolved_at", "updated_at"}),
	}).Create(&row).Error
}

func (r *Reconciler) healDispute(ctx context.Context, d *arbitration.Dispute) error {
	row := models.DisputeMirror{
		ID:             crypto.FormatHash(d.ID),
		TradeID:        crypto.FormatHash(d.TradeID),
		OpenedBy:       crypto.FormatAddress(d.OpenedBy),
		Resolvers:      joinAddresses(d.Resolvers),
		Status:         d.Status.String(),
		Outcome:        d.Outcome.String(),
		VotesForSeller: d.VotesForSeller,
		VotesForBuyer:  d.VotesForBuyer,
		CommitDeadline: d.CommitDeadline,
		RevealDeadline: d.RevealDeadline,
		UpdatedAt:      r.now().UTC(),
	}
	if d.Status == arbitration.DisputeResolved && d.Fee != nil {
		row.Fee = d.Fee.String()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"trade_id", "opened_by", "resolvers", "status", "outcome", "votes_for_seller", "votes_for_buyer", "commit_deadline", "reveal_deadline", "fee", "updated_at"}),
	}).Create(&row).Error
}

func joinAddresses(addrs [][20]byte) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = crypto.FormatAddress(addr)
	}
	return strings.Join(parts, ",")
}

func (r *Reconciler) loadCursor(ctx context.Context) (uint64, error) {
	var cursor models.ReconCursor
	err := r.db.WithContext(ctx).First(&cursor, "name = ?", cursorName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("recon: load cursor: %w", err)
	}
	return cursor.Sequence, nil
}

func (r *Reconciler) saveCursor(ctx context.Context, seq uint64) error {
	cursor := models.ReconCursor{Name: cursorName, Sequence: seq, UpdatedAt: r.now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"sequence", "updated_at"}),
	}).Create(&cursor).Error
}
