// Package orderbook holds open buy and sell intents and proposes
// counterparties for them.
package orderbook

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/services/settlement-gateway/models"
)

// Order is the persisted order record.
type Order = models.Order

// SettlementScale is the number of decimal places kept on settlement amounts.
const SettlementScale = 6

const (
	defaultMaxCandidates = 5
	candidateScanLimit   = 500
)

var (
	ErrOrderNotFound     = coreerrors.New(coreerrors.ErrNotFound, "order_not_found", "orderbook: order not found")
	ErrOrderNotOpen      = coreerrors.New(coreerrors.ErrStateConflict, "order_not_open", "orderbook: order is no longer open")
	ErrNotOrderOwner     = coreerrors.New(coreerrors.ErrUnauthorized, "not_order_owner", "orderbook: only the creator may cancel an order")
	ErrSelfMatch         = coreerrors.New(coreerrors.ErrValidation, "self_match", "orderbook: cannot match your own order")
	ErrTooManyOpenOrders = coreerrors.New(coreerrors.ErrStateConflict, "too_many_open_orders", "orderbook: open order limit reached")
	ErrIncompatible      = coreerrors.New(coreerrors.ErrValidation, "orders_incompatible", "orderbook: counter order does not pair with this order")
	ErrInvalidFill       = coreerrors.New(coreerrors.ErrValidation, "invalid_fill", "orderbook: fill amount must be positive and not exceed the principal")
)

func invalid(code, msg string) error {
	return coreerrors.New(coreerrors.ErrValidation, code, "orderbook: "+msg)
}

// Config tunes the matching engine.
type Config struct {
	MaxOpenOrders int
	OrderTTL      time.Duration
	MaxCandidates int
	// ScanLimit caps the rows FindMatches reads after SQL ranking.
	ScanLimit     int
}

// Service is the order matching engine.
type Service struct {
	db    *gorm.DB
	rates RateSource
	cfg   Config
	now   func() time.Time
}

// New builds the engine over db.
func New(db *gorm.DB, rates RateSource, cfg Config) *Service {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaultMaxCandidates
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = candidateScanLimit
	}
	return &Service{db: db, rates: rates, cfg: cfg, now: time.Now}
}

// SetNowFunc overrides the clock.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// SubmitRequest carries a new intent. ExchangeRate is optional; the rate
// source is consulted when it is absent.
type SubmitRequest struct {
	Owner        string           `json:"-"`
	Side         models.Side      `json:"side"`
	Principal    decimal.Decimal  `json:"principal"`
	Currency     string           `json:"currency"`
	Provider     string           `json:"provider"`
	CountryCode  string           `json:"countryCode"`
	RecipientRef string           `json:"recipientRef,omitempty"`
	PhoneRef     string           `json:"phoneRef,omitempty"`
	ExchangeRate *decimal.Decimal `json:"exchangeRate,omitempty"`
}

func (r *SubmitRequest) normalize() error {
	r.Owner = strings.TrimSpace(r.Owner)
	r.Side = models.Side(strings.ToLower(strings.TrimSpace(string(r.Side))))
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Provider = strings.TrimSpace(r.Provider)
	r.CountryCode = strings.ToUpper(strings.TrimSpace(r.CountryCode))
	switch {
	case r.Owner == "":
		return invalid("owner_required", "owner is required")
	case !r.Side.Valid():
		return invalid("invalid_side", "side must be buy or sell")
	case !r.Principal.IsPositive():
		return invalid("invalid_principal", "principal must be positive")
	case r.Currency == "":
		return invalid("currency_required", "currency is required")
	case r.Provider == "":
		return invalid("provider_required", "provider is required")
	case r.CountryCode == "":
		return invalid("country_required", "country code is required")
	case r.ExchangeRate != nil && !r.ExchangeRate.IsPositive():
		return invalid("invalid_rate", "exchange rate must be positive")
	}
	return nil
}

// SettlementAmount converts a principal at rate, rounded down to
// SettlementScale places.
func SettlementAmount(principal, rate decimal.Decimal) decimal.Decimal {
	return principal.DivRound(rate, SettlementScale+6).Truncate(SettlementScale)
}

// Submit validates and persists an order and returns it with its best
// candidate counter-orders.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Order, []*Order, error) {
	if err := req.normalize(); err != nil {
		return nil, nil, err
	}
	var rate decimal.Decimal
	if req.ExchangeRate != nil {
		rate = *req.ExchangeRate
	} else {
		quoted, err := s.rates.Rate(ctx, req.Currency)
		if err != nil {
			return nil, nil, err
		}
		rate = quoted
	}

	now := s.now().UTC()
	order := &Order{
		ID:               uuid.New(),
		Owner:            req.Owner,
		Side:             req.Side,
		Principal:        req.Principal,
		Currency:         req.Currency,
		Provider:         req.Provider,
		CountryCode:      req.CountryCode,
		RecipientRef:     req.RecipientRef,
		PhoneRef:         req.PhoneRef,
		ExchangeRate:     rate,
		SettlementAmount: SettlementAmount(req.Principal, rate),
		Status:           models.OrderCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if s.cfg.OrderTTL > 0 {
		expires := now.Add(s.cfg.OrderTTL)
		order.ExpiresAt = &expires
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.cfg.MaxOpenOrders > 0 {
			var open int64
			if err := tx.Model(&Order{}).Where("owner = ? AND status = ?", order.Owner, models.OrderCreated).Count(&open).Error; err != nil {
				return err
			}
			if open >= int64(s.cfg.MaxOpenOrders) {
				return ErrTooManyOpenOrders
			}
		}
		return tx.Create(order).Error
	})
	if err != nil {
		return nil, nil, err
	}

	candidates, err := s.FindMatches(ctx, order)
	if err != nil {
		return order, nil, err
	}
	return order, candidates, nil
}

// Compatible applies the loose principal filter: amounts may differ by at most
// half of the larger one.
func Compatible(a, b decimal.Decimal) bool {
	larger := decimal.Max(a, b)
	return a.Sub(b).Abs().LessThanOrEqual(larger.Div(decimal.NewFromInt(2)))
}

// RankCandidates orders candidates by price-time priority for an order on
// side: buy orders prefer the lowest rate, sell orders the highest, ties go to
// the earliest creation.
func RankCandidates(side models.Side, candidates []*Order) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if cmp := a.ExchangeRate.Cmp(b.ExchangeRate); cmp != 0 {
			if side == models.SideBuy {
				return cmp < 0
			}
			return cmp > 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// FindMatches returns open opposite-side orders for the same provider and
// country that pass the compatibility filter, best first. The principal band
// and price-time order are applied in SQL so the scan window always holds the
// best-priced rows.
func (s *Service) FindMatches(ctx context.Context, order *Order) ([]*Order, error) {
	if order == nil {
		return nil, ErrOrderNotFound
	}
	now := s.now().UTC()
	// Compatible pairs lie in [p/2, 2p]; the band is widened by one unit of
	// the stored scale and Compatible decides exactly.
	epsilon := decimal.New(1, -SettlementScale)
	lower := order.Principal.Div(decimal.NewFromInt(2)).Sub(epsilon)
	upper := order.Principal.Mul(decimal.NewFromInt(2)).Add(epsilon)
	var rows []*Order
	err := s.db.WithContext(ctx).
		Where("side = ? AND provider = ? AND country_code = ? AND status = ?", order.Side.Opposite(), order.Provider, order.CountryCode, models.OrderCreated).
		Where("owner <> ? AND id <> ?", order.Owner, order.ID).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("principal >= ? AND principal <= ?", lower, upper).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "exchange_rate"}, Desc: order.Side != models.SideBuy}).
		Order("created_at ASC").
		Limit(s.cfg.ScanLimit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	candidates := rows[:0]
	for _, row := range rows {
		if Compatible(order.Principal, row.Principal) {
			candidates = append(candidates, row)
		}
	}
	RankCandidates(order.Side, candidates)
	if len(candidates) > s.cfg.MaxCandidates {
		candidates = candidates[:s.cfg.MaxCandidates]
	}
	return candidates, nil
}

// MatchRequest pairs an order with a counterparty. A FillAmount below the
// principal splits the order.
type MatchRequest struct {
	OrderID        uuid.UUID        `json:"-"`
	Counterparty   string           `json:"counterpartyId"`
	CounterOrderID *uuid.UUID       `json:"counterOrderId,omitempty"`
	RecipientRef   string           `json:"recipientRef,omitempty"`
	FillAmount     *decimal.Decimal `json:"fillAmount,omitempty"`
}

// MatchResult reports the matched order and, after a split, the reduced
// parent still open for matching.
type MatchResult struct {
	Order   *Order `json:"order"`
	Parent  *Order `json:"parent,omitempty"`
	Counter *Order `json:"counterOrder,omitempty"`
}

// Match fully matches or splits an order. Every status change is a
// compare-and-swap on the created status.
func (s *Service) Match(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	counterparty := strings.TrimSpace(req.Counterparty)
	if counterparty == "" {
		return nil, invalid("counterparty_required", "counterparty is required")
	}
	now := s.now().UTC()
	result := &MatchResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOpen(tx, req.OrderID, now)
		if err != nil {
			return err
		}
		if order.Owner == counterparty {
			return ErrSelfMatch
		}

		if req.CounterOrderID != nil {
			counter, err := s.lockOpen(tx, *req.CounterOrderID, now)
			if err != nil {
				return err
			}
			if counter.Owner != counterparty || counter.Side != order.Side.Opposite() ||
				counter.Provider != order.Provider || counter.CountryCode != order.CountryCode {
				return ErrIncompatible
			}
			if err := casMatched(tx, counter, order.Owner, "", now); err != nil {
				return err
			}
			result.Counter = counter
		}

		fill := order.Principal
		if req.FillAmount != nil {
			fill = *req.FillAmount
		}
		if !fill.IsPositive() || fill.GreaterThan(order.Principal) {
			return ErrInvalidFill
		}
		if fill.Equal(order.Principal) {
			if err := casMatched(tx, order, counterparty, req.RecipientRef, now); err != nil {
				return err
			}
			result.Order = order
			return nil
		}

		child, err := split(tx, order, fill, now)
		if err != nil {
			return err
		}
		if err := casMatched(tx, child, counterparty, req.RecipientRef, now); err != nil {
			return err
		}
		result.Order = child
		result.Parent = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// split carves fill off parent into a new child order. The child settlement
// amount is derived from the fill; the parent keeps the exact remainder so the
// two always sum to the pre-split values.
func split(tx *gorm.DB, parent *Order, fill decimal.Decimal, now time.Time) (*Order, error) {
	childSettlement := SettlementAmount(fill, parent.ExchangeRate)
	if childSettlement.GreaterThan(parent.SettlementAmount) {
		childSettlement = parent.SettlementAmount
	}
	remainingPrincipal := parent.Principal.Sub(fill)
	remainingSettlement := parent.SettlementAmount.Sub(childSettlement)

	res := tx.Model(&Order{}).
		Where("id = ? AND status = ?", parent.ID, models.OrderCreated).
		Updates(map[string]interface{}{
			"principal":         remainingPrincipal,
			"settlement_amount": remainingSettlement,
			"updated_at":        now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, ErrOrderNotOpen
	}

	parentID := parent.ID
	child := &Order{
		ID:               uuid.New(),
		ParentID:         &parentID,
		Owner:            parent.Owner,
		Side:             parent.Side,
		Principal:        fill,
		Currency:         parent.Currency,
		Provider:         parent.Provider,
		CountryCode:      parent.CountryCode,
		RecipientRef:     parent.RecipientRef,
		PhoneRef:         parent.PhoneRef,
		ExchangeRate:     parent.ExchangeRate,
		SettlementAmount: childSettlement,
		Status:           models.OrderCreated,
		ExpiresAt:        parent.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.Create(child).Error; err != nil {
		return nil, err
	}
	parent.Principal = remainingPrincipal
	parent.SettlementAmount = remainingSettlement
	parent.UpdatedAt = now
	return child, nil
}

func casMatched(tx *gorm.DB, order *Order, counterparty, recipientRef string, now time.Time) error {
	updates := map[string]interface{}{
		"status":       models.OrderMatched,
		"counterparty": counterparty,
		"updated_at":   now,
	}
	if recipientRef != "" {
		updates["recipient_ref"] = recipientRef
	}
	res := tx.Model(&Order{}).Where("id = ? AND status = ?", order.ID, models.OrderCreated).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrOrderNotOpen
	}
	order.Status = models.OrderMatched
	order.Counterparty = counterparty
	if recipientRef != "" {
		order.RecipientRef = recipientRef
	}
	order.UpdatedAt = now
	return nil
}

func (s *Service) lockOpen(tx *gorm.DB, id uuid.UUID, now time.Time) (*Order, error) {
	var order Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.Status != models.OrderCreated {
		return nil, ErrOrderNotOpen
	}
	if order.ExpiresAt != nil && !order.ExpiresAt.After(now) {
		return nil, ErrOrderNotOpen
	}
	return &order, nil
}

// Cancel withdraws an open order. Only its creator may cancel it.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, requester string) (*Order, error) {
	var out *Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order Order
		if err := tx.First(&order, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.Owner != strings.TrimSpace(requester) {
			return ErrNotOrderOwner
		}
		now := s.now().UTC()
		res := tx.Model(&Order{}).Where("id = ? AND status = ?", id, models.OrderCreated).Updates(map[string]interface{}{
			"status":     models.OrderCancelled,
			"updated_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrOrderNotOpen
		}
		order.Status = models.OrderCancelled
		order.UpdatedAt = now
		out = &order
		return nil
	})
	return out, err
}

// Get loads an order by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	var order Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// StatusAny lists orders in every status.
const StatusAny models.OrderStatus = "any"

// Filter narrows List results. Zero values are ignored except Status, which
// defaults to open orders.
type Filter struct {
	Owner    string
	Side     models.Side
	Status   models.OrderStatus
	Provider string
	Country  string
	Min      *decimal.Decimal
	Max      *decimal.Decimal
	Limit    int
}

// List returns orders matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*Order, error) {
	q := s.db.WithContext(ctx).Model(&Order{})
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}
	if f.Side != "" {
		q = q.Where("side = ?", f.Side)
	}
	switch f.Status {
	case "":
		q = q.Where("status = ?", models.OrderCreated)
	case StatusAny:
	default:
		q = q.Where("status = ?", f.Status)
	}
	if f.Provider != "" {
		q = q.Where("provider = ?", f.Provider)
	}
	if f.Country != "" {
		q = q.Where("country_code = ?", strings.ToUpper(f.Country))
	}
	limit := f.Limit
	if limit <= 0 || limit > candidateScanLimit {
		limit = 100
	}
	var rows []*Order
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(rows))
	for _, row := range rows {
		if f.Min != nil && row.Principal.LessThan(*f.Min) {
			continue
		}
		if f.Max != nil && row.Principal.GreaterThan(*f.Max) {
			continue
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SweepExpired cancels unmatched orders whose expiry has passed and returns
// how many were cancelled.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.OrderCreated, now.UTC()).
		Updates(map[string]interface{}{
			"status":        models.OrderCancelled,
			"cancel_reason": models.CancelReasonExpired,
			"updated_at":    now.UTC(),
		})
	return res.RowsAffected, res.Error
}
