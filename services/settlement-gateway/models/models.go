package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Side is the direction of an order from the owner's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side an order matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus represents a state in the order lifecycle.
type OrderStatus string

// All order states.
const (
	OrderCreated   OrderStatus = "created"
	OrderMatched   OrderStatus = "matched"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// CancelReasonExpired marks orders cancelled by the expiry sweep.
const CancelReasonExpired = "expired"

// Order is a buy or sell intent posted to the order book. SettlementAmount is
// derived from Principal and ExchangeRate and only changes through a split.
type Order struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ParentID         *uuid.UUID      `gorm:"type:uuid;index" json:"parentId,omitempty"`
	Owner            string          `gorm:"size:128;index;not null" json:"owner"`
	Side             Side            `gorm:"size:8;index;not null" json:"side"`
	Principal        decimal.Decimal `gorm:"type:decimal(38,6);not null" json:"principal"`
	Currency         string          `gorm:"size:16;not null" json:"currency"`
	Provider         string          `gorm:"size:64;index;not null" json:"provider"`
	CountryCode      string          `gorm:"size:8;index;not null" json:"countryCode"`
	RecipientRef     string          `gorm:"size:128" json:"recipientRef,omitempty"`
	PhoneRef         string          `gorm:"size:64" json:"phoneRef,omitempty"`
	ExchangeRate     decimal.Decimal `gorm:"type:decimal(38,6);not null" json:"exchangeRate"`
	SettlementAmount decimal.Decimal `gorm:"type:decimal(38,6);not null" json:"settlementAmount"`
	Counterparty     string          `gorm:"size:128;index" json:"counterparty,omitempty"`
	Status           OrderStatus     `gorm:"size:16;index;not null" json:"status"`
	CancelReason     string          `gorm:"size:64" json:"cancelReason,omitempty"`
	ExpiresAt        *time.Time      `gorm:"index" json:"expiresAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TradeMirror is the gateway's cached view of an escrow trade. LastSeq is the
// ledger sequence of the newest event applied to the row.
type TradeMirror struct {
	ID              string    `gorm:"size:64;primaryKey" json:"id"`
	OrderRef        string    `gorm:"size:64;index" json:"orderRef"`
	Buyer           string    `gorm:"size:96;index" json:"buyer"`
	Seller          string    `gorm:"size:96;index" json:"seller"`
	Amount          string    `gorm:"size:80" json:"amount"`
	Status          string    `gorm:"size:16;index" json:"status"`
	Outcome         string    `gorm:"size:16" json:"outcome,omitempty"`
	DisputeID       string    `gorm:"size:64" json:"disputeId,omitempty"`
	FundedAt        int64     `json:"fundedAt"`
	ReleaseTime     int64     `json:"releaseTime"`
	DisputeDeadline int64     `json:"disputeDeadline"`
	ResolvedAt      int64     `json:"resolvedAt,omitempty"`
	LastSeq         uint64    `gorm:"not null;default:0" json:"lastSeq"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DisputeMirror caches the latest known dispute state.
type DisputeMirror struct {
	ID             string    `gorm:"size:64;primaryKey" json:"id"`
	TradeID        string    `gorm:"size:64;index" json:"tradeId"`
	OpenedBy       string    `gorm:"size:96" json:"openedBy"`
	Resolvers      string    `gorm:"type:text" json:"resolvers"`
	Status         string    `gorm:"size:16;index" json:"status"`
	Outcome        string    `gorm:"size:16" json:"outcome,omitempty"`
	VotesForSeller uint32    `json:"votesForSeller"`
	VotesForBuyer  uint32    `json:"votesForBuyer"`
	CommitDeadline int64     `json:"commitDeadline"`
	RevealDeadline int64     `json:"revealDeadline"`
	Fee            string    `gorm:"size:80" json:"fee,omitempty"`
	LastSeq        uint64    `gorm:"not null;default:0" json:"lastSeq"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// AppliedEvent records a ledger event already folded into the mirror. The
// fingerprint is stable across replays of the same event.
type AppliedEvent struct {
	Fingerprint string    `gorm:"size:64;primaryKey"`
	Sequence    uint64    `gorm:"index"`
	Type        string    `gorm:"size:64"`
	AppliedAt   time.Time `gorm:"not null"`
}

// ReconCursor stores the highest ledger sequence the reconciler has seen.
type ReconCursor struct {
	Name      string `gorm:"size:32;primaryKey"`
	Sequence  uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

// IdempotencyKey stores request idempotency references.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:16"`
	Path      string `gorm:"size:256"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate applies database migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Order{}, &TradeMirror{}, &DisputeMirror{}, &AppliedEvent{}, &ReconCursor{}, &IdempotencyKey{})
}
