package escrow

import (
	"encoding/hex"
	"strconv"

	"p2pescrow/core/types"
	"p2pescrow/crypto"
)

const (
	EventTypeTradeFunded       = "trade.funded"
	EventTypeTradeReleased     = "trade.released"
	EventTypeTradeAutoReleased = "trade.auto_released"
	EventTypeTradeDisputed     = "trade.disputed"
	EventTypeTradeResolved     = "trade.resolved"
)

// NewTradeFundedEvent returns the canonical payload for a newly funded trade.
func NewTradeFundedEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeTradeFunded, t)
}

// NewTradeReleasedEvent returns the payload emitted when the seller is paid
// without a dispute.
func NewTradeReleasedEvent(t *Trade, automatic bool) *types.Event {
	if automatic {
		return newTradeEvent(EventTypeTradeAutoReleased, t)
	}
	return newTradeEvent(EventTypeTradeReleased, t)
}

// NewTradeDisputedEvent returns the payload emitted when a party contests the
// trade.
func NewTradeDisputedEvent(t *Trade, openedBy [20]byte) *types.Event {
	evt := newTradeEvent(EventTypeTradeDisputed, t)
	evt.Attributes["openedBy"] = formatAddress(openedBy)
	return evt
}

// NewTradeResolvedEvent returns the payload emitted after arbitration settles
// the trade.
func NewTradeResolvedEvent(t *Trade) *types.Event {
	return newTradeEvent(EventTypeTradeResolved, t)
}

func formatAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.SettlementPrefix, addr[:]).String()
}

func newTradeEvent(eventType string, t *Trade) *types.Event {
	attrs := map[string]string{
		"tradeId":         hex.EncodeToString(t.ID[:]),
		"orderRef":        t.OrderRef,
		"buyer":           formatAddress(t.Buyer),
		"seller":          formatAddress(t.Seller),
		"amount":          cloneBigInt(t.Amount).String(),
		"status":          t.Status.String(),
		"fundedAt":        strconv.FormatInt(t.FundedAt, 10),
		"releaseTime":     strconv.FormatInt(t.ReleaseTime, 10),
		"disputeDeadline": strconv.FormatInt(t.DisputeDeadline, 10),
	}
	if t.Outcome != OutcomeNone {
		attrs["outcome"] = t.Outcome.String()
		attrs["resolvedAt"] = strconv.FormatInt(t.ResolvedAt, 10)
		attrs["platformFee"] = cloneBigInt(t.PlatformFee).String()
	}
	if t.DisputeFee != nil && t.DisputeFee.Sign() > 0 {
		attrs["disputeFee"] = t.DisputeFee.String()
	}
	if t.DisputeID != ([32]byte{}) {
		attrs["disputeId"] = hex.EncodeToString(t.DisputeID[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
