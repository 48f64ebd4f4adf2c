package server

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/crypto"
	"p2pescrow/native/arbitration"
	"p2pescrow/native/escrow"
	"p2pescrow/services/settlement-gateway/models"
	"p2pescrow/services/settlement-gateway/notify"
	"p2pescrow/services/settlement-gateway/orderbook"
)

var (
	errOrderNotMatched = coreerrors.New(coreerrors.ErrStateConflict, "order_not_matched", "order must be matched before funding")
	errNotBuyer        = coreerrors.New(coreerrors.ErrUnauthorized, "not_buyer", "only the buying party may fund the trade")
	errAmountMismatch  = coreerrors.New(coreerrors.ErrValidation, "amount_mismatch", "amount does not match the order settlement amount")
)

func hashParam(r *http.Request, name, code string) ([32]byte, error) {
	id, err := crypto.ParseHash(chi.URLParam(r, name))
	if err != nil {
		return [32]byte{}, coreerrors.New(coreerrors.ErrValidation, code, name+" must be a 32-byte hex identifier")
	}
	return id, nil
}

func parseOptionalHash(raw, code string) ([32]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return [32]byte{}, nil
	}
	h, err := crypto.ParseHash(raw)
	if err != nil {
		return [32]byte{}, coreerrors.New(coreerrors.ErrValidation, code, "value must be a 32-byte hex string")
	}
	return h, nil
}

// settlementUnits converts an order's settlement amount into ledger minor
// units.
func settlementUnits(o *models.Order) *big.Int {
	return o.SettlementAmount.Shift(orderbook.SettlementScale).BigInt()
}

// tradeParties returns the buyer and seller participant ids of a matched
// order.
func tradeParties(o *models.Order) (buyer, seller string) {
	if o.Side == models.SideBuy {
		return o.Owner, o.Counterparty
	}
	return o.Counterparty, o.Owner
}

// FundTrade locks the buyer's settlement amount in escrow for a matched order.
func (s *Server) FundTrade(w http.ResponseWriter, r *http.Request) {
	claims, callerAddr, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		OrderID   uuid.UUID `json:"orderId"`
		Amount    string    `json:"amount,omitempty"`
		ProofHash string    `json:"proofHash,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.Orders.Get(r.Context(), req.OrderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if order.Status != models.OrderMatched || order.Counterparty == "" {
		s.writeError(w, r, errOrderNotMatched)
		return
	}
	buyerID, sellerID := tradeParties(order)
	if claims.Subject != buyerID {
		s.writeError(w, r, errNotBuyer)
		return
	}
	sellerAddr, err := s.Directory.Resolve(r.Context(), sellerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount := settlementUnits(order)
	if req.Amount != "" {
		supplied, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
		if !ok || supplied.Cmp(amount) != 0 {
			s.writeError(w, r, errAmountMismatch)
			return
		}
	}
	proof, err := parseOptionalHash(req.ProofHash, "invalid_proof_hash")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	trade, err := s.Ledger.Fund(order.ID.String(), callerAddr, sellerAddr, amount, proof)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := newTradeView(trade)
	s.notifyParticipant(r.Context(), sellerID, "Trade funded", "The buyer funded escrow for your order.", notify.KindTradeFunded, map[string]string{
		"tradeId": view.ID,
		"orderId": order.ID.String(),
		"amount":  view.Amount,
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"trade":           view,
		"settlementTxRef": view.ID,
	})
}

// loadTradeFor returns the trade when the caller is a party or an admin.
func (s *Server) loadTradeFor(r *http.Request, id [32]byte) (*escrow.Trade, error) {
	claims, addr, err := s.caller(r)
	if err != nil && (claims == nil || !claims.IsAdmin()) {
		return nil, err
	}
	trade, err := s.Ledger.Trade(id)
	if err != nil {
		return nil, err
	}
	if !claims.IsAdmin() && !trade.IsParty(addr) && !s.Ledger.IsAdmin(addr) {
		return nil, errForbidden
	}
	return trade, nil
}

// GetTrade returns the trade to its parties and admins.
func (s *Server) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id", "invalid_trade_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trade, err := s.loadTradeFor(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTradeView(trade))
}

// ReleaseTrade records the buyer's confirmation and pays the seller.
func (s *Server) ReleaseTrade(w http.ResponseWriter, r *http.Request) {
	_, callerAddr, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := hashParam(r, "id", "invalid_trade_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trade, err := s.Ledger.ConfirmRelease(id, callerAddr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := newTradeView(trade)
	s.notifyAddress(r.Context(), trade.Seller, "Trade released", "Escrowed funds were released to you.", notify.KindTradeReleased, map[string]string{
		"tradeId": view.ID,
		"amount":  view.Amount,
	})
	writeJSON(w, http.StatusOK, view)
}

// OpenDispute escalates a funded trade to arbitration.
func (s *Server) OpenDispute(w http.ResponseWriter, r *http.Request) {
	_, callerAddr, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := hashParam(r, "id", "invalid_trade_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	dispute, err := s.Ledger.OpenDispute(id, callerAddr, strings.TrimSpace(req.Reason))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := newDisputeView(dispute, s.Ledger.Now())
	data := map[string]string{"disputeId": view.ID, "tradeId": view.TradeID}
	if trade, err := s.Ledger.Trade(id); err == nil {
		other := trade.Buyer
		if callerAddr == trade.Buyer {
			other = trade.Seller
		}
		s.notifyAddress(r.Context(), other, "Dispute opened", "Your counterparty opened a dispute.", notify.KindDisputeOpened, data)
	}
	for _, resolver := range dispute.Resolvers {
		s.notifyAddress(r.Context(), resolver, "Dispute assigned", "You were selected to arbitrate a dispute.", notify.KindDisputeAssigned, data)
	}
	writeJSON(w, http.StatusCreated, view)
}

// GetDispute returns the dispute to the trade parties and admins.
func (s *Server) GetDispute(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id", "invalid_dispute_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dispute, err := s.Ledger.Dispute(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.loadTradeFor(r, dispute.TradeID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(dispute, s.Ledger.Now()))
}

// CommitVote stores a panel member's sealed ballot.
func (s *Server) CommitVote(w http.ResponseWriter, r *http.Request) {
	_, callerAddr, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := hashParam(r, "id", "invalid_dispute_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Commitment string `json:"commitment"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	commitment, err := crypto.ParseHash(strings.TrimSpace(req.Commitment))
	if err != nil {
		s.writeError(w, r, coreerrors.New(coreerrors.ErrValidation, "invalid_commitment", "commitment must be a 32-byte hex string"))
		return
	}
	dispute, err := s.Ledger.CommitVote(id, callerAddr, commitment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(dispute, s.Ledger.Now()))
}

// RevealVote opens a committed ballot. A reveal that completes the majority
// resolves the dispute.
func (s *Server) RevealVote(w http.ResponseWriter, r *http.Request) {
	_, callerAddr, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := hashParam(r, "id", "invalid_dispute_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		VoteForSeller *bool  `json:"voteForSeller"`
		Salt          string `json:"salt"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.VoteForSeller == nil {
		s.writeError(w, r, coreerrors.New(coreerrors.ErrValidation, "vote_required", "voteForSeller is required"))
		return
	}
	salt, err := crypto.ParseHash(strings.TrimSpace(req.Salt))
	if err != nil {
		s.writeError(w, r, coreerrors.New(coreerrors.ErrValidation, "invalid_salt", "salt must be a 32-byte hex string"))
		return
	}
	dispute, err := s.Ledger.RevealVote(id, callerAddr, *req.VoteForSeller, salt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if dispute.Status == arbitration.DisputeResolved {
		s.notifyResolved(r.Context(), dispute)
	}
	writeJSON(w, http.StatusOK, newDisputeView(dispute, s.Ledger.Now()))
}

// ResolveDispute settles a dispute whose reveal window has closed.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	claims, callerAddr, err := s.caller(r)
	if err != nil && (claims == nil || !claims.IsAdmin()) {
		s.writeError(w, r, err)
		return
	}
	id, err := hashParam(r, "id", "invalid_dispute_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	current, err := s.Ledger.Dispute(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !claims.IsAdmin() && current.BallotIndex(callerAddr) < 0 {
		trade, err := s.Ledger.Trade(current.TradeID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !trade.IsParty(callerAddr) {
			s.writeError(w, r, errForbidden)
			return
		}
	}
	dispute, err := s.Ledger.ResolveDispute(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifyResolved(r.Context(), dispute)
	writeJSON(w, http.StatusOK, newDisputeView(dispute, s.Ledger.Now()))
}

func (s *Server) notifyResolved(ctx context.Context, dispute *arbitration.Dispute) {
	trade, err := s.Ledger.Trade(dispute.TradeID)
	if err != nil {
		return
	}
	data := map[string]string{
		"disputeId": crypto.FormatHash(dispute.ID),
		"tradeId":   crypto.FormatHash(dispute.TradeID),
		"outcome":   dispute.Outcome.String(),
	}
	for _, party := range [][20]byte{trade.Buyer, trade.Seller} {
		s.notifyAddress(ctx, party, "Dispute resolved", "The arbitration panel reached an outcome.", notify.KindDisputeResolved, data)
	}
}
