package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/services/settlement-gateway/auth"
	"p2pescrow/services/settlement-gateway/models"
	"p2pescrow/services/settlement-gateway/notify"
	"p2pescrow/services/settlement-gateway/orderbook"
)

var errInvalidOrderID = coreerrors.New(coreerrors.ErrValidation, "invalid_order_id", "order id must be a uuid")

// redactOrder hides recipient details from callers outside the order.
func redactOrder(o *models.Order, claims *auth.Claims) *models.Order {
	if o == nil || claims.IsAdmin() || claims.Subject == o.Owner || claims.Subject == o.Counterparty {
		return o
	}
	clone := *o
	clone.RecipientRef = ""
	clone.PhoneRef = ""
	return &clone
}

func redactOrders(orders []*models.Order, claims *auth.Claims) []*models.Order {
	out := make([]*models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, redactOrder(o, claims))
	}
	return out
}

// SubmitOrder records a new buy or sell intent for the caller.
func (s *Server) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	var req orderbook.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Owner = claims.Subject

	order, candidates, err := s.Orders.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order":      order,
		"candidates": redactOrders(candidates, claims),
	})
}

// ListOrders returns orders filtered by the query string.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	q := r.URL.Query()
	filter := orderbook.Filter{
		Side:     models.Side(strings.ToLower(q.Get("side"))),
		Status:   models.OrderStatus(strings.ToLower(q.Get("status"))),
		Provider: q.Get("provider"),
		Country:  strings.ToUpper(q.Get("country")),
	}
	if q.Get("mine") == "true" {
		filter.Owner = claims.Subject
	} else if owner := q.Get("owner"); owner != "" {
		filter.Owner = owner
	}
	if filter.Side != "" && !filter.Side.Valid() {
		s.writeError(w, r, coreerrors.New(coreerrors.ErrValidation, "invalid_side", "side must be buy or sell"))
		return
	}
	for param, dst := range map[string]**decimal.Decimal{"min": &filter.Min, "max": &filter.Max} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			s.writeError(w, r, coreerrors.New(coreerrors.ErrValidation, "invalid_"+param, param+" must be a decimal amount"))
			return
		}
		*dst = &value
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, r, coreerrors.New(coreerrors.ErrValidation, "invalid_limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	orders, err := s.Orders.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": redactOrders(orders, claims)})
}

// MatchOrder pairs an open order with the caller, or with the named
// counterparty when the order owner or an admin accepts on their behalf.
func (s *Server) MatchOrder(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, errInvalidOrderID)
		return
	}
	var req orderbook.MatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.OrderID = id
	req.Counterparty = strings.TrimSpace(req.Counterparty)
	if req.Counterparty == "" {
		req.Counterparty = claims.Subject
	}
	if req.Counterparty != claims.Subject && !claims.IsAdmin() {
		order, err := s.Orders.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if order.Owner != claims.Subject {
			s.writeError(w, r, errForbidden)
			return
		}
	}

	result, err := s.Orders.Match(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	matched := result.Order
	data := map[string]string{
		"orderId":          matched.ID.String(),
		"settlementAmount": matched.SettlementAmount.StringFixed(orderbook.SettlementScale),
		"currency":         matched.Currency,
	}
	s.notifyParticipant(r.Context(), matched.Owner, "Order matched", "Your order has a counterparty.", notify.KindOrderMatched, data)
	s.notifyParticipant(r.Context(), matched.Counterparty, "Order matched", "You were matched on an order.", notify.KindOrderMatched, data)
	writeJSON(w, http.StatusOK, result)
}

// CancelOrder cancels an unmatched order owned by the caller.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, r, errMissingIdentity)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, errInvalidOrderID)
		return
	}
	order, err := s.Orders.Cancel(r.Context(), id, claims.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
