package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/native/staking"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Required  string `json:"required,omitempty"`
	Available string `json:"available,omitempty"`
	Shortfall string `json:"shortfall,omitempty"`
	// RetryAfter is the remaining stake lock in seconds.
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

var kindStatus = map[coreerrors.Kind]int{
	coreerrors.ErrValidation:    http.StatusBadRequest,
	coreerrors.ErrUnauthorized:  http.StatusForbidden,
	coreerrors.ErrNotFound:      http.StatusNotFound,
	coreerrors.ErrStateConflict: http.StatusConflict,
	coreerrors.ErrWindowClosed:  http.StatusConflict,
	coreerrors.ErrCollateral:    http.StatusUnprocessableEntity,
	coreerrors.ErrExternal:      http.StatusBadGateway,
	coreerrors.ErrInvariant:     http.StatusInternalServerError,
}

// statusFor maps an error to its HTTP status. Unclassified errors are
// internal failures.
func statusFor(err error) (int, coreerrors.Kind) {
	kind := coreerrors.KindOf(err)
	if !errors.Is(err, kind) {
		return http.StatusInternalServerError, coreerrors.ErrInvariant
	}
	if status, ok := kindStatus[kind]; ok {
		return status, kind
	}
	return http.StatusInternalServerError, coreerrors.ErrInvariant
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	body := errorBody{Code: coreerrors.CodeOf(err), Message: err.Error()}

	var classified *coreerrors.Error
	if errors.As(err, &classified) {
		body.Message = classified.Message
	}
	var shortfall *coreerrors.ShortfallError
	if errors.As(err, &shortfall) {
		body.Message = shortfall.Message
		body.Required = shortfall.Required.String()
		body.Available = shortfall.Available.String()
		body.Shortfall = shortfall.Shortfall().String()
	}
	var locked *staking.LockedError
	if errors.As(err, &locked) {
		body.Code = "stake_locked"
		body.Message = "stake is locked"
		body.RetryAfter = locked.Remaining
		w.Header().Set("Retry-After", strconv.FormatInt(locked.Remaining, 10))
	}

	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("code", body.Code),
	}
	if claims := subjectKey(r); claims != "" {
		attrs = append(attrs, slog.String("subject", claims))
	}
	switch {
	case status == http.StatusInternalServerError:
		s.logger.Error("request failed", append(attrs, slog.String("component", "gateway"), slog.Any("error", err))...)
		body.Code = "internal"
		body.Message = "internal error"
	case kind == coreerrors.ErrUnauthorized:
		s.logger.Warn("request denied", attrs...)
	case kind == coreerrors.ErrExternal:
		s.logger.Warn("upstream failure", append(attrs, slog.Any("error", err))...)
	}
	writeJSON(w, status, body)
}
