package server

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/crypto"
	"p2pescrow/native/governance"
	"p2pescrow/observability/logging"
)

var errInvalidAmount = coreerrors.New(coreerrors.ErrValidation, "invalid_amount", "amount must be a positive integer in minor units")

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	return amount, nil
}

type amountRequest struct {
	Amount string `json:"amount"`
}

// GetStake returns the caller's resolver stake.
func (s *Server) GetStake(w http.ResponseWriter, r *http.Request) {
	_, addr, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stake, err := s.Ledger.StakeOf(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeView{Resolver: crypto.FormatAddress(addr), ResolverStake: stake})
}

// Stake bonds value for the caller as a dispute resolver.
func (s *Server) Stake(w http.ResponseWriter, r *http.Request) {
	s.changeStake(w, r, true)
}

// Unstake withdraws bonded value once the lock has expired.
func (s *Server) Unstake(w http.ResponseWriter, r *http.Request) {
	s.changeStake(w, r, false)
}

func (s *Server) changeStake(w http.ResponseWriter, r *http.Request, bond bool) {
	_, addr, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	op := s.Ledger.Unstake
	if bond {
		op = s.Ledger.Stake
	}
	stake, err := op(addr, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeView{Resolver: crypto.FormatAddress(addr), ResolverStake: stake})
}

// GetSlash returns a queued slash.
func (s *Server) GetSlash(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id", "invalid_slash_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	slash, err := s.Ledger.Slash(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSlashView(slash))
}

// ExecuteSlash applies a queued slash whose delay has elapsed.
func (s *Server) ExecuteSlash(w http.ResponseWriter, r *http.Request) {
	id, err := hashParam(r, "id", "invalid_slash_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	slash, err := s.Ledger.ExecuteSlash(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("slash executed", "slash", crypto.FormatHash(id), "subject", subjectKey(r))
	writeJSON(w, http.StatusOK, newSlashView(slash))
}

// VetoSlash cancels a queued slash. The ledger checks the caller against the
// configured veto authorities.
func (s *Server) VetoSlash(w http.ResponseWriter, r *http.Request) {
	_, addr, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := hashParam(r, "id", "invalid_slash_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	slash, err := s.Ledger.VetoSlash(id, addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("slash vetoed", "slash", crypto.FormatHash(id), "subject", subjectKey(r))
	writeJSON(w, http.StatusOK, newSlashView(slash))
}

// GetTrust returns a participant's trust profile.
func (s *Server) GetTrust(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantId")
	addr, err := s.Directory.Resolve(r.Context(), participantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	profile, err := s.Ledger.TrustProfile(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trustView{ParticipantID: participantID, Address: crypto.FormatAddress(addr), TrustProfile: profile})
}

// ReportFraud records an administrator's fraud finding against a participant.
func (s *Server) ReportFraud(w http.ResponseWriter, r *http.Request) {
	_, reporter, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	participantID := chi.URLParam(r, "participantId")
	addr, err := s.Directory.Resolve(r.Context(), participantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	profile, err := s.Ledger.ReportFraud(reporter, addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Warn("fraud reported", logging.MaskField("participant", participantID), "subject", subjectKey(r), "score", profile.Score)
	writeJSON(w, http.StatusOK, trustView{ParticipantID: participantID, Address: crypto.FormatAddress(addr), TrustProfile: profile})
}

// GetPolicy returns the current governance policy.
func (s *Server) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.Ledger.Policy()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// UpdatePolicy stores a new policy version from a partial update.
func (s *Server) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	_, authority, err := s.caller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var patch governance.PolicyPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	policy, err := s.Ledger.UpdatePolicy(patch, authority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("policy updated", "version", policy.Version, "subject", subjectKey(r))
	writeJSON(w, http.StatusOK, policy)
}
