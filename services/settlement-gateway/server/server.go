package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/native/arbitration"
	"p2pescrow/native/escrow"
	"p2pescrow/native/governance"
	"p2pescrow/native/reputation"
	"p2pescrow/native/staking"
	"p2pescrow/services/settlement-gateway/auth"
	"p2pescrow/services/settlement-gateway/identity"
	settlemw "p2pescrow/services/settlement-gateway/middleware"
	"p2pescrow/services/settlement-gateway/notify"
	"p2pescrow/services/settlement-gateway/orderbook"
)

const moduleName = "settlement-gateway"

const maxBodyBytes = 1 << 20

// Ledger is the subset of the authoritative ledger the gateway drives.
// *core.Ledger satisfies it.
type Ledger interface {
	Fund(orderRef string, buyer, seller [20]byte, amount *big.Int, proofHash [32]byte) (*escrow.Trade, error)
	ConfirmRelease(id [32]byte, caller [20]byte) (*escrow.Trade, error)
	OpenDispute(tradeID [32]byte, caller [20]byte, reason string) (*arbitration.Dispute, error)
	CommitVote(disputeID [32]byte, resolver [20]byte, commitment [32]byte) (*arbitration.Dispute, error)
	RevealVote(disputeID [32]byte, resolver [20]byte, voteForSeller bool, salt [32]byte) (*arbitration.Dispute, error)
	ResolveDispute(disputeID [32]byte) (*arbitration.Dispute, error)
	Stake(resolver [20]byte, amount *big.Int) (*staking.ResolverStake, error)
	Unstake(resolver [20]byte, amount *big.Int) (*staking.ResolverStake, error)
	ExecuteSlash(id [32]byte) (*staking.PendingSlash, error)
	VetoSlash(id [32]byte, authority [20]byte) (*staking.PendingSlash, error)
	ReportFraud(reporter, participant [20]byte) (*reputation.TrustProfile, error)
	UpdatePolicy(patch governance.PolicyPatch, authority [20]byte) (governance.Policy, error)
	Trade(id [32]byte) (*escrow.Trade, error)
	Dispute(id [32]byte) (*arbitration.Dispute, error)
	StakeOf(resolver [20]byte) (*staking.ResolverStake, error)
	Slash(id [32]byte) (*staking.PendingSlash, error)
	TrustProfile(participant [20]byte) (*reputation.TrustProfile, error)
	Policy() (governance.Policy, error)
	IsAdmin(addr [20]byte) bool
	Now() int64
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Ledger    Ledger
	Orders    *orderbook.Service
	Directory identity.Directory
	Notifier  notify.Notifier
	Auth      *auth.Middleware
	RateLimit settlemw.RateLimitConfig
	Logger    *slog.Logger
	// NotifyTimeout bounds each best-effort notification.
	NotifyTimeout time.Duration
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB        *gorm.DB
	Ledger    Ledger
	Orders    *orderbook.Service
	Directory identity.Directory
	Notifier  notify.Notifier

	auth          *auth.Middleware
	limiter       *settlemw.RateLimiter
	logger        *slog.Logger
	notifyTimeout time.Duration
	router        http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency
// and rate limiting.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("server: database is required")
	case cfg.Ledger == nil:
		return nil, errors.New("server: ledger is required")
	case cfg.Orders == nil:
		return nil, errors.New("server: order service is required")
	case cfg.Directory == nil:
		return nil, errors.New("server: identity directory is required")
	case cfg.Auth == nil:
		return nil, errors.New("server: auth middleware is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 3 * time.Second
	}
	srv := &Server{
		DB:            cfg.DB,
		Ledger:        cfg.Ledger,
		Orders:        cfg.Orders,
		Directory:     cfg.Directory,
		Notifier:      notifier,
		auth:          cfg.Auth,
		logger:        logger.With("component", "server"),
		notifyTimeout: cfg.NotifyTimeout,
	}
	srv.limiter = settlemw.NewRateLimiter(moduleName, cfg.RateLimit, subjectKey)
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(settlemw.Metrics(moduleName))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.limiter.Middleware)
		api.Use(func(next http.Handler) http.Handler { return settlemw.WithIdempotency(s.DB, subjectKey, next) })

		api.Post("/orders", s.SubmitOrder)
		api.Get("/orders", s.ListOrders)
		api.Post("/orders/{id}/match", s.MatchOrder)
		api.Post("/orders/{id}/cancel", s.CancelOrder)

		api.Post("/trades/fund", s.FundTrade)
		api.Get("/trades/{id}", s.GetTrade)
		api.Post("/trades/{id}/release", s.ReleaseTrade)
		api.Post("/trades/{id}/dispute", s.OpenDispute)

		api.Get("/disputes/{id}", s.GetDispute)
		api.Post("/disputes/{id}/commit", s.CommitVote)
		api.Post("/disputes/{id}/reveal", s.RevealVote)
		api.Post("/disputes/{id}/resolve", s.ResolveDispute)

		api.Get("/resolvers/stake", s.GetStake)
		api.Post("/resolvers/stake", s.Stake)
		api.Post("/resolvers/unstake", s.Unstake)

		api.Get("/slashes/{id}", s.GetSlash)
		api.With(auth.RequireRole(auth.RoleAdmin)).Post("/slashes/{id}/execute", s.ExecuteSlash)
		api.Post("/slashes/{id}/veto", s.VetoSlash)

		api.Get("/trust/{participantId}", s.GetTrust)
		api.With(auth.RequireRole(auth.RoleAdmin)).Post("/trust/{participantId}/fraud", s.ReportFraud)

		api.Get("/governance", s.GetPolicy)
		api.With(auth.RequireRole(auth.RoleAdmin)).Put("/governance", s.UpdatePolicy)
	})

	return r
}

// subjectKey scopes rate limits and idempotency keys to the caller.
func subjectKey(r *http.Request) string {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		return ""
	}
	return claims.Subject
}

// caller resolves the authenticated participant and its settlement address.
func (s *Server) caller(r *http.Request) (*auth.Claims, [20]byte, error) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		return nil, [20]byte{}, errMissingIdentity
	}
	addr, err := s.Directory.Resolve(r.Context(), claims.Subject)
	if err != nil {
		return claims, [20]byte{}, err
	}
	return claims, addr, nil
}

var (
	errMissingIdentity = coreerrors.New(coreerrors.ErrUnauthorized, "missing_identity", "missing identity")
	errForbidden       = coreerrors.New(coreerrors.ErrUnauthorized, "forbidden", "caller may not access this resource")
	errInvalidPayload  = coreerrors.New(coreerrors.ErrValidation, "invalid_payload", "request body is not valid JSON")
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return coreerrors.Wrap(coreerrors.ErrValidation, errInvalidPayload.Code, err)
	}
	return nil
}

// notifyParticipant delivers a best-effort notification. Failures are logged
// and never fail the request.
func (s *Server) notifyParticipant(ctx context.Context, participantID, title, body, kind string, data map[string]string) {
	if participantID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.Notifier.Notify(ctx, participantID, title, body, kind, data); err != nil {
		s.logger.Warn("notification failed", "kind", kind, "participant", participantID, "error", err)
	}
}

// notifyAddress looks up the participant behind addr before notifying.
func (s *Server) notifyAddress(ctx context.Context, addr [20]byte, title, body, kind string, data map[string]string) {
	participantID, err := s.Directory.Participant(ctx, addr)
	if err != nil {
		s.logger.Debug("notification skipped", "kind", kind, "error", err)
		return
	}
	s.notifyParticipant(ctx, participantID, title, body, kind, data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
