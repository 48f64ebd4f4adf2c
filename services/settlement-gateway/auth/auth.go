package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context keys for storing authenticated participant information.
type contextKey string

const contextKeyClaims contextKey = "jwt_claims"

// Role represents an authorized persona within the settlement gateway.
type Role string

// Supported roles. Tokens without a role claim act as participants.
const (
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

var allowedRoles = map[Role]struct{}{
	RoleParticipant: {},
	RoleAdmin:       {},
}

// Claims represents identity data extracted from the inbound request. Subject
// is the participant id.
type Claims struct {
	Subject    string
	Role       Role
	Token      *jwt.Token
	Attributes jwt.MapClaims
}

// IsAdmin reports whether the caller holds the admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// JWTOptions controls signature verification and claim handling.
type JWTOptions struct {
	Issuer         string
	Audience       []string
	MaxSkewSeconds int
	HSSecret       string
	HSSecretEnv    string
	RoleClaim      string
	Now            func() time.Time
}

// Middleware enforces bearer JWT authentication.
type Middleware struct {
	verifier *jwtVerifier
	logger   *slog.Logger
}

// NewMiddleware constructs a Middleware using the supplied configuration.
func NewMiddleware(cfg JWTOptions) (*Middleware, error) {
	verifier, err := newJWTVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return &Middleware{verifier: verifier, logger: slog.Default().With("component", "auth")}, nil
}

// Middleware verifies the bearer token before invoking the next handler.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	if m == nil {
		panic("auth middleware is nil")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			m.reject(w, r, "missing authorization")
			return
		}

		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			m.reject(w, r, "invalid authorization scheme")
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			m.reject(w, r, "missing bearer token")
			return
		}

		claims, err := m.verifier.Verify(token)
		if err != nil {
			m.logger.Warn("token rejected", "path", r.URL.Path, "error", err)
			m.reject(w, r, "invalid authorization token")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, msg string) {
	m.logger.Info("unauthenticated request", "method", r.Method, "path", r.URL.Path, "reason", msg)
	writeError(w, http.StatusUnauthorized, "unauthenticated", msg)
}

// WithClaims attaches claims to ctx. Used by tests and internal callers that
// bypass the HTTP middleware.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	claims, ok := ctx.Value(contextKeyClaims).(*Claims)
	if !ok || claims == nil || claims.Subject == "" {
		return nil, errors.New("missing claims in context")
	}
	return claims, nil
}

// RequireRole ensures the authenticated caller has at least one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "missing identity")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				slog.Warn("role denied", "component", "auth", "subject", claims.Subject, "role", claims.Role, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "{\"code\":%q,\"message\":%q}\n", code, msg)
}

type jwtVerifier struct {
	secret    []byte
	issuer    string
	audience  []string
	leeway    time.Duration
	roleClaim string
	now       func() time.Time
}

func newJWTVerifier(cfg JWTOptions) (*jwtVerifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("JWT issuer is required")
	}
	audiences := make([]string, 0, len(cfg.Audience))
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audiences = append(audiences, trimmed)
		}
	}

	secret := strings.TrimSpace(cfg.HSSecret)
	if secret == "" && cfg.HSSecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(cfg.HSSecretEnv))
		if secret == "" {
			return nil, fmt.Errorf("environment variable %s is empty", cfg.HSSecretEnv)
		}
	}
	if secret == "" {
		return nil, errors.New("HS256 secret must not be empty")
	}

	roleClaim := strings.TrimSpace(cfg.RoleClaim)
	if roleClaim == "" {
		roleClaim = "role"
	}
	leeway := time.Duration(cfg.MaxSkewSeconds) * time.Second
	if cfg.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &jwtVerifier{
		secret:    []byte(secret),
		issuer:    issuer,
		audience:  audiences,
		leeway:    leeway,
		roleClaim: roleClaim,
		now:       now,
	}, nil
}

func (v *jwtVerifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
		jwt.WithExpirationRequired(),
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("token subject missing")
	}

	if len(v.audience) > 0 && !audienceMatches(v.audience, extractStringSlice(claims["aud"])) {
		return nil, errors.New("token audience mismatch")
	}

	role, err := v.extractRole(claims)
	if err != nil {
		return nil, err
	}
	return &Claims{
		Subject:    subject,
		Role:       role,
		Token:      parsed,
		Attributes: claims,
	}, nil
}

func audienceMatches(expected, actual []string) bool {
	for _, want := range expected {
		for _, got := range actual {
			if strings.EqualFold(got, want) {
				return true
			}
		}
	}
	return false
}

func (v *jwtVerifier) extractRole(claims jwt.MapClaims) (Role, error) {
	candidates := extractStringSlice(claims[v.roleClaim])
	if len(candidates) == 0 {
		return RoleParticipant, nil
	}
	for _, candidate := range candidates {
		role := Role(strings.ToLower(candidate))
		if _, ok := allowedRoles[role]; ok {
			if role == RoleAdmin {
				return role, nil
			}
			continue
		}
		return "", fmt.Errorf("role %q is not permitted", candidate)
	}
	return RoleParticipant, nil
}

func extractStringSlice(value interface{}) []string {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	case []string:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					out = append(out, trimmed)
				}
			}
		}
		return out
	default:
		return nil
	}
}
