package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "settlement-test-secret"

func newTestMiddleware(t *testing.T, now time.Time) *Middleware {
	t.Helper()
	mw, err := NewMiddleware(JWTOptions{
		Issuer:   "p2pescrow",
		Audience: []string{"settlement"},
		HSSecret: testSecret,
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	return mw
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func baseClaims(now time.Time, subject string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": subject,
		"iss": "p2pescrow",
		"aud": "settlement",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}
}

func TestMiddlewareAttachesClaims(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	mw := newTestMiddleware(t, now)

	cases := []struct {
		name string
		role interface{}
		want Role
	}{
		{name: "no role claim", role: nil, want: RoleParticipant},
		{name: "admin", role: "admin", want: RoleAdmin},
		{name: "role list", role: []string{"participant", "ADMIN"}, want: RoleAdmin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims(now, "alice")
			if tc.role != nil {
				claims["role"] = tc.role
			}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, claims))
			rec := httptest.NewRecorder()

			var got *Claims
			mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c, err := FromContext(r.Context())
				require.NoError(t, err)
				got = c
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rec, req)

			require.Equal(t, http.StatusNoContent, rec.Code)
			require.Equal(t, "alice", got.Subject)
			require.Equal(t, tc.want, got.Role)
		})
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	mw := newTestMiddleware(t, now)

	expired := baseClaims(now, "alice")
	expired["exp"] = now.Add(-time.Hour).Unix()
	wrongAud := baseClaims(now, "alice")
	wrongAud["aud"] = "other"
	badRole := baseClaims(now, "alice")
	badRole["role"] = "superuser"
	noSubject := baseClaims(now, "")

	cases := map[string]string{
		"expired":  "Bearer " + signToken(t, expired),
		"audience": "Bearer " + signToken(t, wrongAud),
		"role":     "Bearer " + signToken(t, badRole),
		"subject":  "Bearer " + signToken(t, noSubject),
		"scheme":   "Basic abc",
		"missing":  "",
		"garbage":  "Bearer not-a-jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			mw.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler must not run")
			})).ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPut, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(WithClaims(req.Context(), &Claims{Subject: "bob", Role: RoleParticipant})))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(WithClaims(req.Context(), &Claims{Subject: "root", Role: RoleAdmin})))
	require.Equal(t, http.StatusNoContent, rec.Code)
}
