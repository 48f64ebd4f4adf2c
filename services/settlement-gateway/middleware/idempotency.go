package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"p2pescrow/services/settlement-gateway/models"
)

// ContextKeyIDKey stores the idempotency key associated with the request.
type ContextKeyIDKey string

const contextKeyIdempotency ContextKeyIDKey = "idempotency-key"

// HeaderIdempotencyKey is the request header carrying the client key.
const HeaderIdempotencyKey = "Idempotency-Key"

// ScopeFunc returns the caller identity an idempotency key is scoped to.
type ScopeFunc func(*http.Request) string

// WithIdempotency ensures mutating requests with the same key are executed
// once per caller. Replays return the stored status and body; reusing a key on
// a different route is rejected. Server errors are not recorded so the client
// may retry them.
func WithIdempotency(db *gorm.DB, scope ScopeFunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		storedKey := scopedKey(scope, r, key)

		var record models.IdempotencyKey
		if err := db.WithContext(r.Context()).First(&record, "key = ?", storedKey).Error; err == nil {
			if record.Method != r.Method || record.Path != r.URL.Path {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"code":"idempotency_key_reused","message":"idempotency key already used for another request"}` + "\n"))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		if recorder.status == 0 {
			recorder.status = http.StatusOK
		}
		if recorder.status >= http.StatusInternalServerError {
			return
		}
		payload := models.IdempotencyKey{
			Key:       storedKey,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  recorder.buf.String(),
			CreatedAt: time.Now().UTC(),
		}
		_ = db.WithContext(r.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&payload).Error
	})
}

// KeyFromContext returns the idempotency key of the current request.
func KeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

func scopedKey(scope ScopeFunc, r *http.Request, key string) string {
	owner := ""
	if scope != nil {
		owner = scope(r)
	}
	sum := blake3.Sum256([]byte(owner + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
