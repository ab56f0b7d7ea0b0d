package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/oxygencredits-backend/pkg/redis"
)

const (
	idempotencyHeader    = "Idempotency-Key"
	replayHeader         = "Idempotent-Replayed"
	maxIdempotencyKeyLen = 128

	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	// inFlightTTL bounds how long a crashed request can block its key.
	inFlightTTL = time.Minute
)

// idempotentRoutes maps "METHOD template" to how long responses are kept.
// Templates use chi placeholders, which match any single path segment.
var idempotentRoutes = map[string]time.Duration{
	"POST /api/v1/claims":                         defaultIdempotencyTTL,
	"POST /api/v1/claims/{claimId}/evidence":      defaultIdempotencyTTL,
	"POST /api/v1/marketplace":                    defaultIdempotencyTTL,
	"POST /api/v1/marketplace/{listingId}/cancel": defaultIdempotencyTTL,
	"PATCH /api/v1/claims/{claimId}/verify":       criticalIdempotencyTTL,
	"POST /api/v1/marketplace/purchase":           criticalIdempotencyTTL,
	"POST /api/v1/credits/issue":                  criticalIdempotencyTTL,
}

// storedResponse is the Redis value behind an idempotency key. A record with
// InFlight set marks a request that has not finished yet.
type storedResponse struct {
	InFlight    bool   `json:"in_flight,omitempty"`
	RequestHash string `json:"request_hash"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Idempotency replays the stored response when a mutating request is retried
// with the same Idempotency-Key. Requests without the header pass through.
// The key is claimed before the handler runs so a concurrent duplicate gets a
// conflict instead of a second execution. Server errors release the key.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ttl, ok := routeTTL(r.Method, routePattern(r))
			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if !ok || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > maxIdempotencyKeyLen {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key too long"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash := requestHash(body)
			key := store.IdempotencyKey(idempotencyScope(r), clientKey)

			prior, err := loadResponse(ctx, store, key)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if prior != nil {
				replayOrReject(ctx, logg, w, prior, hash)
				return
			}

			marker, _ := json.Marshal(storedResponse{InFlight: true, RequestHash: hash})
			claimed, err := store.SetNX(ctx, key, string(marker), inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim idempotency key"))
				return
			}
			if !claimed {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is in progress"))
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if err := store.Del(ctx, key); err != nil {
				logError(ctx, logg, "release idempotency key", err)
				return
			}
			if rec.code() >= http.StatusInternalServerError {
				return
			}
			final, _ := json.Marshal(storedResponse{
				RequestHash: hash,
				Status:      rec.code(),
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if _, err := store.SetNX(ctx, key, string(final), ttl); err != nil {
				logError(ctx, logg, "store idempotent response", err)
			}
		})
	}
}

func loadResponse(ctx context.Context, store pkgredis.IdempotencyStore, key string) (*storedResponse, error) {
	raw, err := store.Get(ctx, key)
	switch {
	case pkgredis.IsMissing(err):
		return nil, nil
	case err != nil:
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency key")
	case raw == "":
		return nil, nil
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotent response")
	}
	return &stored, nil
}

func replayOrReject(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, prior *storedResponse, hash string) {
	switch {
	case prior.RequestHash != hash:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
	case prior.InFlight:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is in progress"))
	default:
		if prior.ContentType != "" {
			w.Header().Set("Content-Type", prior.ContentType)
		}
		w.Header().Set(replayHeader, "true")
		w.WriteHeader(prior.Status)
		_, _ = w.Write(prior.Body)
	}
}

// idempotencyScope keeps keys from different users and endpoints apart.
func idempotencyScope(r *http.Request) string {
	return UserIDFromContext(r.Context()) + "|" + r.Method + "|" + r.URL.Path
}

func requestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// routePattern prefers the matched chi pattern. Middleware attached with Use
// runs before routing completes and sees a trailing wildcard, so the request
// path is used instead.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			return strings.TrimSuffix(pattern, "/")
		}
	}
	if r.URL.Path == "/" {
		return r.URL.Path
	}
	return strings.TrimSuffix(r.URL.Path, "/")
}

func routeTTL(method, path string) (time.Duration, bool) {
	if path == "" {
		return 0, false
	}
	for route, ttl := range idempotentRoutes {
		routeMethod, template, _ := strings.Cut(route, " ")
		if routeMethod == method && matchTemplate(template, path) {
			return ttl, true
		}
	}
	return 0, false
}

func matchTemplate(template, path string) bool {
	want := strings.Split(template, "/")
	got := strings.Split(path, "/")
	if len(want) != len(got) {
		return false
	}
	for i, seg := range want {
		if strings.HasPrefix(seg, "{") && got[i] != "" {
			continue
		}
		if seg != got[i] {
			return false
		}
	}
	return true
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg != nil && err != nil {
		logg.Error(ctx, msg, err)
	}
}
