package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/oxygencredits-backend/api/responses"
	pkgerrors "github.com/angelmondragon/oxygencredits-backend/pkg/errors"
	"github.com/angelmondragon/oxygencredits-backend/pkg/logger"
)

// maxAuthBody caps how much of a login/register body is buffered to find the email.
const maxAuthBody = 64 << 10

type rateLimiterStore interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// AuthRateLimitPolicy defines the throttling parameters for an auth surface.
type AuthRateLimitPolicy struct {
	name       string
	window     time.Duration
	ipLimit    int
	emailLimit int
}

func NewAuthRateLimitPolicy(name string, window time.Duration, ipLimit, emailLimit int) AuthRateLimitPolicy {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "auth"
	}
	return AuthRateLimitPolicy{
		name:       name,
		window:     window,
		ipLimit:    ipLimit,
		emailLimit: emailLimit,
	}
}

func (p AuthRateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.ipLimit > 0 || p.emailLimit > 0)
}

// scope becomes the suffix of an `oc:rate_limit:` key.
func (p AuthRateLimitPolicy) scope(kind, value string) string {
	return "auth:" + p.name + ":" + kind + ":" + value
}

type limitHit struct {
	kind  string
	value string
	count int64
	limit int
}

// AuthRateLimit enforces per-IP and per-email fixed windows on auth endpoints.
// Without a store the endpoints are not throttled.
func AuthRateLimit(policy AuthRateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if policy.ipLimit > 0 {
				if ip := clientIP(r); ip != "" {
					hit, err := check(ctx, store, policy, "ip", ip, policy.ipLimit)
					if err != nil {
						responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
						return
					}
					if hit != nil {
						respondRateLimited(ctx, logg, w, policy, hit)
						return
					}
				}
			}

			if policy.emailLimit > 0 {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBody))
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				if email := normalizeEmail(extractEmail(body)); email != "" {
					hit, err := check(ctx, store, policy, "email", hashValue(email), policy.emailLimit)
					if err != nil {
						responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
						return
					}
					if hit != nil {
						respondRateLimited(ctx, logg, w, policy, hit)
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func check(ctx context.Context, store rateLimiterStore, policy AuthRateLimitPolicy, kind, value string, limit int) (*limitHit, error) {
	allowed, count, err := store.FixedWindowAllow(ctx, policy.scope(kind, value), int64(limit), policy.window)
	if err != nil {
		return nil, err
	}
	if allowed {
		return nil, nil
	}
	return &limitHit{kind: kind, value: value, count: count, limit: limit}, nil
}

func respondRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy AuthRateLimitPolicy, hit *limitHit) {
	if logg != nil {
		fields := map[string]any{
			"scope":          hit.kind,
			"policy":         policy.name,
			"attempts":       hit.count,
			"limit":          hit.limit,
			"window_seconds": int(policy.window.Seconds()),
		}
		if hit.kind == "email" {
			fields["email_hash"] = hit.value
		} else {
			fields["ip"] = hit.value
		}
		logg.Warn(logg.WithFields(ctx, fields), "auth.rate_limit.blocked")
	}
	w.Header().Set("Retry-After", retryAfter(policy.window))
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "too many attempts, try again later"))
}

func retryAfter(window time.Duration) string {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func extractEmail(payload []byte) string {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.Email
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
