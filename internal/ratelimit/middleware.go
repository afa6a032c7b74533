package ratelimit

import (
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/montecast-ai/montecast/internal/model"
)

// KeyFunc derives the rate-limit key for a request. An empty key
// exempts the request from limiting.
type KeyFunc func(r *http.Request) string

// RequestIDFunc resolves the request ID echoed in the 429 envelope.
// It is injected so this package does not import the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces limiter on every request, keyed by keyFunc.
// reqIDFunc may be nil. Limiter errors fail open so a broken limiter
// never blocks traffic; a nil limiter disables limiting entirely.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				allowed = true
			}
			if !allowed {
				// A token bucket refills continuously, so one second is
				// an honest retry hint at any practical rate.
				w.Header().Set("Retry-After", "1")
				writeRateLimitError(w, r, reqIDFunc)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError emits the 429 response in the standard API error
// envelope.
func writeRateLimitError(w http.ResponseWriter, r *http.Request, reqIDFunc RequestIDFunc) {
	var requestID string
	if reqIDFunc != nil {
		requestID = reqIDFunc(r)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys rate limits by client IP, taken from RemoteAddr only.
// X-Forwarded-For is not trusted: any client can set it and dodge the
// limiter. Behind a reverse proxy, configure the proxy to rewrite
// RemoteAddr (e.g. nginx realip module).
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port; limit on the raw value.
		return r.RemoteAddr
	}
	return host
}
