package server

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitConfig caps the request rate across all clients. A zero RPS
// disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func newRateLimiter(cfg RateLimitConfig) *rate.Limiter {
	if cfg.RPS <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(math.Ceil(cfg.RPS))
	}
	return rate.NewLimiter(rate.Limit(cfg.RPS), burst)
}

// rateLimitMiddleware rejects requests once the global bucket is empty. The
// health probe and metrics scrape are never limited.
func rateLimitMiddleware(limiter *rate.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			reservation := limiter.Reserve()
			if !reservation.OK() {
				writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
				return
			}
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
				if logger != nil {
					loggerWithRequestContext(r.Context(), logger).Debug("request rate limited", "path", r.URL.Path, "retry_after", delay)
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
