// Package ratelimit limits requests per client IP.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/vdavid/mailgate/internal/mailerr"
)

const limitMessage = "Too many requests, please try again later."

// Limiter allows at most max requests per client IP in each window. Requests
// over the limit get 429 with Retry-After.
type Limiter struct {
	max    int
	window time.Duration
	rl     *httprate.RateLimiter
}

// New creates a limiter allowing max requests per window.
func New(max int, win time.Duration) *Limiter {
	if max <= 0 {
		max = 1
	}
	if win <= 0 {
		win = time.Minute
	}
	return &Limiter{
		max:    max,
		window: win,
		rl: httprate.NewRateLimiter(max, win,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(writeLimited),
		),
	}
}

// Max returns the number of requests allowed per window.
func (l *Limiter) Max() int {
	return l.max
}

// Window returns the window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Middleware rejects requests over the limit, keyed by client IP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return l.rl.Handler(next)
}

func writeLimited(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": limitMessage,
		"kind":  mailerr.RateLimited.String(),
	})
}
