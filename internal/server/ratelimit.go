package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// UploadLimit is the number of chunk uploads one client may make per
	// UploadWindow. Zero disables the upload limit.
	UploadLimit  int
	UploadWindow time.Duration
	// Redis shares upload counters between instances when set.
	Redis        redis.UniversalClient
	RedisPrefix  string
	RedisTimeout time.Duration
}

type rateLimiter struct {
	global       *rate.Limiter
	uploadLimit  int
	uploadWindow time.Duration
	mu           sync.Mutex
	clients      map[string]*ipLimiter
	store        tokenStore
	now          func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		uploadLimit:  cfg.UploadLimit,
		uploadWindow: cfg.UploadWindow,
		clients:      make(map[string]*ipLimiter),
		now:          time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(math.Max(1, cfg.GlobalRPS))
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.uploadLimit < 0 {
		rl.uploadLimit = 0
	}
	if rl.uploadWindow <= 0 {
		rl.uploadWindow = time.Minute
	}
	if cfg.Redis != nil && rl.uploadLimit > 0 {
		rl.store = newRedisStore(cfg.Redis, cfg.RedisPrefix, cfg.RedisTimeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowUpload reports whether the client keyed by key may upload another
// chunk, and how long to wait when it may not.
func (r *rateLimiter) AllowUpload(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.uploadLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "upload:"+key, r.uploadLimit, r.uploadWindow)
	}

	r.mu.Lock()
	client, exists := r.clients[key]
	if !exists {
		every := r.uploadWindow / time.Duration(r.uploadLimit)
		client = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), r.uploadLimit)}
		r.clients[key] = client
	}
	client.lastSeen = r.now()
	r.cleanupLocked()
	r.mu.Unlock()

	reservation := client.limiter.Reserve()
	if !reservation.OK() {
		return false, r.uploadWindow, nil
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.clients) == 0 {
		return
	}
	cutoff := r.now().Add(-2 * r.uploadWindow)
	for key, client := range r.clients {
		if client.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}

func globalRateLimit(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.AllowRequest() {
				writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func uploadRateLimit(rl *rateLimiter, resolver clientIPResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := rl.AllowUpload(r.Context(), resolver.resolve(r))
			if err != nil {
				logger.Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(retryAfter.Seconds())))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many chunk uploads")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
