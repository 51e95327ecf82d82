package transport

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/model"
)

const rateLimitPrefix = "signet:ratelimit"

// NewLimiter builds the per-IP limiter for public signing endpoints. client
// is required for the redis driver and ignored otherwise.
func NewLimiter(cfg config.RateLimitConfig, client *redis.Client) (*limiter.Limiter, error) {
	rate := limiter.Rate{Period: cfg.Period, Limit: cfg.Limit}

	var store limiter.Store
	switch cfg.Driver {
	case "", "memory":
		store = memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          rateLimitPrefix,
			CleanUpInterval: limiter.DefaultCleanUpInterval,
		})
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("ratelimit: redis driver requires a client")
		}
		s, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
			Prefix:   rateLimitPrefix,
			MaxRetry: 3,
		})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: redis store: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("ratelimit: unsupported driver %q", cfg.Driver)
	}

	return limiter.New(store, rate, limiter.WithTrustForwardHeader(false)), nil
}

// RateLimit returns middleware that limits requests per client IP. A store
// failure lets the request through.
func RateLimit(lim *limiter.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if lim == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lctx, err := lim.Get(r.Context(), lim.GetIPKey(r))
			if err != nil {
				observability.LoggerFrom(r.Context(), logger).Warn("rate limit store unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

			if lctx.Reached {
				WriteError(w, model.NewRateLimitedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
