package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	dErrors "clearbook/pkg/domain-errors"
	"clearbook/pkg/platform/httputil"
	"clearbook/pkg/requestcontext"
)

// BucketStore counts requests per key.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Limit returns middleware allowing limit requests per window for each
// client IP under the named class. A non-positive limit disables it. Store
// failures let the request through.
func Limit(store BucketStore, class string, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			result, err := store.Allow(ctx, class+":"+requestcontext.ClientIP(ctx), limit, window)
			if err != nil {
				logger.ErrorContext(ctx, "failed to check rate limit",
					"class", class,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			addRateLimitHeaders(w, result)
			if !result.Allowed {
				retryAfter := max(int(time.Until(result.ResetAt).Seconds())+1, 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				logger.WarnContext(ctx, "rate limit exceeded",
					"class", class,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func addRateLimitHeaders(w http.ResponseWriter, result Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
