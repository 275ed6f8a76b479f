// Package requesttime pins a single "now" per request so the timestamps on an
// audit entry, a signature and a certificate issued in one request agree.
package requesttime

import (
	"net/http"
	"time"

	"clearbook/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
