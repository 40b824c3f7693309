// Package requestid assigns a correlation ID to every request. Incoming
// X-Request-ID headers are honored so IDs survive proxy hops; otherwise a
// fresh UUID is generated. The ID is echoed back in the response.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"anchorline/pkg/requestcontext"
)

const headerName = "X-Request-ID"

// Middleware injects a request ID into the context and response headers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerName)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(headerName, requestID)
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
