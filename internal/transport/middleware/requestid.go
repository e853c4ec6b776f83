package middleware

import (
	"net"
	"net/http"

	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/google/uuid"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/pkg/logger"
)

// RequestContext tags the request context with a request id, the client IP
// and a logger carrying both. Run it after chi's RealIP.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chimiddleware.GetReqID(r.Context())
		if reqID == "" {
			reqID = r.Header.Get(chimiddleware.RequestIDHeader)
		}
		if reqID == "" {
			reqID = uuid.NewString()
		}

		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}

		ctx := internal.ContextWithClientIP(r.Context(), ip)
		ctx = logger.With(ctx, "request_id", reqID)

		w.Header().Set(chimiddleware.RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
