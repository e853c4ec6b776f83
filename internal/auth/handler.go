package auth

import (
	"net/http"

	"github.com/maibank/checkout-reconciler/internal"
	"github.com/maibank/checkout-reconciler/internal/transport"
	"github.com/maibank/checkout-reconciler/pkg/logger"
)

type Handler struct {
	*transport.BaseHandler
	Validator     TokenValidator
	RequiredScope string
}

func NewHandler(baseHandler *transport.BaseHandler, validator TokenValidator, requiredScope string) *Handler {
	return &Handler{
		BaseHandler:   baseHandler,
		Validator:     validator,
		RequiredScope: requiredScope,
	}
}

// AuthMiddleware admits requests carrying a valid bearer token with the
// required scope and puts the token subject on the context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.ExtractTokenFromHeader(r)
		if token == "" {
			h.Logger.Info("auth middleware: missing authorization token", "path", r.URL.Path)
			h.HandleError(w, internal.NewUnauthorizedError("missing authorization token", internal.ErrCodeInvalidToken))
			return
		}

		claims, err := h.Validator.ValidateToken(token)
		if err != nil {
			h.Logger.Info("token validation failed", "error", err, "path", r.URL.Path)
			h.HandleServiceError(w, err)
			return
		}

		if !claims.HasScope(h.RequiredScope) {
			h.Logger.Warn("auth middleware: token lacks scope",
				"subject", claims.Subject,
				"scope", claims.Scope,
				"required", h.RequiredScope)
			h.HandleError(w, internal.ErrMissingScope)
			return
		}

		ctx := internal.ContextWithSubject(r.Context(), claims.Subject)
		ctx = logger.With(ctx, "subject", claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
