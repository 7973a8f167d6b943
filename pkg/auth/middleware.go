package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Middleware guards merchant API routes.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates a new auth middleware with the given AuthService.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		logger:      logger,
	}
}

// RequireMerchant validates the token and checks that the merchant in the URL
// path parameter pathParam is the token's merchant.
func (m *Middleware) RequireMerchant(pathParam string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, token, err := m.authService.ValidateRequest(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}
			if err := m.authService.RequireMerchantID(claims); err != nil {
				writeAuthError(w, http.StatusBadRequest, "bad_request", "Missing merchant ID in token")
				return
			}
			if err := m.authService.ValidateMerchantIDMatch(claims, r.PathValue(pathParam)); err != nil {
				writeAuthError(w, http.StatusForbidden, "forbidden", "Merchant ID mismatch between token and URL")
				return
			}

			next(w, r.WithContext(WithClaims(r.Context(), claims, token)))
		}
	}
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
