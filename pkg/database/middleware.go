package database

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/auth"
)

// WithTenantContext creates middleware that sets up a merchant-scoped DB connection.
// It runs AFTER auth middleware and uses the merchant ID from JWT claims.
// The connection is automatically cleaned up after the handler returns.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.GetClaims(r.Context())
			if !ok || claims.MerchantID == "" {
				logger.Error("Missing merchant context in claims")
				writeError(w, http.StatusInternalServerError, "internal_error", "Missing merchant context")
				return
			}

			merchantID, err := uuid.Parse(claims.MerchantID)
			if err != nil {
				logger.Error("Invalid merchant ID format in claims",
					zap.String("merchant_id", claims.MerchantID),
					zap.Error(err))
				writeError(w, http.StatusBadRequest, "invalid_merchant_id", "Invalid merchant ID format")
				return
			}

			scope, err := db.WithTenant(r.Context(), merchantID)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("merchant_id", merchantID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			next(w, r.WithContext(SetTenantScope(r.Context(), scope)))
		}
	}
}

func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
