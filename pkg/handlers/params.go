package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseMerchantID extracts and validates the merchant ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: merchantId
func ParseMerchantID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "merchantId", "invalid_merchant_id", "Invalid merchant ID format", logger)
}

// ParseProductID extracts and validates the product ID from the request path.
// Expects path parameter: productId
func ParseProductID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "productId", "invalid_product_id", "Invalid product ID format", logger)
}

// ParseConversationID extracts and validates the conversation ID from the request path.
// Expects path parameter: conversationId
func ParseConversationID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "conversationId", "invalid_conversation_id", "Invalid conversation ID format", logger)
}

// ParseOrderID extracts and validates the order ID from the request path.
// Expects path parameter: orderId
func ParseOrderID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "orderId", "invalid_order_id", "Invalid order ID format", logger)
}

func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(pathParam))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}
