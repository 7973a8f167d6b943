package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetMerchantIDFromContext returns the merchant ID from the JWT claims in ctx,
// or uuid.Nil when unauthenticated or malformed.
func GetMerchantIDFromContext(ctx context.Context) uuid.UUID {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil || claims.MerchantID == "" {
		return uuid.Nil
	}
	merchantID, err := uuid.Parse(claims.MerchantID)
	if err != nil {
		return uuid.Nil
	}
	return merchantID
}

// RequireMerchantIDFromContext is GetMerchantIDFromContext for callers that
// cannot proceed without a merchant.
func RequireMerchantIDFromContext(ctx context.Context) (uuid.UUID, error) {
	merchantID := GetMerchantIDFromContext(ctx)
	if merchantID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("merchant ID not found in context")
	}
	return merchantID, nil
}

// GetSubjectFromContext returns the token subject, or "" when absent.
func GetSubjectFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}
