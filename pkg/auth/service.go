package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingMerchantID    = errors.New("missing merchant ID in token")
	ErrMerchantIDMismatch   = errors.New("merchant ID mismatch between token and URL")
)

// AuthService authenticates merchant API requests.
type AuthService interface {
	// ValidateRequest reads a Bearer token from the Authorization header and
	// returns its validated claims with the raw token.
	ValidateRequest(r *http.Request) (*Claims, string, error)

	// RequireMerchantID fails when the claims carry no merchant.
	RequireMerchantID(claims *Claims) error

	// ValidateMerchantIDMatch fails when urlMerchantID is set and differs from the token's.
	ValidateMerchantIDMatch(claims *Claims, urlMerchantID string) error
}

type authService struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewAuthService creates an AuthService backed by validator.
func NewAuthService(validator TokenValidator, logger *zap.Logger) AuthService {
	return &authService{
		validator: validator,
		logger:    logger.Named("auth"),
	}
}

func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		s.logger.Debug("No bearer token in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method))
		return nil, "", ErrMissingAuthorization
	}

	scheme, tokenString, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || tokenString == "" {
		s.logger.Debug("Invalid Authorization header format", zap.String("path", r.URL.Path))
		return nil, "", ErrInvalidAuthFormat
	}

	claims, err := s.validator.ValidateToken(r.Context(), tokenString)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path))
		return nil, "", err
	}
	return claims, tokenString, nil
}

func (s *authService) RequireMerchantID(claims *Claims) error {
	if claims.MerchantID == "" {
		return ErrMissingMerchantID
	}
	return nil
}

func (s *authService) ValidateMerchantIDMatch(claims *Claims, urlMerchantID string) error {
	if urlMerchantID != "" && claims.MerchantID != urlMerchantID {
		s.logger.Warn("Merchant ID mismatch",
			zap.String("url_merchant_id", urlMerchantID),
			zap.String("token_merchant_id", claims.MerchantID))
		return ErrMerchantIDMismatch
	}
	return nil
}

var _ AuthService = (*authService)(nil)
