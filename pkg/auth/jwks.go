package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator validates a merchant API token and returns its claims.
type TokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
	Close()
}

// JWKSConfig configures JWKSClient.
type JWKSConfig struct {
	// EnableVerification false parses tokens without checking signatures (local development).
	EnableVerification bool
	// JWKSEndpoints maps trusted issuers to their JWKS URLs.
	JWKSEndpoints map[string]string
}

// JWKSClient verifies RS256 tokens against per-issuer JWKS key sets.
type JWKSClient struct {
	keySets map[string]keyfunc.Keyfunc
	cancel  context.CancelFunc
	verify  bool
}

// NewJWKSClient loads the key set of every configured issuer. Key sets refresh
// in the background until Close.
func NewJWKSClient(ctx context.Context, cfg *JWKSConfig) (*JWKSClient, error) {
	client := &JWKSClient{
		keySets: make(map[string]keyfunc.Keyfunc),
		verify:  cfg.EnableVerification,
		cancel:  func() {},
	}
	if !cfg.EnableVerification {
		return client, nil
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	client.cancel = cancel
	for issuer, jwksURL := range cfg.JWKSEndpoints {
		keySet, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load JWKS for issuer %s: %w", issuer, err)
		}
		client.keySets[issuer] = keySet
	}
	return client, nil
}

// ValidateToken verifies the signature and registered claims of tokenString.
// Tokens from issuers without a configured key set are rejected.
func (c *JWKSClient) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if !c.verify {
		return parseUnverified(tokenString)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		claims, ok := token.Claims.(*Claims)
		if !ok {
			return nil, errors.New("invalid claims type")
		}
		keySet, ok := c.keySets[claims.Issuer]
		if !ok {
			return nil, fmt.Errorf("unauthorized issuer: %s", claims.Issuer)
		}
		return keySet.KeyfuncCtx(ctx)(token)
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

func parseUnverified(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

// Close stops background key refresh.
func (c *JWKSClient) Close() {
	c.cancel()
}

var _ TokenValidator = (*JWKSClient)(nil)
