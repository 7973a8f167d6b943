// Package testhelpers provides containers and tokens for recete-engine tests.
package testhelpers

import (
	"encoding/base64"
	"fmt"
)

// GenerateTestJWT creates an unsigned token (alg: none) for use when
// verification is disabled. merchantID lands in the "mid" claim.
func GenerateTestJWT(sub, merchantID, email string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	payload := fmt.Sprintf(`{"sub":"%s"`, sub)
	if merchantID != "" {
		payload += fmt.Sprintf(`,"mid":"%s"`, merchantID)
	}
	if email != "" {
		payload += fmt.Sprintf(`,"email":"%s"`, email)
	}
	payload += "}"

	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return fmt.Sprintf("%s.%s.", header, encodedPayload)
}

// GenerateTestJWTWithBearer returns token with "Bearer " prefix for Authorization header.
func GenerateTestJWTWithBearer(sub, merchantID, email string) string {
	return "Bearer " + GenerateTestJWT(sub, merchantID, email)
}
