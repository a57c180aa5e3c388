package enroll

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim out of a JWT bearer token without
// verifying its signature — the agent has no key to verify against, only
// the server does. This is purely informational: knowing when the current
// token expires lets the agent warn an operator well before the control
// link starts rejecting it. A non-JWT token (an opaque shared secret) is
// not an error here; it simply has no expiry to report.
func TokenExpiry(tokenString string) (time.Time, bool, error) {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}

	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return time.Time{}, false, nil
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// WarnIfExpiringSoon logs nothing itself — it returns a human-readable
// warning string when the token expires within window, or an empty string
// otherwise, leaving the caller free to choose how (or whether) to surface
// it.
func WarnIfExpiringSoon(tokenString string, window time.Duration) string {
	exp, ok, err := TokenExpiry(tokenString)
	if err != nil || !ok {
		return ""
	}
	remaining := time.Until(exp)
	if remaining <= 0 {
		return fmt.Sprintf("agent token expired at %s", exp.Format(time.RFC3339))
	}
	if remaining <= window {
		return fmt.Sprintf("agent token expires soon, at %s", exp.Format(time.RFC3339))
	}
	return ""
}
