package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiry reads the exp claim from the credential without verifying the
// signature; verification is the server's job, the agent only needs to
// know when to expect a rotation. Returns zero time if the credential has
// no expiry.
func Expiry(credential string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(credential, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// ExpiresSoon reports whether the credential expires within window.
// Malformed credentials report false; the server will reject them and
// force re-enrollment through the normal path.
func ExpiresSoon(credential string, window time.Duration) bool {
	exp, err := Expiry(credential)
	if err != nil || exp.IsZero() {
		return false
	}
	return time.Until(exp) < window
}
