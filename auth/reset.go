package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PurposePasswordReset marks tokens that may only be used to set a new password
const PurposePasswordReset = "password_reset"

type resetClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

// ResetTokens issues and verifies time-limited password reset tokens
type ResetTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewResetTokens creates a reset token issuer. now may be nil.
func NewResetTokens(secret string, ttl time.Duration, now func() time.Time) *ResetTokens {
	if now == nil {
		now = time.Now
	}
	return &ResetTokens{secret: []byte(secret), ttl: ttl, now: now}
}

// Issue returns a token for email and its expiry
func (r *ResetTokens) Issue(email string) (string, time.Time, error) {
	now := r.now()
	expires := now.Add(r.ttl)
	claims := resetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Purpose: PurposePasswordReset,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign reset token: %w", err)
	}
	return token, expires, nil
}

// Verify checks signature, expiry and purpose and returns the email the token was issued for
func (r *ResetTokens) Verify(tokenString string) (string, error) {
	claims := &resetClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Purpose != PurposePasswordReset {
		return "", fmt.Errorf("%w: wrong purpose %q", ErrInvalidToken, claims.Purpose)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}
