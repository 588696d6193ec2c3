package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
)

const issuer = "labdata"

var (
	// ErrInvalidToken is returned for tokens with a bad signature, algorithm or shape
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for reset tokens past their expiry
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")
)

// Session is the per-request session context: who is logged in
type Session struct {
	PrincipalID uuid.UUID
	Username    string
	Email       string
	Role        models.Role
	IssuedAt    time.Time
}

// SessionFor builds the session established at login
func SessionFor(p *models.Principal, at time.Time) Session {
	return Session{
		PrincipalID: p.ID,
		Username:    p.Username,
		Email:       p.Email,
		Role:        p.Role,
		IssuedAt:    at,
	}
}

// sessionClaims is the signed cookie payload. It carries no exp claim:
// expiry is decided server-side from the principal's login_time.
type sessionClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// SessionCodec signs and verifies session tokens with HS256
type SessionCodec struct {
	secret []byte
	now    func() time.Time
}

// NewSessionCodec creates a codec. now may be nil.
func NewSessionCodec(secret string, now func() time.Time) *SessionCodec {
	if now == nil {
		now = time.Now
	}
	return &SessionCodec{secret: []byte(secret), now: now}
}

// Encode signs s
func (c *SessionCodec) Encode(s Session) (string, error) {
	issuedAt := s.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  s.PrincipalID.String(),
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
		Username: s.Username,
		Email:    s.Email,
		Role:     string(s.Role),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return token, nil
}

// Decode verifies a token and returns the session it carries
func (c *SessionCodec) Decode(tokenString string) (*Session, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sub: %v", ErrInvalidToken, err)
	}

	s := &Session{
		PrincipalID: id,
		Username:    claims.Username,
		Email:       claims.Email,
		Role:        models.Role(claims.Role),
	}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}
	return s, nil
}
