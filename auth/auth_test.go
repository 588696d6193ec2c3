package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zari-lab/labdata/models"
	"golang.org/x/crypto/bcrypt"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(bcrypt.MinCost)

	digest, err := h.Hash("s3cret!")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret!", digest)
	assert.True(t, strings.HasPrefix(digest, "$2"))

	other, err := h.Hash("s3cret!")
	require.NoError(t, err)
	assert.NotEqual(t, digest, other, "salted")

	assert.True(t, h.Verify("s3cret!", digest))
	assert.False(t, h.Verify("wrong", digest))
	assert.False(t, h.Verify("s3cret!", "not-a-digest"))

	_, err = h.Hash("")
	assert.Error(t, err)

	assert.Equal(t, bcrypt.DefaultCost, NewBcryptHasher(0).Cost)
}

func TestSessionCodec(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	codec := NewSessionCodec("session-secret", fixedClock(at))
	p := models.NewPrincipal("ana@lab.test", "ana", "hash", models.RoleSuperuser)

	token, err := codec.Encode(SessionFor(p, at))
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		s, err := codec.Decode(token)
		require.NoError(t, err)
		assert.Equal(t, p.ID, s.PrincipalID)
		assert.Equal(t, "ana", s.Username)
		assert.Equal(t, "ana@lab.test", s.Email)
		assert.Equal(t, models.RoleSuperuser, s.Role)
		assert.True(t, at.Equal(s.IssuedAt))
	})

	t.Run("no expiry claim", func(t *testing.T) {
		later := NewSessionCodec("session-secret", fixedClock(at.Add(365*24*time.Hour)))
		_, err := later.Decode(token)
		assert.NoError(t, err, "session expiry is decided server-side")
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewSessionCodec("other", nil).Decode(token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("tampered", func(t *testing.T) {
		_, err := codec.Decode(token[:len(token)-2] + "xx")
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("rejects none algorithm", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Issuer:  "labdata",
			Subject: uuid.New().String(),
		})
		raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = codec.Decode(raw)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("missing subject", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "labdata"}).
			SignedString([]byte("session-secret"))
		require.NoError(t, err)
		_, err = codec.Decode(raw)
		assert.True(t, errors.Is(err, ErrMissingClaim))
	})
}

func TestResetTokens(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	tokens := NewResetTokens("reset-secret", time.Hour, fixedClock(at))

	token, expires, err := tokens.Issue("ana@lab.test")
	require.NoError(t, err)
	assert.Equal(t, at.Add(time.Hour), expires)

	t.Run("valid within ttl", func(t *testing.T) {
		verifier := NewResetTokens("reset-secret", time.Hour, fixedClock(at.Add(59*time.Minute)))
		email, err := verifier.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "ana@lab.test", email)
	})

	t.Run("expired", func(t *testing.T) {
		verifier := NewResetTokens("reset-secret", time.Hour, fixedClock(at.Add(61*time.Minute)))
		_, err := verifier.Verify(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("session token is not a reset token", func(t *testing.T) {
		session, err := NewSessionCodec("reset-secret", fixedClock(at)).Encode(Session{PrincipalID: uuid.New()})
		require.NoError(t, err)
		_, err = tokens.Verify(session)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong purpose", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, resetClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "labdata",
				Subject:   "ana@lab.test",
				ExpiresAt: jwt.NewNumericDate(at.Add(time.Hour)),
			},
			Purpose: "email_confirm",
		}).SignedString([]byte("reset-secret"))
		require.NoError(t, err)
		_, err = tokens.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestCookieTransport(t *testing.T) {
	codec := NewSessionCodec("session-secret", nil)
	transport := NewCookieTransport("labdata_session", true, codec)
	id := uuid.New()

	rec := httptest.NewRecorder()
	require.NoError(t, transport.Establish(rec, Session{PrincipalID: id, Username: "ana", Role: models.RoleNormal}))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "labdata_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)

	req := httptest.NewRequest(http.MethodGet, "/home", nil)
	req.AddCookie(cookies[0])
	s, err := transport.Read(req)
	require.NoError(t, err)
	assert.Equal(t, id, s.PrincipalID)

	_, err = transport.Read(httptest.NewRequest(http.MethodGet, "/home", nil))
	assert.ErrorIs(t, err, ErrNoSession)

	clear := httptest.NewRecorder()
	transport.Clear(clear)
	cleared := clear.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)
	assert.Empty(t, cleared[0].Value)
}
