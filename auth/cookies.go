package auth

import (
	"errors"
	"net/http"
)

// ErrNoSession is returned when the request carries no session cookie
var ErrNoSession = errors.New("no session")

// CookieTransport carries the signed session in an HttpOnly cookie.
// Clearing the session expires the cookie.
type CookieTransport struct {
	name   string
	secure bool
	codec  *SessionCodec
}

// NewCookieTransport creates a transport writing cookie name
func NewCookieTransport(name string, secure bool, codec *SessionCodec) *CookieTransport {
	return &CookieTransport{name: name, secure: secure, codec: codec}
}

// Establish signs s and sets it as a browser-session cookie
func (t *CookieTransport) Establish(w http.ResponseWriter, s Session) error {
	token, err := t.codec.Encode(s)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     t.name,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Read returns the session carried by r. A missing cookie yields ErrNoSession;
// a tampered one ErrInvalidToken.
func (t *CookieTransport) Read(r *http.Request) (*Session, error) {
	c, err := r.Cookie(t.name)
	if err != nil || c.Value == "" {
		return nil, ErrNoSession
	}
	return t.codec.Decode(c.Value)
}

// Clear expires the session cookie
func (t *CookieTransport) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     t.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
