package middleware

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
)

// Flash categories
const (
	FlashSuccess = "success"
	FlashWarning = "warning"
	FlashError   = "error"
)

// FlashCookieName carries messages across one redirect
const FlashCookieName = "flash"

// FlashMessage is a one-shot message shown by the next page read
type FlashMessage struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

// SetFlash replaces the pending flash messages. Empty input is a no-op.
func SetFlash(w http.ResponseWriter, messages ...FlashMessage) {
	if len(messages) == 0 {
		return
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     FlashCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(data),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ConsumeFlash returns the pending flash messages and expires the cookie.
// A malformed cookie yields nothing.
func ConsumeFlash(w http.ResponseWriter, r *http.Request) []FlashMessage {
	c, err := r.Cookie(FlashCookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	http.SetCookie(w, &http.Cookie{
		Name:     FlashCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	data, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil
	}
	var messages []FlashMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil
	}
	return messages
}

// Warnings converts warning strings into flash messages
func Warnings(warnings []string) []FlashMessage {
	out := make([]FlashMessage, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, FlashMessage{Category: FlashWarning, Text: w})
	}
	return out
}
