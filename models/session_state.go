package models

import (
	"fmt"
	"time"
)

// SessionKind tags a SessionState
type SessionKind int

const (
	SessionLoggedOut SessionKind = iota
	SessionLoggedIn
)

// String returns a human-readable kind name
func (k SessionKind) String() string {
	switch k {
	case SessionLoggedOut:
		return "LoggedOut"
	case SessionLoggedIn:
		return "LoggedIn"
	default:
		return fmt.Sprintf("SessionKind(%d)", int(k))
	}
}

// SessionState is either LoggedOut or LoggedIn{since}.
// The zero value is LoggedOut.
type SessionState struct {
	kind  SessionKind
	since time.Time
}

// LoggedOut returns the logged-out state
func LoggedOut() SessionState {
	return SessionState{kind: SessionLoggedOut}
}

// LoggedIn returns the logged-in state starting at since
func LoggedIn(since time.Time) SessionState {
	return SessionState{kind: SessionLoggedIn, since: since}
}

// Kind returns the state tag
func (s SessionState) Kind() SessionKind {
	return s.kind
}

// IsLoggedIn reports whether the state is LoggedIn
func (s SessionState) IsLoggedIn() bool {
	return s.kind == SessionLoggedIn
}

// Since returns the login time; ok is false when logged out
func (s SessionState) Since() (time.Time, bool) {
	if s.kind != SessionLoggedIn {
		return time.Time{}, false
	}
	return s.since, true
}

// Elapsed returns the time spent logged in as of now, or zero when logged out
func (s SessionState) Elapsed(now time.Time) time.Duration {
	if s.kind != SessionLoggedIn {
		return 0
	}
	return now.Sub(s.since)
}

// Expired reports whether a logged-in state has outlived lifetime
func (s SessionState) Expired(now time.Time, lifetime time.Duration) bool {
	return s.kind == SessionLoggedIn && s.Elapsed(now) > lifetime
}

func (s SessionState) String() string {
	if s.kind == SessionLoggedIn {
		return fmt.Sprintf("LoggedIn{since=%s}", s.since.Format(time.RFC3339))
	}
	return s.kind.String()
}
