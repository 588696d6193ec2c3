package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of action being audited
type AuditEventType string

const (
	AuditEventLogin                  AuditEventType = "login"
	AuditEventLogout                 AuditEventType = "logout"
	AuditEventSessionTimeout         AuditEventType = "session_timeout"
	AuditEventUserRegistered         AuditEventType = "user_registered"
	AuditEventUserUpdate             AuditEventType = "user_update"
	AuditEventUserApproved           AuditEventType = "user_approved"
	AuditEventUserRejected           AuditEventType = "user_rejected"
	AuditEventPasswordResetRequested AuditEventType = "password_reset_requested"
	AuditEventPasswordReset          AuditEventType = "password_reset"
	AuditEventDocumentDeleted        AuditEventType = "document_deleted"
	AuditEventVersionRestored        AuditEventType = "version_restored"
	AuditEventVersionSaveFailure     AuditEventType = "version_save_failure"
	AuditEventVersionRestoreFailure  AuditEventType = "version_restore_failure"
	AuditEventVersionInsertAttempt   AuditEventType = "version_insert_attempt"
	AuditEventVersionInsertSuccess   AuditEventType = "version_insert_success"
	AuditEventVersionInsertFailure   AuditEventType = "version_insert_failure"
)

// AuditEvent is an append-only record of a security or administrative action
type AuditEvent struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	PrincipalID  *uuid.UUID      `json:"principal_id,omitempty" db:"principal_id"`
	Email        string          `json:"email" db:"email"`
	EventType    AuditEventType  `json:"event_type" db:"event_type"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	IPAddress    string          `json:"ip_address" db:"ip_address"`
	Changes      json.RawMessage `json:"changes,omitempty" db:"changes"` // JSONB for free-form payloads
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

// NewAuditEvent creates a new AuditEvent instance
func NewAuditEvent(eventType AuditEventType) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// At overrides the event timestamp
func (a *AuditEvent) At(t time.Time) *AuditEvent {
	a.Timestamp = t
	return a
}

// WithPrincipal sets the acting or affected principal
func (a *AuditEvent) WithPrincipal(id uuid.UUID, email string) *AuditEvent {
	a.PrincipalID = &id
	a.Email = email
	return a
}

// WithEmail sets the email without a principal id
func (a *AuditEvent) WithEmail(email string) *AuditEvent {
	a.Email = email
	return a
}

// WithOrigin sets the client address
func (a *AuditEvent) WithOrigin(ipAddress string) *AuditEvent {
	a.IPAddress = ipAddress
	return a
}

// WithChanges sets the change payload
func (a *AuditEvent) WithChanges(changes interface{}) *AuditEvent {
	if data, err := json.Marshal(changes); err == nil {
		a.Changes = data
	}
	return a
}

// WithError sets error information
func (a *AuditEvent) WithError(err error) *AuditEvent {
	if err == nil {
		return a
	}
	msg := err.Error()
	a.ErrorMessage = &msg
	return a
}
