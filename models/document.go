package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Well-known document fields
const (
	FieldID         = "_id"
	FieldCollection = "collection"
	FieldCreatedAt  = "created_at"
	FieldCreatedBy  = "created_by"
	FieldEditedAt   = "edited_at"
)

// Fields that exist only on version snapshots
const (
	FieldOriginalID       = "original_id"
	FieldVersionNumber    = "version_number"
	FieldVersionCreatedAt = "version_created_at"
	FieldVersionSavedAt   = "version_saved_at"
	FieldVersionCreatedBy = "version_created_by"
)

// VersionBookkeepingFields are stripped when a version is restored onto its original
var VersionBookkeepingFields = []string{
	FieldOriginalID,
	FieldVersionNumber,
	FieldVersionCreatedAt,
	FieldVersionSavedAt,
	FieldVersionCreatedBy,
}

// Record is a semi-structured document addressed by its "_id" field
type Record map[string]any

// ID returns the document id
func (r Record) ID() (uuid.UUID, bool) {
	return r.UUID(FieldID)
}

// UUID reads a uuid stored either natively or as a string
func (r Record) UUID(key string) (uuid.UUID, bool) {
	switch v := r[key].(type) {
	case uuid.UUID:
		return v, true
	case string:
		id, err := uuid.Parse(v)
		return id, err == nil
	}
	return uuid.Nil, false
}

// String returns the value at key when it is a string
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Time reads a timestamp stored natively or as RFC3339 text
func (r Record) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// Int reads an integer that may have been decoded as float64 or json.Number
func (r Record) Int(key string) (int, bool) {
	switch v := r[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := strconv.Atoi(v.String())
		return n, err == nil
	}
	return 0, false
}

// Has reports whether key is present with a non-nil value
func (r Record) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// Clone returns a deep copy of maps and slices; scalar values are shared
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Record:
		return t.Clone()
	case map[string]any:
		return map[string]any(Record(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	}
	return v
}

// Without returns a copy of r without the given keys
func (r Record) Without(keys ...string) Record {
	out := r.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Keys returns the sorted field names
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Version is a typed view over a snapshot record
type Version struct {
	ID         uuid.UUID `json:"id"`
	OriginalID uuid.UUID `json:"original_id"`
	Number     int       `json:"version_number"`
	CreatedAt  time.Time `json:"version_created_at"`
	SavedAt    time.Time `json:"version_saved_at"`
	CreatedBy  string    `json:"version_created_by"`
	Content    Record    `json:"content"`
}

// VersionFromRecord decodes a snapshot record
func VersionFromRecord(r Record) (*Version, error) {
	id, ok := r.ID()
	if !ok {
		return nil, fmt.Errorf("version record has no valid %s", FieldID)
	}
	originalID, ok := r.UUID(FieldOriginalID)
	if !ok {
		return nil, fmt.Errorf("version %s has no valid %s", id, FieldOriginalID)
	}
	number, ok := r.Int(FieldVersionNumber)
	if !ok {
		return nil, fmt.Errorf("version %s has no %s", id, FieldVersionNumber)
	}
	createdAt, _ := r.Time(FieldVersionCreatedAt)
	savedAt, _ := r.Time(FieldVersionSavedAt)

	return &Version{
		ID:         id,
		OriginalID: originalID,
		Number:     number,
		CreatedAt:  createdAt,
		SavedAt:    savedAt,
		CreatedBy:  r.String(FieldVersionCreatedBy),
		Content:    r.Without(append([]string{FieldID}, VersionBookkeepingFields...)...),
	}, nil
}

// DocumentSummary is a listing entry for a stored form document
type DocumentSummary struct {
	ID         uuid.UUID  `json:"id"`
	Collection string     `json:"collection"`
	Title      string     `json:"title"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
}

// SummarizeRecord builds a listing entry, returning false when the record has no id
func SummarizeRecord(collection, title string, r Record) (DocumentSummary, bool) {
	id, ok := r.ID()
	if !ok {
		return DocumentSummary{}, false
	}
	s := DocumentSummary{
		ID:         id,
		Collection: collection,
		Title:      title,
		CreatedBy:  r.String(FieldCreatedBy),
	}
	s.CreatedAt, _ = r.Time(FieldCreatedAt)
	if t, ok := r.Time(FieldEditedAt); ok {
		s.EditedAt = &t
	}
	return s, true
}
