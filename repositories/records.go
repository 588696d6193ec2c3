package repositories

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ValidFieldName reports whether name may be used as a filter or sort key
func ValidFieldName(name string) bool {
	return fieldNamePattern.MatchString(name)
}

// EncodeRecord serializes a document the way every backend stores it
func EncodeRecord(doc models.Record) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a stored document. Timestamps come back as RFC3339
// strings and numbers as float64; models.Record accessors handle both.
func DecodeRecord(data []byte) (models.Record, error) {
	var doc models.Record
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// NormalizeRecord round-trips doc through the storage encoding
func NormalizeRecord(doc models.Record) (models.Record, error) {
	data, err := EncodeRecord(doc)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data)
}

// PrepareInsert copies doc and makes sure it carries an _id
func PrepareInsert(doc models.Record) (models.Record, uuid.UUID) {
	out := doc.Clone()
	if out == nil {
		out = models.Record{}
	}
	id, ok := out.ID()
	if !ok {
		id = uuid.New()
	}
	out[models.FieldID] = id.String()
	return out, id
}

// ValidateFilter rejects field names that cannot be used safely
func ValidateFilter(f Filter) error {
	for k := range f.Equals {
		if !ValidFieldName(k) {
			return fmt.Errorf("invalid filter field %q", k)
		}
	}
	for k, pattern := range f.Matches {
		if !ValidFieldName(k) {
			return fmt.Errorf("invalid filter field %q", k)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern for %q: %w", k, err)
		}
	}
	return nil
}
