package forms

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zari-lab/labdata/models"
)

// Export is a rendered CSV file
type Export struct {
	Filename string
	Header   []string
	Row      []string
}

// ExportCSV renders submission id of kind as a two-line CSV: the flattened
// field names (dotted paths, sorted) and their values
func (s *FormService) ExportCSV(ctx context.Context, kind string, id uuid.UUID) (*Export, error) {
	doc, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	flat := make(map[string]string)
	flatten("", map[string]any(doc.Without(models.FieldID)), flat)

	header := make([]string, 0, len(flat))
	for k := range flat {
		header = append(header, k)
	}
	sort.Strings(header)

	row := make([]string, len(header))
	for i, k := range header {
		row[i] = flat[k]
	}

	name := strings.Map(safeFilenameRune, doc.String("lab_number"))
	if name == "" {
		name = id.String()
	}
	return &Export{
		Filename: fmt.Sprintf("%s_%s.csv", kind, name),
		Header:   header,
		Row:      row,
	}, nil
}

// WriteTo writes the export as CSV
func (e *Export) WriteTo(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(e.Header); err != nil {
		return err
	}
	if err := cw.Write(e.Row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func flatten(prefix string, v any, out map[string]string) {
	join := func(key string) string {
		if prefix == "" {
			return key
		}
		return prefix + "." + key
	}

	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			flatten(join(k), child, out)
		}
	case models.Record:
		flatten(prefix, map[string]any(t), out)
	case []any:
		for i, child := range t {
			flatten(join(strconv.Itoa(i)), child, out)
		}
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = t
	case float64:
		out[prefix] = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(t)
	default:
		out[prefix] = fmt.Sprint(t)
	}
}

func safeFilenameRune(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		return r
	}
	return -1
}
