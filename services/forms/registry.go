package forms

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zari-lab/labdata/models"
	"github.com/zari-lab/labdata/services"
)

// Form kinds
const (
	KindWaterAnalysis         = "water_analysis"
	KindWaterWorksheet        = "water_worksheet"
	KindTraceWorksheet        = "trace_worksheet"
	KindSoilAnalysis          = "soil_analysis"
	KindPHBases               = "ph_bases"
	KindOrganicCarbonNitrogen = "organic_carbon_nitrogen"
	KindEquipmentLog          = "equipment_log"
)

// Kind describes one lab form and the collection its submissions live in
type Kind struct {
	Name       string
	Title      string
	TitleField string // field shown in listings; empty uses Title
	Versioned  bool
	Required   []string
	Validate   func(doc models.Record) error
}

// Registry maps kind names to kinds
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry creates a registry of kinds
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		r.kinds[k.Name] = k
	}
	return r
}

// DefaultRegistry returns the lab's forms. Only the water analysis report
// is versioned and declares required fields.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Kind{
			Name:       KindWaterAnalysis,
			Title:      "Water Analysis Report",
			TitleField: "lab_number",
			Versioned:  true,
			Required:   []string{"lab_number", "farm_location", "date_received", "date_reported"},
			Validate:   requireSampleData,
		},
		Kind{Name: KindWaterWorksheet, Title: "Water Worksheet", TitleField: "lab_number"},
		Kind{Name: KindTraceWorksheet, Title: "Trace Worksheet", TitleField: "lab_number"},
		Kind{Name: KindSoilAnalysis, Title: "Soil Analysis Report", TitleField: "lab_number"},
		Kind{Name: KindPHBases, Title: "pH and Exchangeable Bases", TitleField: "lab_number"},
		Kind{Name: KindOrganicCarbonNitrogen, Title: "Organic Carbon and Nitrogen", TitleField: "lab_number"},
		Kind{Name: KindEquipmentLog, Title: "Equipment Log", TitleField: "equipment_name"},
	)
}

// Lookup returns the kind called name
func (r *Registry) Lookup(name string) (Kind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return Kind{}, services.NewNotFoundError(fmt.Sprintf("unknown form %q", name), nil)
	}
	return k, nil
}

// Kinds returns all kinds sorted by name
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check verifies the required fields of doc
func (k Kind) Check(doc models.Record) error {
	var missing []string
	for _, field := range k.Required {
		if isBlank(doc[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return services.NewValidationError("Please fill in all required fields: " + strings.Join(missing, ", ")).
			WithDetail("missing", missing)
	}
	if k.Validate != nil {
		return k.Validate(doc)
	}
	return nil
}

// DocumentTitle returns the listing title of doc
func (k Kind) DocumentTitle(doc models.Record) string {
	if k.TitleField != "" {
		if s := strings.TrimSpace(fmt.Sprint(doc[k.TitleField])); doc.Has(k.TitleField) && s != "" {
			return s
		}
	}
	return k.Title
}

// sampleLabelFields identify a sample without carrying a measurement
var sampleLabelFields = map[string]bool{
	"sample_ref":     true,
	"lab_num":        true,
	"salinity_class": true,
}

func requireSampleData(doc models.Record) error {
	samples, _ := doc["samples"].([]any)
	for _, s := range samples {
		sample, ok := s.(map[string]any)
		if !ok {
			continue
		}
		for key, v := range sample {
			if !sampleLabelFields[key] && !isBlank(v) {
				return nil
			}
		}
	}
	return services.NewValidationError("At least one sample must have data.").WithDetail("field", "samples")
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
