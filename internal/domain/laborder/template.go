package laborder

import (
	"sort"
	"strings"
)

// FallbackField is the single free-form field used when a test code has no
// registered template.
const FallbackField = "Result"

// FieldDefinition describes one expected result value.
type FieldDefinition struct {
	Name           string `json:"name"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"reference_range"`
}

// Template lists the structured result fields for a test code.
type Template struct {
	Code       string            `json:"code"`
	Name       string            `json:"name"`
	SampleType SampleType        `json:"sample_type"`
	Fields     []FieldDefinition `json:"fields"`
}

// FieldNames returns the template's field names in order.
func (t Template) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// Registry resolves test codes to templates.
type Registry interface {
	Lookup(code string) (Template, bool)
	All() []Template
}

// StaticRegistry is an immutable Registry backed by a fixed table.
type StaticRegistry struct {
	byCode map[string]Template
}

// NewStaticRegistry builds a registry from the given templates. Codes are
// matched case-insensitively; a later template replaces an earlier one with
// the same code.
func NewStaticRegistry(templates ...Template) *StaticRegistry {
	r := &StaticRegistry{byCode: make(map[string]Template, len(templates))}
	for _, t := range templates {
		fields := make([]FieldDefinition, len(t.Fields))
		copy(fields, t.Fields)
		t.Fields = fields
		r.byCode[strings.ToUpper(t.Code)] = t
	}
	return r
}

// Lookup returns the template registered for code.
func (r *StaticRegistry) Lookup(code string) (Template, bool) {
	t, ok := r.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Template{}, false
	}
	fields := make([]FieldDefinition, len(t.Fields))
	copy(fields, t.Fields)
	t.Fields = fields
	return t, true
}

// All returns every template sorted by code.
func (r *StaticRegistry) All() []Template {
	out := make([]Template, 0, len(r.byCode))
	for code := range r.byCode {
		t, _ := r.Lookup(code)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// FieldsFor returns the expected result fields for code, falling back to a
// single unlabeled field when no template is registered.
func FieldsFor(r Registry, code string) []FieldDefinition {
	if r != nil {
		if t, ok := r.Lookup(code); ok {
			return t.Fields
		}
	}
	return []FieldDefinition{{Name: FallbackField}}
}

// DefaultRegistry returns the built-in laboratory templates.
func DefaultRegistry() *StaticRegistry {
	return NewStaticRegistry(
		Template{Code: "CBC", Name: "Complete Blood Count", SampleType: SampleBlood, Fields: []FieldDefinition{
			{Name: "WBC", Unit: "×10³/μL", ReferenceRange: "4.0-11.0"},
			{Name: "RBC", Unit: "×10⁶/μL", ReferenceRange: "4.2-5.4"},
			{Name: "Hemoglobin", Unit: "g/dL", ReferenceRange: "13.5-17.5"},
			{Name: "Hematocrit", Unit: "%", ReferenceRange: "40-50"},
			{Name: "Platelets", Unit: "×10³/μL", ReferenceRange: "150-400"},
		}},
		Template{Code: "FBS", Name: "Fasting Blood Sugar", SampleType: SampleBlood, Fields: []FieldDefinition{
			{Name: "Glucose", Unit: "mg/dL", ReferenceRange: "70-100"},
		}},
		Template{Code: "LIP", Name: "Lipid Profile", SampleType: SampleBlood, Fields: []FieldDefinition{
			{Name: "Total Cholesterol", Unit: "mg/dL", ReferenceRange: "<200"},
			{Name: "LDL", Unit: "mg/dL", ReferenceRange: "<100"},
			{Name: "HDL", Unit: "mg/dL", ReferenceRange: ">40"},
			{Name: "Triglycerides", Unit: "mg/dL", ReferenceRange: "<150"},
		}},
		Template{Code: "LFT", Name: "Liver Function Test", SampleType: SampleBlood, Fields: []FieldDefinition{
			{Name: "ALT", Unit: "U/L", ReferenceRange: "7-56"},
			{Name: "AST", Unit: "U/L", ReferenceRange: "10-40"},
			{Name: "ALP", Unit: "U/L", ReferenceRange: "44-147"},
			{Name: "Bilirubin (Total)", Unit: "mg/dL", ReferenceRange: "0.1-1.2"},
			{Name: "Albumin", Unit: "g/dL", ReferenceRange: "3.5-5.0"},
		}},
		Template{Code: "RFT", Name: "Renal Function Test", SampleType: SampleBlood, Fields: []FieldDefinition{
			{Name: "Creatinine", Unit: "mg/dL", ReferenceRange: "0.7-1.3"},
			{Name: "BUN", Unit: "mg/dL", ReferenceRange: "7-20"},
			{Name: "eGFR", Unit: "mL/min", ReferenceRange: ">90"},
		}},
		Template{Code: "ELEC", Name: "Serum Electrolytes", SampleType: SampleBlood, Fields: []FieldDefinition{
			{Name: "Sodium", Unit: "mmol/L", ReferenceRange: "135-145"},
			{Name: "Potassium", Unit: "mmol/L", ReferenceRange: "3.5-5.0"},
			{Name: "Chloride", Unit: "mmol/L", ReferenceRange: "98-107"},
			{Name: "Bicarbonate", Unit: "mmol/L", ReferenceRange: "22-29"},
		}},
		Template{Code: "MP", Name: "Malaria Parasite", SampleType: SampleBlood, Fields: []FieldDefinition{
			{Name: "Result", ReferenceRange: "Negative"},
			{Name: "Parasite Count", Unit: "/μL", ReferenceRange: "0"},
			{Name: "Species", ReferenceRange: "N/A"},
		}},
		Template{Code: "UA", Name: "Urinalysis", SampleType: SampleUrine, Fields: []FieldDefinition{
			{Name: "Appearance", ReferenceRange: "Clear"},
			{Name: "pH", ReferenceRange: "4.5-8.0"},
			{Name: "Specific Gravity", ReferenceRange: "1.005-1.030"},
			{Name: "Protein", ReferenceRange: "Negative"},
			{Name: "Glucose", ReferenceRange: "Negative"},
			{Name: "WBC", Unit: "/hpf", ReferenceRange: "0-5"},
			{Name: "RBC", Unit: "/hpf", ReferenceRange: "0-2"},
		}},
	)
}
