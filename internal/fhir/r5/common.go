// Package r5 provides the FHIR R5 data structures used to export lab orders
// and their results.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Source      string    `json:"source,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
	Tag         []Coding  `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use      string           `json:"use,omitempty"` // usual | official | temp | secondary | old
	Type     *CodeableConcept `json:"type,omitempty"`
	System   string           `json:"system,omitempty"`
	Value    string           `json:"value,omitempty"`
	Assigner *Reference       `json:"assigner,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Concept builds a single-coding concept.
func Concept(system, code, display string) *CodeableConcept {
	return &CodeableConcept{
		Coding: []Coding{{System: system, Code: code, Display: display}},
		Text:   display,
	}
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value      float64 `json:"value,omitempty"`
	Comparator string  `json:"comparator,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	System     string  `json:"system,omitempty"`
	Code       string  `json:"code,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorReference *Reference `json:"authorReference,omitempty"`
	AuthorString    string     `json:"authorString,omitempty"`
	Time            *time.Time `json:"time,omitempty"`
	Text            string     `json:"text"`
}

// Attachment points at content held elsewhere, such as a scanned report.
type Attachment struct {
	ContentType string     `json:"contentType,omitempty"`
	URL         string     `json:"url,omitempty"`
	Title       string     `json:"title,omitempty"`
	Creation    *time.Time `json:"creation,omitempty"`
}

// HumanName represents a human name.
type HumanName struct {
	Use    string   `json:"use,omitempty"` // usual | official | temp | nickname | anonymous | old | maiden
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    "error",
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// Common code systems
const (
	SystemLOINC            = "http://loinc.org"
	SystemSNOMED           = "http://snomed.info/sct"
	SystemUCUM             = "http://unitsofmeasure.org"
	SystemDiagnosticSect   = "http://terminology.hl7.org/CodeSystem/v2-0074"
	SystemSpecimenType     = "http://terminology.hl7.org/CodeSystem/v2-0487"
	SystemInterpretation   = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
	SystemObservationCateg = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemLabOrderCode     = "urn:labflow:order-code"
	SystemLabTestCode      = "urn:labflow:test-code"
	SystemLabTestID        = "urn:labflow:test-id"
)

// ServiceRequest statuses
const (
	RequestActive    = "active"
	RequestCompleted = "completed"
)

// DiagnosticReport and Observation statuses
const (
	StatusRegistered  = "registered"
	StatusPartial     = "partial"
	StatusPreliminary = "preliminary"
	StatusFinal       = "final"
)

// Specimen statuses
const (
	SpecimenAvailable = "available"
)
