package r5

import (
	"encoding/json"
	"time"
)

// ServiceRequest is the order for one lab test.
type ServiceRequest struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	Meta         *Meta              `json:"meta,omitempty"`
	Identifier   []Identifier       `json:"identifier,omitempty"`
	Requisition  *Identifier        `json:"requisition,omitempty"`
	Status       string             `json:"status"`
	Intent       string             `json:"intent"`
	Category     []CodeableConcept  `json:"category,omitempty"`
	Priority     string             `json:"priority,omitempty"` // routine | urgent | asap | stat
	Code         *CodeableReference `json:"code,omitempty"`
	Subject      Reference          `json:"subject"`
	AuthoredOn   *time.Time         `json:"authoredOn,omitempty"`
	Requester    *Reference         `json:"requester,omitempty"`
	Performer    []Reference        `json:"performer,omitempty"`
	Specimen     []Reference        `json:"specimen,omitempty"`
	Note         []Annotation       `json:"note,omitempty"`
}

// Specimen is the collected sample.
type Specimen struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id,omitempty"`
	Status       string              `json:"status,omitempty"`
	Type         *CodeableConcept    `json:"type,omitempty"`
	Subject      *Reference          `json:"subject,omitempty"`
	Request      []Reference         `json:"request,omitempty"`
	Collection   *SpecimenCollection `json:"collection,omitempty"`
	Note         []Annotation        `json:"note,omitempty"`
}

// SpecimenCollection records who took the sample and how.
type SpecimenCollection struct {
	Collector         *Reference       `json:"collector,omitempty"`
	CollectedDateTime *time.Time       `json:"collectedDateTime,omitempty"`
	Method            *CodeableConcept `json:"method,omitempty"`
}

// ObservationReferenceRange gives the expected range as free text.
type ObservationReferenceRange struct {
	Text string `json:"text,omitempty"`
}

// Observation is one measured result field.
type Observation struct {
	ResourceType   string                      `json:"resourceType"`
	ID             string                      `json:"id,omitempty"`
	Status         string                      `json:"status"`
	Category       []CodeableConcept           `json:"category,omitempty"`
	Code           CodeableConcept             `json:"code"`
	Subject        *Reference                  `json:"subject,omitempty"`
	BasedOn        []Reference                 `json:"basedOn,omitempty"`
	Specimen       *Reference                  `json:"specimen,omitempty"`
	Issued         *time.Time                  `json:"issued,omitempty"`
	Performer      []Reference                 `json:"performer,omitempty"`
	ValueQuantity  *Quantity                   `json:"valueQuantity,omitempty"`
	ValueString    string                      `json:"valueString,omitempty"`
	Interpretation []CodeableConcept           `json:"interpretation,omitempty"`
	ReferenceRange []ObservationReferenceRange `json:"referenceRange,omitempty"`
}

// DiagnosticReport groups the observations of one test.
type DiagnosticReport struct {
	ResourceType       string            `json:"resourceType"`
	ID                 string            `json:"id,omitempty"`
	Meta               *Meta             `json:"meta,omitempty"`
	Identifier         []Identifier      `json:"identifier,omitempty"`
	BasedOn            []Reference       `json:"basedOn,omitempty"`
	Status             string            `json:"status"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Code               CodeableConcept   `json:"code"`
	Subject            *Reference        `json:"subject,omitempty"`
	Issued             *time.Time        `json:"issued,omitempty"`
	Performer          []Reference       `json:"performer,omitempty"`
	ResultsInterpreter []Reference       `json:"resultsInterpreter,omitempty"`
	Specimen           []Reference       `json:"specimen,omitempty"`
	Result             []Reference       `json:"result,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
	Conclusion         string            `json:"conclusion,omitempty"`
	ConclusionCode     []CodeableConcept `json:"conclusionCode,omitempty"`
	PresentedForm      []Attachment      `json:"presentedForm,omitempty"`
}

// Bundle is a collection of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"` // collection | document | transaction | ...
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource. Resource is kept as raw JSON so entries of
// different types round-trip without a type switch.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// Add appends resource under a urn:uuid full URL.
func (b *Bundle) Add(id string, resource interface{}) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	b.Entry = append(b.Entry, BundleEntry{FullURL: "urn:uuid:" + id, Resource: raw})
	return nil
}

// ResourceTypes lists the resourceType of each entry in order.
func (b *Bundle) ResourceTypes() []string {
	out := make([]string, 0, len(b.Entry))
	for _, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		_ = json.Unmarshal(e.Resource, &head)
		out = append(out, head.ResourceType)
	}
	return out
}
