// Package mapper exports lab orders as FHIR R5 bundles.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
	fhir "github.com/drfirst/go-labflow/internal/fhir/r5"
)

// LabToFHIRMapper turns an order snapshot into a collection bundle holding a
// ServiceRequest per test, plus the Specimen, Observations and
// DiagnosticReport once the test has reached those stages.
type LabToFHIRMapper struct {
	// Registry supplies units and reference ranges.
	Registry laborder.Registry
	// PatientResolver resolves a patient reference to a display resource.
	// When nil the reference is exported as is.
	PatientResolver func(reference string) (*fhir.Patient, error)
	// PractitionerResolver resolves clinician and staff references.
	PractitionerResolver func(reference string) (*fhir.Practitioner, error)
	// DocumentURL builds the link placed in a report's presentedForm.
	DocumentURL func(orderID, testID string, ref laborder.DocumentRef) string
	// Now stamps the bundle.
	Now func() time.Time
}

// MapError represents a mapping error with context
type MapError struct {
	Field   string
	Code    string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// NewLabToFHIRMapper creates a mapper without directory lookups.
func NewLabToFHIRMapper(reg laborder.Registry) *LabToFHIRMapper {
	return &LabToFHIRMapper{
		Registry: reg,
		DocumentURL: func(orderID, testID string, _ laborder.DocumentRef) string {
			return fmt.Sprintf("/api/v1/orders/%s/tests/%s/document", orderID, testID)
		},
		Now: time.Now,
	}
}

// panelCodes maps the built-in test codes to LOINC panels.
var panelCodes = map[string]fhir.Coding{
	"CBC":  {System: fhir.SystemLOINC, Code: "58410-2", Display: "CBC panel - Blood by Automated count"},
	"FBS":  {System: fhir.SystemLOINC, Code: "1558-6", Display: "Fasting glucose [Mass/volume] in Serum or Plasma"},
	"LIP":  {System: fhir.SystemLOINC, Code: "57698-3", Display: "Lipid panel with direct LDL - Serum or Plasma"},
	"LFT":  {System: fhir.SystemLOINC, Code: "24325-3", Display: "Hepatic function 2000 panel - Serum or Plasma"},
	"RFT":  {System: fhir.SystemLOINC, Code: "24362-6", Display: "Renal function 2000 panel - Serum or Plasma"},
	"ELEC": {System: fhir.SystemLOINC, Code: "24326-1", Display: "Electrolytes 1998 panel - Serum or Plasma"},
	"MP":   {System: fhir.SystemLOINC, Code: "32700-7", Display: "Microscopic observation [Identifier] in Blood by Malaria smear"},
	"UA":   {System: fhir.SystemLOINC, Code: "24356-8", Display: "Urinalysis complete panel - Urine"},
}

var specimenCodes = map[laborder.SampleType]fhir.Coding{
	laborder.SampleBlood:  {System: fhir.SystemSpecimenType, Code: "BLD", Display: "Whole blood"},
	laborder.SampleUrine:  {System: fhir.SystemSpecimenType, Code: "UR", Display: "Urine"},
	laborder.SampleStool:  {System: fhir.SystemSpecimenType, Code: "STL", Display: "Stool = Fecal"},
	laborder.SampleSputum: {System: fhir.SystemSpecimenType, Code: "SPT", Display: "Sputum"},
	laborder.SampleCSF:    {System: fhir.SystemSpecimenType, Code: "CSF", Display: "Cerebral spinal fluid"},
}

var interpretationCodes = map[laborder.Interpretation]fhir.Coding{
	laborder.InterpretationNormal:   {System: fhir.SystemInterpretation, Code: "N", Display: "Normal"},
	laborder.InterpretationAbnormal: {System: fhir.SystemInterpretation, Code: "A", Display: "Abnormal"},
	laborder.InterpretationCritical: {System: fhir.SystemInterpretation, Code: "AA", Display: "Critical abnormal"},
}

var priorityCodes = map[laborder.Priority]string{
	laborder.PriorityRoutine: "routine",
	laborder.PriorityUrgent:  "urgent",
	laborder.PrioritySTAT:    "stat",
}

// resourceID derives a stable UUID so repeated exports of the same order
// produce the same full URLs.
func resourceID(kind, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("labflow:"+kind+":"+key)).String()
}

func ref(id, display string) *fhir.Reference {
	return &fhir.Reference{Reference: "urn:uuid:" + id, Display: display}
}

// MapOrder builds the bundle for one order.
func (m *LabToFHIRMapper) MapOrder(order *laborder.OrderSnapshot) (*fhir.Bundle, error) {
	if order == nil {
		return nil, &MapError{Field: "Order", Code: "NULL_INPUT", Message: "order is required"}
	}

	patient, err := m.patientRef(order.PatientRef)
	if err != nil {
		return nil, err
	}
	requester, err := m.practitionerRef(order.ClinicianRef)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	stamp := now().UTC()
	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           resourceID("bundle", order.ID),
		Identifier:   &fhir.Identifier{System: fhir.SystemLabOrderCode, Value: order.Code},
		Type:         "collection",
		Timestamp:    &stamp,
	}

	for _, t := range order.Tests {
		if err := m.mapTest(bundle, order, t, patient, requester); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

func (m *LabToFHIRMapper) mapTest(b *fhir.Bundle, order *laborder.OrderSnapshot, t laborder.TestSnapshot, patient, requester fhir.Reference) error {
	srID := resourceID("service-request", t.ID)
	code := testCode(t)

	sr := &fhir.ServiceRequest{
		ResourceType: "ServiceRequest",
		ID:           srID,
		Identifier:   []fhir.Identifier{{System: fhir.SystemLabTestID, Value: t.ID}},
		Requisition:  &fhir.Identifier{System: fhir.SystemLabOrderCode, Value: order.Code},
		Status:       fhir.RequestActive,
		Intent:       "order",
		Category:     []fhir.CodeableConcept{*fhir.Concept(fhir.SystemSNOMED, "108252007", "Laboratory procedure")},
		Priority:     priorityCodes[order.Priority],
		Code:         &fhir.CodeableReference{Concept: &code},
		Subject:      patient,
		AuthoredOn:   timePtr(order.OrderedAt),
		Requester:    &requester,
	}
	if t.State == laborder.StateVerified {
		sr.Status = fhir.RequestCompleted
	}
	if order.ClinicalNotes != "" {
		sr.Note = []fhir.Annotation{{Text: order.ClinicalNotes}}
	}
	if t.Route == laborder.RouteOutsourced && t.OutsourcedLab != "" {
		sr.Performer = []fhir.Reference{{Type: "Organization", Display: t.OutsourcedLab}}
	}

	var (
		specimen *fhir.Reference
		spec     *fhir.Specimen
	)
	if t.CollectedAt != nil {
		specID := resourceID("specimen", t.ID)
		specimen = ref(specID, string(t.SampleType))
		sr.Specimen = []fhir.Reference{*specimen}
		collector, err := m.practitionerRef(t.CollectedBy)
		if err != nil {
			return err
		}
		spec = &fhir.Specimen{
			ResourceType: "Specimen",
			ID:           specID,
			Status:       fhir.SpecimenAvailable,
			Type:         specimenType(t.SampleType),
			Subject:      &patient,
			Request:      []fhir.Reference{*ref(srID, t.Name)},
			Collection: &fhir.SpecimenCollection{
				Collector:         &collector,
				CollectedDateTime: t.CollectedAt,
				Method:            &fhir.CodeableConcept{Text: t.CollectionMethod},
			},
		}
		if t.CollectionNotes != "" {
			spec.Note = []fhir.Annotation{{Text: t.CollectionNotes}}
		}
	}

	if err := b.Add(srID, sr); err != nil {
		return err
	}
	if spec != nil {
		if err := b.Add(spec.ID, spec); err != nil {
			return err
		}
	}

	if t.ResultKind == laborder.ResultNone {
		return nil
	}
	return m.mapResult(b, order, t, srID, code, patient, specimen)
}

func (m *LabToFHIRMapper) mapResult(b *fhir.Bundle, order *laborder.OrderSnapshot, t laborder.TestSnapshot, srID string, code fhir.CodeableConcept, patient fhir.Reference, specimen *fhir.Reference) error {
	status := reportStatus(t.State)
	performer, err := m.practitionerRef(t.SubmittedBy)
	if err != nil {
		return err
	}

	report := &fhir.DiagnosticReport{
		ResourceType: "DiagnosticReport",
		ID:           resourceID("report", t.ID),
		Identifier:   []fhir.Identifier{{System: fhir.SystemLabTestID, Value: t.ID}},
		BasedOn:      []fhir.Reference{*ref(srID, t.Name)},
		Status:       status,
		Category:     []fhir.CodeableConcept{*fhir.Concept(fhir.SystemDiagnosticSect, "LAB", "Laboratory")},
		Code:         code,
		Subject:      &patient,
		Issued:       t.SubmittedAt,
		Performer:    []fhir.Reference{performer},
	}
	if specimen != nil {
		report.Specimen = []fhir.Reference{*specimen}
	}
	if t.ResultNotes != "" {
		report.Note = append(report.Note, fhir.Annotation{Text: t.ResultNotes})
	}
	if t.RejectionReason != "" {
		report.Note = append(report.Note, fhir.Annotation{
			AuthorString: t.RejectedBy,
			Time:         t.RejectedAt,
			Text:         "Rejected: " + t.RejectionReason,
		})
	}

	var interpretation []fhir.CodeableConcept
	if t.State == laborder.StateVerified {
		verifier, err := m.practitionerRef(t.VerifiedBy)
		if err != nil {
			return err
		}
		report.ResultsInterpreter = []fhir.Reference{verifier}
		report.Conclusion = t.VerificationNotes
		if c, ok := interpretationCodes[t.Interpretation]; ok {
			interpretation = []fhir.CodeableConcept{{Coding: []fhir.Coding{c}, Text: c.Display}}
			report.ConclusionCode = interpretation
		}
	}

	var observations []*fhir.Observation
	switch t.ResultKind {
	case laborder.ResultDocument:
		if t.ResultDocument != nil {
			url := t.ResultDocument.Key
			if m.DocumentURL != nil {
				url = m.DocumentURL(order.ID, t.ID, *t.ResultDocument)
			}
			report.PresentedForm = []fhir.Attachment{{
				ContentType: t.ResultDocument.ContentType,
				URL:         url,
				Title:       t.ResultDocument.Name,
				Creation:    timePtr(t.ResultDocument.UploadedAt),
			}}
		}
	case laborder.ResultValues:
		for _, f := range m.orderedFields(t) {
			obsID := resourceID("observation", t.ID+"/"+f.Name)
			obs := &fhir.Observation{
				ResourceType:   "Observation",
				ID:             obsID,
				Status:         status,
				Category:       []fhir.CodeableConcept{*fhir.Concept(fhir.SystemObservationCateg, "laboratory", "Laboratory")},
				Code:           fhir.CodeableConcept{Coding: []fhir.Coding{{System: fhir.SystemLabTestCode, Code: t.Code + "/" + f.Name, Display: f.Name}}, Text: f.Name},
				Subject:        &patient,
				BasedOn:        []fhir.Reference{*ref(srID, t.Name)},
				Specimen:       specimen,
				Issued:         t.SubmittedAt,
				Performer:      []fhir.Reference{performer},
				Interpretation: interpretation,
			}
			setValue(obs, t.ResultValues[f.Name], f.Unit)
			if f.ReferenceRange != "" {
				obs.ReferenceRange = []fhir.ObservationReferenceRange{{Text: f.ReferenceRange}}
			}
			observations = append(observations, obs)
			report.Result = append(report.Result, *ref(obsID, f.Name))
		}
	}

	if err := b.Add(report.ID, report); err != nil {
		return err
	}
	for _, obs := range observations {
		if err := b.Add(obs.ID, obs); err != nil {
			return err
		}
	}
	return nil
}

// orderedFields returns the template fields that carry a value, in
// template order, followed by any extra submitted fields sorted by name.
func (m *LabToFHIRMapper) orderedFields(t laborder.TestSnapshot) []laborder.FieldDefinition {
	var out []laborder.FieldDefinition
	seen := make(map[string]bool)
	for _, f := range laborder.FieldsFor(m.Registry, t.Code) {
		if _, ok := t.ResultValues[f.Name]; ok {
			out = append(out, f)
			seen[f.Name] = true
		}
	}
	for _, name := range laborder.NewValues(t.ResultValues).Names() {
		if !seen[name] {
			out = append(out, laborder.FieldDefinition{Name: name})
		}
	}
	return out
}

func (m *LabToFHIRMapper) patientRef(reference string) (fhir.Reference, error) {
	r := fhir.Reference{Reference: "Patient/" + reference, Type: "Patient"}
	if m.PatientResolver == nil {
		return r, nil
	}
	p, err := m.PatientResolver(reference)
	if err != nil {
		return fhir.Reference{}, &MapError{Field: "Patient", Code: "RESOLVE_FAILED", Message: "cannot resolve " + reference, Cause: err}
	}
	if p != nil {
		r.Display = p.GetFullName()
		if mrn := p.GetMRN(); mrn != "" {
			r.Identifier = &fhir.Identifier{Value: mrn}
		}
	}
	return r, nil
}

func (m *LabToFHIRMapper) practitionerRef(reference string) (fhir.Reference, error) {
	r := fhir.Reference{Reference: "Practitioner/" + reference, Type: "Practitioner"}
	if reference == "" {
		return fhir.Reference{}, nil
	}
	if m.PractitionerResolver == nil {
		return r, nil
	}
	p, err := m.PractitionerResolver(reference)
	if err != nil {
		return fhir.Reference{}, &MapError{Field: "Practitioner", Code: "RESOLVE_FAILED", Message: "cannot resolve " + reference, Cause: err}
	}
	if p != nil {
		r.Display = p.GetFullName()
	}
	return r, nil
}

func testCode(t laborder.TestSnapshot) fhir.CodeableConcept {
	local := fhir.Coding{System: fhir.SystemLabTestCode, Code: t.Code, Display: t.Name}
	if c, ok := panelCodes[strings.ToUpper(t.Code)]; ok {
		return fhir.CodeableConcept{Coding: []fhir.Coding{c, local}, Text: t.Name}
	}
	return fhir.CodeableConcept{Coding: []fhir.Coding{local}, Text: t.Name}
}

func specimenType(st laborder.SampleType) *fhir.CodeableConcept {
	if c, ok := specimenCodes[st]; ok {
		return &fhir.CodeableConcept{Coding: []fhir.Coding{c}, Text: string(st)}
	}
	return &fhir.CodeableConcept{Text: string(st)}
}

// reportStatus maps the test state onto the report lifecycle. A rejected
// result is under correction, so it is reported as partial.
func reportStatus(s laborder.State) string {
	switch s {
	case laborder.StateVerified:
		return fhir.StatusFinal
	case laborder.StateRejected:
		return fhir.StatusPartial
	case laborder.StateResultsReady:
		return fhir.StatusPreliminary
	}
	return fhir.StatusRegistered
}

// setValue stores numeric results as quantities and everything else as
// text.
func setValue(obs *fhir.Observation, raw, unit string) {
	if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
		obs.ValueQuantity = &fhir.Quantity{Value: v, Unit: unit}
		return
	}
	obs.ValueString = raw
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
