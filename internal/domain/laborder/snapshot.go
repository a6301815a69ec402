package laborder

import (
	"fmt"
	"time"
)

// TestSnapshot is the serialized form of a test, used both on the wire and
// by the stores.
type TestSnapshot struct {
	ID         string     `json:"test_id"`
	OrderID    string     `json:"order_id"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	SampleType SampleType `json:"sample_type"`
	State      State      `json:"state"`
	Version    int        `json:"version"`

	CollectedBy      string     `json:"collector,omitempty"`
	CollectionMethod string     `json:"method,omitempty"`
	CollectionNotes  string     `json:"collection_notes,omitempty"`
	CollectedAt      *time.Time `json:"collected_at,omitempty"`

	ProcessedBy   string     `json:"processor,omitempty"`
	Route         RouteName  `json:"route,omitempty"`
	OutsourcedLab string     `json:"outsourced_lab,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`

	ResultKind     ResultKind        `json:"result_kind"`
	ResultValues   map[string]string `json:"result_values,omitempty"`
	ResultDocument *DocumentRef      `json:"result_document,omitempty"`
	ResultNotes    string            `json:"result_notes,omitempty"`
	SubmittedBy    string            `json:"submitted_by,omitempty"`
	SubmittedAt    *time.Time        `json:"submitted_at,omitempty"`

	VerifiedBy        string         `json:"verified_by,omitempty"`
	VerifiedAt        *time.Time     `json:"verified_at,omitempty"`
	VerificationNotes string         `json:"verification_notes,omitempty"`
	Interpretation    Interpretation `json:"interpretation,omitempty"`

	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	ReworkCount     int        `json:"rework_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot serializes the test.
func (t *Test) Snapshot() TestSnapshot {
	s := TestSnapshot{
		ID:          t.id,
		OrderID:     t.orderID,
		Code:        t.code,
		Name:        t.name,
		SampleType:  t.sampleType,
		State:       t.state,
		Version:     t.version,
		ResultKind:  ResultNone,
		ResultNotes: t.resultNotes,
		SubmittedBy: t.submittedBy,
		SubmittedAt: timePtr(t.submittedAt),
		ReworkCount: t.reworkCount,
		CreatedAt:   t.createdAt,
		UpdatedAt:   t.updatedAt,
	}
	if c := t.collection; c != nil {
		s.CollectedBy, s.CollectionMethod, s.CollectionNotes, s.CollectedAt = c.By, c.Method, c.Notes, timePtr(c.At)
	}
	if p := t.processing; p != nil {
		s.ProcessedBy, s.ProcessedAt = p.By, timePtr(p.At)
	}
	if t.route != nil {
		s.Route, s.OutsourcedLab = t.route.Name(), LabName(t.route)
	}
	switch r := t.result.(type) {
	case Values:
		s.ResultKind, s.ResultValues = ResultValues, r.Fields()
	case Document:
		ref := r.Ref
		s.ResultKind, s.ResultDocument = ResultDocument, &ref
	}
	if v := t.verification; v != nil {
		s.VerifiedBy, s.VerifiedAt, s.VerificationNotes, s.Interpretation = v.By, timePtr(v.At), v.Notes, v.Interpretation
	}
	if r := t.rejection; r != nil {
		s.RejectedBy, s.RejectedAt, s.RejectionReason = r.By, timePtr(r.At), r.Reason
	}
	return s
}

// RestoreTest rebuilds a test from its snapshot, refusing records that
// break the lifecycle invariants.
func RestoreTest(s TestSnapshot) (*Test, error) {
	if !s.State.Valid() {
		return nil, fmt.Errorf("test %s: unknown state %q", s.ID, s.State)
	}
	t := &Test{
		id:          s.ID,
		orderID:     s.OrderID,
		code:        s.Code,
		name:        s.Name,
		sampleType:  s.SampleType,
		state:       s.State,
		version:     s.Version,
		result:      NoResult{},
		resultNotes: s.ResultNotes,
		submittedBy: s.SubmittedBy,
		reworkCount: s.ReworkCount,
		createdAt:   s.CreatedAt,
		updatedAt:   s.UpdatedAt,
	}
	if s.SubmittedAt != nil {
		t.submittedAt = *s.SubmittedAt
	}
	if s.CollectedAt != nil {
		t.collection = &Collection{By: s.CollectedBy, Method: s.CollectionMethod, Notes: s.CollectionNotes, At: *s.CollectedAt}
	}
	if s.ProcessedAt != nil {
		t.processing = &Processing{By: s.ProcessedBy, At: *s.ProcessedAt}
	}
	if s.Route != "" {
		if t.collection == nil {
			return nil, fmt.Errorf("test %s: processing route without collection", s.ID)
		}
		route, err := ParseRoute(string(s.Route), s.OutsourcedLab)
		if err != nil {
			return nil, fmt.Errorf("test %s: %w", s.ID, err)
		}
		t.route = route
	}

	switch s.ResultKind {
	case ResultNone, "":
		if s.ResultValues != nil || s.ResultDocument != nil {
			return nil, fmt.Errorf("test %s: result payload without result kind", s.ID)
		}
	case ResultValues:
		if s.ResultDocument != nil {
			return nil, fmt.Errorf("test %s: both values and document present", s.ID)
		}
		t.result = NewValues(s.ResultValues)
	case ResultDocument:
		if s.ResultValues != nil || s.ResultDocument == nil {
			return nil, fmt.Errorf("test %s: inconsistent document result", s.ID)
		}
		t.result = Document{Ref: *s.ResultDocument}
	default:
		return nil, fmt.Errorf("test %s: unknown result kind %q", s.ID, s.ResultKind)
	}

	if s.VerifiedAt != nil {
		t.verification = &Verification{By: s.VerifiedBy, Notes: s.VerificationNotes, Interpretation: s.Interpretation, At: *s.VerifiedAt}
	}
	if s.RejectedAt != nil {
		t.rejection = &Rejection{By: s.RejectedBy, Reason: s.RejectionReason, At: *s.RejectedAt}
	}
	return t, nil
}

// OrderRecord is the stored form of an order without its tests.
type OrderRecord struct {
	ID            string    `json:"order_id"`
	Code          string    `json:"order_code"`
	PatientRef    string    `json:"patient_ref"`
	ClinicianRef  string    `json:"clinician_ref"`
	Priority      Priority  `json:"priority"`
	OrderedAt     time.Time `json:"ordered_at"`
	ClinicalNotes string    `json:"clinical_notes,omitempty"`
	Clinic        string    `json:"clinic,omitempty"`
	TestIDs       []string  `json:"test_ids"`
}

// Record serializes the order.
func (o *Order) Record() OrderRecord {
	return OrderRecord{
		ID:            o.id,
		Code:          o.code,
		PatientRef:    o.patientRef,
		ClinicianRef:  o.clinicianRef,
		Priority:      o.priority,
		OrderedAt:     o.orderedAt,
		ClinicalNotes: o.clinicalNotes,
		Clinic:        o.clinic,
		TestIDs:       o.TestIDs(),
	}
}

// RestoreOrder rebuilds an order from its record.
func RestoreOrder(r OrderRecord) (*Order, error) {
	if len(r.TestIDs) == 0 {
		return nil, fmt.Errorf("order %s: no tests", r.ID)
	}
	ids := make([]string, len(r.TestIDs))
	copy(ids, r.TestIDs)
	return &Order{
		id:            r.ID,
		code:          r.Code,
		patientRef:    r.PatientRef,
		clinicianRef:  r.ClinicianRef,
		priority:      r.Priority,
		orderedAt:     r.OrderedAt,
		clinicalNotes: r.ClinicalNotes,
		clinic:        r.Clinic,
		testIDs:       ids,
	}, nil
}

// OrderSnapshot is the full order as returned to callers. The status and
// progress are computed when the snapshot is built.
type OrderSnapshot struct {
	ID                 string         `json:"order_id"`
	Code               string         `json:"order_code"`
	Priority           Priority       `json:"priority"`
	OrderedAt          time.Time      `json:"ordered_at"`
	PatientRef         string         `json:"patient_ref"`
	ClinicianRef       string         `json:"clinician_ref"`
	ClinicalNotes      string         `json:"clinical_notes,omitempty"`
	Clinic             string         `json:"clinic,omitempty"`
	Tests              []TestSnapshot `json:"tests"`
	OverallStatus      OverallStatus  `json:"overall_status"`
	OverallStatusLabel string         `json:"overall_status_label"`
	ProgressPercent    int            `json:"progress_percent"`
}

// NewOrderSnapshot assembles a snapshot with tests in placement order.
func NewOrderSnapshot(o *Order, tests []*Test) *OrderSnapshot {
	byID := make(map[string]*Test, len(tests))
	for _, t := range tests {
		byID[t.id] = t
	}
	ordered := make([]*Test, 0, len(o.testIDs))
	for _, id := range o.testIDs {
		if t, ok := byID[id]; ok {
			ordered = append(ordered, t)
		}
	}

	summary := Summarize(ordered)
	snap := &OrderSnapshot{
		ID:                 o.id,
		Code:               o.code,
		Priority:           o.priority,
		OrderedAt:          o.orderedAt,
		PatientRef:         o.patientRef,
		ClinicianRef:       o.clinicianRef,
		ClinicalNotes:      o.clinicalNotes,
		Clinic:             o.clinic,
		Tests:              make([]TestSnapshot, 0, len(ordered)),
		OverallStatus:      summary.Status,
		OverallStatusLabel: summary.Status.Label(),
		ProgressPercent:    summary.Progress,
	}
	for _, t := range ordered {
		snap.Tests = append(snap.Tests, t.Snapshot())
	}
	return snap
}

// Test returns the snapshot of one test.
func (s *OrderSnapshot) Test(testID string) (TestSnapshot, bool) {
	for _, t := range s.Tests {
		if t.ID == testID {
			return t, true
		}
	}
	return TestSnapshot{}, false
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
