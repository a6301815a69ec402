package laborder

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the clinician-assigned urgency of an order.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PrioritySTAT    Priority = "stat"
)

// ParsePriority defaults a blank value to routine.
func ParsePriority(v string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(v))) {
	case "", PriorityRoutine:
		return PriorityRoutine, nil
	case PriorityUrgent:
		return PriorityUrgent, nil
	case PrioritySTAT:
		return PrioritySTAT, nil
	}
	return "", InvalidCommandError("unknown priority %q", v)
}

// Order groups the tests requested for one patient. It holds only the
// ordered ids of its tests; the tests themselves live beside it.
type Order struct {
	id            string
	code          string
	patientRef    string
	clinicianRef  string
	priority      Priority
	orderedAt     time.Time
	clinicalNotes string
	clinic        string
	testIDs       []string
}

func (o *Order) ID() string            { return o.id }
func (o *Order) Code() string          { return o.code }
func (o *Order) PatientRef() string    { return o.patientRef }
func (o *Order) ClinicianRef() string  { return o.clinicianRef }
func (o *Order) Priority() Priority    { return o.priority }
func (o *Order) OrderedAt() time.Time  { return o.orderedAt }
func (o *Order) ClinicalNotes() string { return o.clinicalNotes }
func (o *Order) Clinic() string        { return o.clinic }

// TestIDs returns the test ids in order of placement.
func (o *Order) TestIDs() []string {
	ids := make([]string, len(o.testIDs))
	copy(ids, o.testIDs)
	return ids
}

// HasTest reports whether testID belongs to the order.
func (o *Order) HasTest(testID string) bool {
	for _, id := range o.testIDs {
		if id == testID {
			return true
		}
	}
	return false
}

// NewOrder is the request to place an order.
type NewOrder struct {
	PatientRef    string        `json:"patient_ref"`
	ClinicianRef  string        `json:"clinician_ref"`
	Priority      Priority      `json:"priority"`
	ClinicalNotes string        `json:"clinical_notes,omitempty"`
	Clinic        string        `json:"clinic,omitempty"`
	Tests         []TestRequest `json:"tests"`
}

// TestRequest describes one requested test. Name and sample type default from
// the registered template when omitted.
type TestRequest struct {
	Code       string     `json:"code"`
	Name       string     `json:"name,omitempty"`
	SampleType SampleType `json:"sample_type,omitempty"`
}

// PlaceOrder validates the request and builds the order together with all
// of its pending tests.
func PlaceOrder(req NewOrder, reg Registry, at time.Time) (*Order, []*Test, *Event, error) {
	if strings.TrimSpace(req.PatientRef) == "" {
		return nil, nil, nil, InvalidCommandError("patient reference is required")
	}
	if strings.TrimSpace(req.ClinicianRef) == "" {
		return nil, nil, nil, InvalidCommandError("ordering clinician reference is required")
	}
	if len(req.Tests) == 0 {
		return nil, nil, nil, InvalidCommandError("an order needs at least one test")
	}
	priority, err := ParsePriority(string(req.Priority))
	if err != nil {
		return nil, nil, nil, err
	}

	at = at.UTC()
	orderID := uuid.New().String()
	tests := make([]*Test, 0, len(req.Tests))
	for i, nt := range req.Tests {
		code := strings.TrimSpace(nt.Code)
		if code == "" {
			return nil, nil, nil, InvalidCommandError("test %d: code is required", i+1)
		}
		name, sampleType := strings.TrimSpace(nt.Name), nt.SampleType
		tmpl, hasTemplate := lookup(reg, code)
		if name == "" {
			if !hasTemplate {
				return nil, nil, nil, InvalidCommandError("test %d: name is required for unregistered code %s", i+1, code)
			}
			name = tmpl.Name
		}
		if sampleType == "" {
			if !hasTemplate || tmpl.SampleType == "" {
				return nil, nil, nil, InvalidCommandError("test %d: sample type is required for code %s", i+1, code)
			}
			sampleType = tmpl.SampleType
		}
		if sampleType, err = ParseSampleType(string(sampleType)); err != nil {
			return nil, nil, nil, err
		}
		tests = append(tests, NewTest(uuid.New().String(), orderID, code, name, sampleType, at))
	}

	o := &Order{
		id:            orderID,
		code:          newOrderCode(at),
		patientRef:    strings.TrimSpace(req.PatientRef),
		clinicianRef:  strings.TrimSpace(req.ClinicianRef),
		priority:      priority,
		orderedAt:     at,
		clinicalNotes: strings.TrimSpace(req.ClinicalNotes),
		clinic:        strings.TrimSpace(req.Clinic),
	}
	for _, t := range tests {
		o.testIDs = append(o.testIDs, t.id)
	}

	event, err := NewEvent(o.id, "", EventOrderPlaced, &OrderPlacedData{
		OrderID:      o.id,
		OrderCode:    o.code,
		PatientRef:   o.patientRef,
		ClinicianRef: o.clinicianRef,
		Priority:     o.priority,
		TestIDs:      o.TestIDs(),
	}, at)
	if err != nil {
		return nil, nil, nil, err
	}
	event.Actor = o.clinicianRef
	event.Version = 1
	return o, tests, event, nil
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newOrderCode yields LAB-YYYYMMDD-XXXXXX with an upper-case alphanumeric
// suffix. Codes are unique per store; see ErrOrderCodeTaken.
func newOrderCode(at time.Time) string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return fmt.Sprintf("LAB-%s-%s", at.Format("20060102"), suffix)
}
