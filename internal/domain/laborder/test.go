package laborder

import (
	"strings"
	"time"
)

// Collection is recorded once, when the sample is taken.
type Collection struct {
	By     string
	Method string
	Notes  string
	At     time.Time
}

// Processing is recorded once, when analysis starts.
type Processing struct {
	By string
	At time.Time
}

// Verification is recorded on the terminal transition.
type Verification struct {
	By             string
	Notes          string
	Interpretation Interpretation
	At             time.Time
}

// Rejection holds the most recent rejection. It survives a successful rework.
type Rejection struct {
	By     string
	Reason string
	At     time.Time
}

// Test is one analyte or panel inside an order with its own state machine.
// All mutation goes through the transition methods, which either apply
// completely or leave the test untouched.
type Test struct {
	id         string
	orderID    string
	code       string
	name       string
	sampleType SampleType
	state      State
	version    int

	route      Route
	collection *Collection
	processing *Processing

	result      Result
	resultNotes string
	submittedBy string
	submittedAt time.Time

	verification *Verification
	rejection    *Rejection
	reworkCount  int

	createdAt time.Time
	updatedAt time.Time
}

// NewTest creates a pending test. The sample type is fixed from here on.
func NewTest(id, orderID, code, name string, sampleType SampleType, at time.Time) *Test {
	return &Test{
		id:         id,
		orderID:    orderID,
		code:       strings.TrimSpace(code),
		name:       strings.TrimSpace(name),
		sampleType: sampleType,
		state:      StatePending,
		result:     NoResult{},
		createdAt:  at.UTC(),
		updatedAt:  at.UTC(),
	}
}

func (t *Test) ID() string             { return t.id }
func (t *Test) OrderID() string        { return t.orderID }
func (t *Test) Code() string           { return t.code }
func (t *Test) Name() string           { return t.name }
func (t *Test) SampleType() SampleType { return t.sampleType }
func (t *Test) State() State           { return t.state }
func (t *Test) Version() int           { return t.version }
func (t *Test) Route() Route           { return t.route }
func (t *Test) Result() Result         { return t.result }
func (t *Test) ResultNotes() string    { return t.resultNotes }
func (t *Test) ReworkCount() int       { return t.reworkCount }
func (t *Test) UpdatedAt() time.Time   { return t.updatedAt }

// Collection returns the collection record, if collected.
func (t *Test) Collection() (Collection, bool) {
	if t.collection == nil {
		return Collection{}, false
	}
	return *t.collection, true
}

// Processing returns the processing record, if processing started.
func (t *Test) Processing() (Processing, bool) {
	if t.processing == nil {
		return Processing{}, false
	}
	return *t.processing, true
}

// Verification returns the verification record, if verified.
func (t *Test) Verification() (Verification, bool) {
	if t.verification == nil {
		return Verification{}, false
	}
	return *t.verification, true
}

// LastRejection returns the most recent rejection, if any.
func (t *Test) LastRejection() (Rejection, bool) {
	if t.rejection == nil {
		return Rejection{}, false
	}
	return *t.rejection, true
}

// Clone returns an independent copy. Values results are immutable so they
// can be shared.
func (t *Test) Clone() *Test {
	cp := *t
	if t.collection != nil {
		c := *t.collection
		cp.collection = &c
	}
	if t.processing != nil {
		p := *t.processing
		cp.processing = &p
	}
	if t.verification != nil {
		v := *t.verification
		cp.verification = &v
	}
	if t.rejection != nil {
		r := *t.rejection
		cp.rejection = &r
	}
	return &cp
}

// Collect records sample collection.
func (t *Test) Collect(collector, method, notes string, at time.Time) (*Event, error) {
	if t.state != StatePending {
		return nil, invalidState(t, "collect sample for")
	}
	method = strings.TrimSpace(method)
	if !IsLegalMethod(t.sampleType, method) {
		return nil, newError(KindInvalidMethod, "collection method %q is not valid for %s samples", method, t.sampleType)
	}
	if err := requireActor(collector, "collector"); err != nil {
		return nil, err
	}

	at = at.UTC()
	notes = strings.TrimSpace(notes)
	event, err := t.newEvent(EventSampleCollected, StateSampleCollected, collector, &SampleCollectedData{
		CollectedBy: collector,
		Method:      method,
		Notes:       notes,
		CollectedAt: at,
	}, at)
	if err != nil {
		return nil, err
	}

	t.collection = &Collection{By: collector, Method: method, Notes: notes, At: at}
	t.advance(StateSampleCollected, at)
	return event, nil
}

// StartProcessing moves a collected sample into analysis on the given route.
func (t *Test) StartProcessing(processor string, route Route, at time.Time) (*Event, error) {
	if t.state != StateSampleCollected {
		return nil, invalidState(t, "start processing")
	}
	switch r := route.(type) {
	case InHouse:
	case Outsourced:
		if strings.TrimSpace(r.Lab) == "" {
			return nil, newError(KindMissingLabName, "outsourced processing of test %s requires a lab name", t.id)
		}
		route = Outsourced{Lab: strings.TrimSpace(r.Lab)}
	default:
		return nil, InvalidCommandError("processing route is required")
	}
	if err := requireActor(processor, "processor"); err != nil {
		return nil, err
	}

	at = at.UTC()
	event, err := t.newEvent(EventProcessingStarted, StateProcessing, processor, &ProcessingStartedData{
		ProcessedBy:   processor,
		Route:         route.Name(),
		OutsourcedLab: LabName(route),
		ProcessedAt:   at,
	}, at)
	if err != nil {
		return nil, err
	}

	t.route = route
	t.processing = &Processing{By: processor, At: at}
	t.advance(StateProcessing, at)
	return event, nil
}

// SubmitValues stores structured results for a test in processing.
func (t *Test) SubmitValues(submitter string, values map[string]string, notes string, reg Registry, at time.Time) (*Event, error) {
	if t.state != StateProcessing {
		return nil, invalidState(t, "submit results for")
	}
	cleaned, err := t.validateValues(values, reg)
	if err != nil {
		return nil, err
	}
	return t.storeResult(submitter, NewValues(cleaned), notes, false, at)
}

// SubmitDocument stores a document reference for a test in processing.
func (t *Test) SubmitDocument(submitter string, ref DocumentRef, notes string, at time.Time) (*Event, error) {
	if t.state != StateProcessing {
		return nil, invalidState(t, "submit results for")
	}
	if ref.IsZero() {
		return nil, newError(KindMissingDocument, "result document is required for test %s", t.id)
	}
	return t.storeResult(submitter, Document{Ref: ref}, notes, false, at)
}

// ReworkValues resubmits structured results for a rejected test. The new
// values are laid over the pre-filled form, so only corrected fields need
// to be supplied.
func (t *Test) ReworkValues(submitter string, values map[string]string, notes string, reg Registry, at time.Time) (*Event, error) {
	if t.state != StateRejected {
		return nil, invalidState(t, "rework")
	}
	merged := t.ResultForm(reg)
	for k, v := range values {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	cleaned, err := t.validateValues(merged, reg)
	if err != nil {
		return nil, err
	}
	return t.storeResult(submitter, NewValues(cleaned), notes, true, at)
}

// ReworkDocument resubmits a document for a rejected test. A blank reference
// keeps the previously uploaded document.
func (t *Test) ReworkDocument(submitter string, ref DocumentRef, notes string, at time.Time) (*Event, error) {
	if t.state != StateRejected {
		return nil, invalidState(t, "rework")
	}
	if ref.IsZero() {
		if prev, ok := t.result.(Document); ok {
			ref = prev.Ref
		}
	}
	if ref.IsZero() {
		return nil, newError(KindMissingDocument, "result document is required for test %s", t.id)
	}
	return t.storeResult(submitter, Document{Ref: ref}, notes, true, at)
}

// Verify marks results as verified. This is terminal.
func (t *Test) Verify(verifier, notes string, interpretation Interpretation, at time.Time) (*Event, error) {
	if t.state != StateResultsReady {
		return nil, invalidState(t, "verify")
	}
	if interpretation == "" {
		interpretation = InterpretationNormal
	}
	if _, err := ParseInterpretation(string(interpretation)); err != nil {
		return nil, err
	}
	if err := requireActor(verifier, "verifier"); err != nil {
		return nil, err
	}

	at = at.UTC()
	notes = strings.TrimSpace(notes)
	event, err := t.newEvent(EventResultsVerified, StateVerified, verifier, &ResultsVerifiedData{
		VerifiedBy:     verifier,
		Interpretation: interpretation,
		Notes:          notes,
		VerifiedAt:     at,
	}, at)
	if err != nil {
		return nil, err
	}

	t.verification = &Verification{By: verifier, Notes: notes, Interpretation: interpretation, At: at}
	t.advance(StateVerified, at)
	return event, nil
}

// Reject sends results back for rework. Stored results are kept as the
// starting point of the rework form.
func (t *Test) Reject(rejector, reason string, at time.Time) (*Event, error) {
	if t.state != StateResultsReady {
		return nil, invalidState(t, "reject")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, newError(KindMissingReason, "rejection of test %s requires a reason", t.id)
	}
	if err := requireActor(rejector, "rejector"); err != nil {
		return nil, err
	}

	at = at.UTC()
	event, err := t.newEvent(EventResultsRejected, StateRejected, rejector, &ResultsRejectedData{
		RejectedBy: rejector,
		Reason:     reason,
		RejectedAt: at,
	}, at)
	if err != nil {
		return nil, err
	}

	t.rejection = &Rejection{By: rejector, Reason: reason, At: at}
	t.advance(StateRejected, at)
	return event, nil
}

// ResultForm returns the values a result entry form starts from: the
// previously stored values of a rejected test, plus blank entries for any
// expected field not yet filled.
func (t *Test) ResultForm(reg Registry) map[string]string {
	form := make(map[string]string)
	if t.state == StateRejected {
		if v, ok := t.result.(Values); ok {
			form = v.Fields()
		}
	}
	for _, f := range FieldsFor(reg, t.code) {
		if _, ok := form[f.Name]; !ok {
			form[f.Name] = ""
		}
	}
	return form
}

func (t *Test) validateValues(values map[string]string, reg Registry) (map[string]string, error) {
	cleaned := make(map[string]string, len(values))
	for k, v := range values {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		cleaned[k] = v
	}

	var missing []string
	if tmpl, ok := lookup(reg, t.code); ok {
		for _, f := range tmpl.Fields {
			if cleaned[f.Name] == "" {
				missing = append(missing, f.Name)
			}
		}
	} else if len(cleaned) == 0 {
		missing = []string{FallbackField}
	}
	if len(missing) > 0 {
		return nil, incompleteFields(missing)
	}
	return cleaned, nil
}

func (t *Test) storeResult(submitter string, result Result, notes string, rework bool, at time.Time) (*Event, error) {
	if err := requireActor(submitter, "submitter"); err != nil {
		return nil, err
	}

	at = at.UTC()
	data := &ResultsSubmittedData{
		SubmittedBy: submitter,
		ResultKind:  result.Kind(),
		SubmittedAt: at,
	}
	switch r := result.(type) {
	case Values:
		data.Fields = r.Names()
	case Document:
		data.DocumentKey = r.Ref.Key
	}
	eventType := EventResultsSubmitted
	if rework {
		eventType = EventResultsReworked
		data.ReworkCount = t.reworkCount + 1
	}
	event, err := t.newEvent(eventType, StateResultsReady, submitter, data, at)
	if err != nil {
		return nil, err
	}

	t.result = result
	if n := strings.TrimSpace(notes); n != "" || !rework {
		t.resultNotes = n
	}
	t.submittedBy = submitter
	t.submittedAt = at
	if rework {
		t.reworkCount++
	}
	t.advance(StateResultsReady, at)
	return event, nil
}

func (t *Test) newEvent(eventType EventType, to State, actor string, data interface{}, at time.Time) (*Event, error) {
	event, err := NewEvent(t.orderID, t.id, eventType, data, at)
	if err != nil {
		return nil, err
	}
	event.FromState = t.state
	event.ToState = to
	event.Version = t.version + 1
	event.Actor = actor
	return event, nil
}

func (t *Test) advance(to State, at time.Time) {
	t.state = to
	t.version++
	t.updatedAt = at
}

func requireActor(actor, role string) error {
	if strings.TrimSpace(actor) == "" {
		return InvalidCommandError("%s identity is required", role)
	}
	return nil
}

func lookup(reg Registry, code string) (Template, bool) {
	if reg == nil {
		return Template{}, false
	}
	return reg.Lookup(code)
}
