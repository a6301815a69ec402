package laborder

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newPendingTest(code string, st SampleType) *Test {
	return NewTest("test-1", "order-1", code, code, st, t0)
}

func processingTest(t *testing.T, code string, st SampleType, method string) *Test {
	t.Helper()
	tt := newPendingTest(code, st)
	if _, err := tt.Collect("nurse-1", method, "", t0.Add(time.Minute)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if _, err := tt.StartProcessing("tech-1", InHouse{}, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	return tt
}

func cbcValues() map[string]string {
	return map[string]string{
		"WBC": "6.1", "RBC": "4.8", "Hemoglobin": "14.2", "Hematocrit": "42", "Platelets": "250",
	}
}

func TestHappyPathInHouse(t *testing.T) {
	reg := DefaultRegistry()
	tt := newPendingTest("CBC", SampleBlood)

	ev, err := tt.Collect("nurse-1", "Venipuncture", "left arm", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if ev.EventType != EventSampleCollected || ev.FromState != StatePending || ev.ToState != StateSampleCollected {
		t.Errorf("unexpected collect event %+v", ev)
	}
	if ev.Version != 1 || tt.Version() != 1 {
		t.Errorf("version after collect = %d/%d", ev.Version, tt.Version())
	}

	if _, err := tt.StartProcessing("tech-1", InHouse{}, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if _, err := tt.SubmitValues("tech-1", cbcValues(), "", reg, t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tt.State() != StateResultsReady {
		t.Fatalf("state = %s", tt.State())
	}
	ev, err = tt.Verify("path-1", "", "", t0.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if tt.State() != StateVerified || !tt.State().IsTerminal() {
		t.Fatalf("state = %s", tt.State())
	}
	v, ok := tt.Verification()
	if !ok || v.By != "path-1" || v.Interpretation != InterpretationNormal {
		t.Errorf("verification = %+v", v)
	}
	if ev.Version != 4 {
		t.Errorf("final version = %d, want 4", ev.Version)
	}
	c, _ := tt.Collection()
	if c.Notes != "left arm" || c.Method != "Venipuncture" {
		t.Errorf("collection = %+v", c)
	}
}

func TestOutsourcedDocumentPath(t *testing.T) {
	tt := newPendingTest("CULTURE", SampleUrine)
	if _, err := tt.Collect("nurse-1", "Mid-stream Clean Catch", "", t0); err != nil {
		t.Fatalf("collect: %v", err)
	}

	if _, err := tt.StartProcessing("tech-1", Outsourced{Lab: "  "}, t0); !errors.Is(err, ErrMissingLabName) {
		t.Fatalf("expected missing lab name, got %v", err)
	}
	if tt.State() != StateSampleCollected || tt.Route() != nil {
		t.Fatal("failed start processing mutated the test")
	}

	if _, err := tt.StartProcessing("tech-1", Outsourced{Lab: "PathCare Labs"}, t0); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	if LabName(tt.Route()) != "PathCare Labs" {
		t.Errorf("lab = %q", LabName(tt.Route()))
	}

	if _, err := tt.SubmitDocument("tech-1", DocumentRef{}, "", t0); !errors.Is(err, ErrMissingDocument) {
		t.Fatalf("expected missing document, got %v", err)
	}
	ref := DocumentRef{Key: "results/abc.pdf", Name: "abc.pdf", ContentType: "application/pdf"}
	if _, err := tt.SubmitDocument("tech-1", ref, "scanned", t0); err != nil {
		t.Fatalf("submit document: %v", err)
	}
	doc, ok := tt.Result().(Document)
	if !ok || doc.Ref.Key != ref.Key {
		t.Fatalf("result = %#v", tt.Result())
	}
}

func TestInvalidTransitionsLeaveTestUnchanged(t *testing.T) {
	reg := DefaultRegistry()
	tt := newPendingTest("CBC", SampleBlood)
	before := tt.Snapshot()

	attempts := map[string]func() error{
		"process": func() error { _, err := tt.StartProcessing("tech", InHouse{}, t0); return err },
		"submit":  func() error { _, err := tt.SubmitValues("tech", cbcValues(), "", reg, t0); return err },
		"doc":     func() error { _, err := tt.SubmitDocument("tech", DocumentRef{Key: "k"}, "", t0); return err },
		"verify":  func() error { _, err := tt.Verify("path", "", "", t0); return err },
		"reject":  func() error { _, err := tt.Reject("path", "bad", t0); return err },
		"rework":  func() error { _, err := tt.ReworkValues("tech", cbcValues(), "", reg, t0); return err },
	}
	for name, fn := range attempts {
		if err := fn(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s on pending: expected invalid_state, got %v", name, err)
		}
	}
	if !reflect.DeepEqual(before, tt.Snapshot()) {
		t.Fatal("pending test was mutated by rejected commands")
	}
}

func TestCollectValidation(t *testing.T) {
	tt := newPendingTest("UA", SampleUrine)

	if _, err := tt.Collect("nurse", "Venipuncture", "", t0); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected invalid_method, got %v", err)
	}
	if _, err := tt.Collect(" ", "First Morning Void", "", t0); KindOf(err) != KindInvalidCommand {
		t.Fatalf("expected invalid_command for blank collector, got %v", err)
	}
	if tt.State() != StatePending {
		t.Fatal("failed collect changed state")
	}

	other := newPendingTest("MISC", SampleOther)
	if _, err := other.Collect("nurse", "Anything", "", t0); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected invalid_method for Other, got %v", err)
	}
}

func TestCollectTwiceFails(t *testing.T) {
	tt := newPendingTest("CBC", SampleBlood)
	if _, err := tt.Collect("nurse", "Venipuncture", "", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := tt.Collect("nurse", "Venipuncture", "", t0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}

func TestSubmitValuesIncomplete(t *testing.T) {
	reg := DefaultRegistry()
	tt := processingTest(t, "CBC", SampleBlood, "Venipuncture")

	values := cbcValues()
	delete(values, "RBC")
	values["Platelets"] = "   "
	_, err := tt.SubmitValues("tech", values, "", reg, t0)

	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Kind != KindIncompleteFields {
		t.Fatalf("expected incomplete_fields, got %v", err)
	}
	if want := []string{"RBC", "Platelets"}; !reflect.DeepEqual(lerr.Missing, want) {
		t.Errorf("missing = %v, want %v", lerr.Missing, want)
	}
	if tt.State() != StateProcessing || tt.Result().Kind() != ResultNone {
		t.Fatal("incomplete submission mutated the test")
	}
}

func TestSubmitValuesWithoutTemplate(t *testing.T) {
	reg := DefaultRegistry()
	tt := processingTest(t, "WIDAL", SampleBlood, "Venipuncture")

	_, err := tt.SubmitValues("tech", map[string]string{"Result": ""}, "", reg, t0)
	var lerr *Error
	if !errors.As(err, &lerr) || !reflect.DeepEqual(lerr.Missing, []string{FallbackField}) {
		t.Fatalf("expected missing Result, got %v", err)
	}

	if _, err := tt.SubmitValues("tech", map[string]string{"Result": "1:80"}, "", reg, t0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	v := tt.Result().(Values)
	if got, _ := v.Get("Result"); got != "1:80" {
		t.Errorf("Result = %q", got)
	}
}

func TestExtraFieldsAreKept(t *testing.T) {
	reg := DefaultRegistry()
	tt := processingTest(t, "FBS", SampleBlood, "Finger Prick")
	if _, err := tt.SubmitValues("tech", map[string]string{"Glucose": "92", "Comment": "fasting 10h"}, "", reg, t0); err != nil {
		t.Fatal(err)
	}
	if names := tt.Result().(Values).Names(); !reflect.DeepEqual(names, []string{"Comment", "Glucose"}) {
		t.Errorf("names = %v", names)
	}
}

func TestRejectAndRework(t *testing.T) {
	reg := DefaultRegistry()
	tt := processingTest(t, "CBC", SampleBlood, "Venipuncture")
	if _, err := tt.SubmitValues("tech-1", cbcValues(), "first pass", reg, t0); err != nil {
		t.Fatal(err)
	}

	if _, err := tt.Reject("path-1", "  ", t0); !errors.Is(err, ErrMissingReason) {
		t.Fatalf("expected missing_reason, got %v", err)
	}
	if _, err := tt.Reject("path-1", "hemolysed sample", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if tt.State() != StateRejected {
		t.Fatalf("state = %s", tt.State())
	}
	if tt.Result().Kind() != ResultValues {
		t.Fatal("rejection dropped the stored results")
	}

	form := tt.ResultForm(reg)
	if !reflect.DeepEqual(form, cbcValues()) {
		t.Errorf("rework form = %v", form)
	}

	ev, err := tt.ReworkValues("tech-2", map[string]string{"Hemoglobin": "13.9"}, "", reg, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("rework: %v", err)
	}
	if ev.EventType != EventResultsReworked || ev.FromState != StateRejected || ev.ToState != StateResultsReady {
		t.Errorf("rework event = %+v", ev)
	}
	if got, _ := tt.Result().(Values).Get("Hemoglobin"); got != "13.9" {
		t.Errorf("Hemoglobin = %q", got)
	}
	if got, _ := tt.Result().(Values).Get("WBC"); got != "6.1" {
		t.Errorf("WBC lost during rework: %q", got)
	}
	if tt.ResultNotes() != "first pass" {
		t.Errorf("notes = %q", tt.ResultNotes())
	}
	if tt.ReworkCount() != 1 {
		t.Errorf("rework count = %d", tt.ReworkCount())
	}
	rej, ok := tt.LastRejection()
	if !ok || rej.Reason != "hemolysed sample" || rej.By != "path-1" {
		t.Errorf("rejection history lost: %+v", rej)
	}

	if _, err := tt.Verify("path-1", "ok now", InterpretationAbnormal, t0.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, ok := tt.LastRejection(); !ok {
		t.Error("rejection record dropped after verification")
	}
}

func TestReworkDocument(t *testing.T) {
	tt := newPendingTest("CULT", SampleSwab)
	if _, err := tt.Collect("nurse", "Throat Swab", "", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := tt.StartProcessing("tech", Outsourced{Lab: "Lancet Labs"}, t0); err != nil {
		t.Fatal(err)
	}
	first := DocumentRef{Key: "docs/1.pdf"}
	if _, err := tt.SubmitDocument("tech", first, "", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := tt.Reject("path", "unsigned", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := tt.ReworkDocument("tech", DocumentRef{}, "signed copy pending", t0); err != nil {
		t.Fatalf("rework with prior document: %v", err)
	}
	if tt.Result().(Document).Ref.Key != "docs/1.pdf" {
		t.Errorf("document = %+v", tt.Result())
	}
	if _, err := tt.Reject("path", "still unsigned", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := tt.ReworkDocument("tech", DocumentRef{Key: "docs/2.pdf"}, "", t0); err != nil {
		t.Fatal(err)
	}
	if tt.Result().(Document).Ref.Key != "docs/2.pdf" || tt.ReworkCount() != 2 {
		t.Errorf("result = %+v, reworks = %d", tt.Result(), tt.ReworkCount())
	}
}

func TestVerifyRejectsUnknownInterpretation(t *testing.T) {
	reg := DefaultRegistry()
	tt := processingTest(t, "FBS", SampleBlood, "Finger Prick")
	if _, err := tt.SubmitValues("tech", map[string]string{"Glucose": "250"}, "", reg, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := tt.Verify("path", "", "borderline", t0); KindOf(err) != KindInvalidCommand {
		t.Fatalf("expected invalid_command, got %v", err)
	}
	if _, err := tt.Verify("path", "", InterpretationCritical, t0); err != nil {
		t.Fatal(err)
	}
	if _, err := tt.Reject("path", "late", t0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("verified test accepted reject: %v", err)
	}
}

func TestResultInvariantAcrossLifecycle(t *testing.T) {
	reg := DefaultRegistry()
	tt := newPendingTest("FBS", SampleBlood)
	check := func() {
		t.Helper()
		switch tt.State() {
		case StatePending, StateSampleCollected, StateProcessing:
			if tt.Result().Kind() != ResultNone {
				t.Errorf("%s test carries a result", tt.State())
			}
		default:
			if tt.Result().Kind() == ResultNone {
				t.Errorf("%s test has no result", tt.State())
			}
		}
		hasRoute := tt.Route() != nil
		beforeProcessing := tt.State() == StatePending || tt.State() == StateSampleCollected
		if hasRoute == beforeProcessing {
			t.Errorf("%s test route = %v", tt.State(), tt.Route())
		}
	}

	check()
	tt.Collect("nurse", "Venipuncture", "", t0)
	check()
	tt.StartProcessing("tech", InHouse{}, t0)
	check()
	tt.SubmitValues("tech", map[string]string{"Glucose": "88"}, "", reg, t0)
	check()
	tt.Reject("path", "recheck", t0)
	check()
	tt.ReworkValues("tech", nil, "", reg, t0)
	check()
	tt.Verify("path", "", "", t0)
	check()
	if tt.State() != StateVerified {
		t.Fatalf("state = %s", tt.State())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tt := newPendingTest("CBC", SampleBlood)
	if _, err := tt.Collect("nurse", "Venipuncture", "", t0); err != nil {
		t.Fatal(err)
	}
	cp := tt.Clone()
	if _, err := cp.StartProcessing("tech", InHouse{}, t0); err != nil {
		t.Fatal(err)
	}
	if tt.State() != StateSampleCollected {
		t.Fatalf("original moved to %s", tt.State())
	}
}
