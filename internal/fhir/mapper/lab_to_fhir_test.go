package mapper

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
	fhir "github.com/drfirst/go-labflow/internal/fhir/r5"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// buildOrder places CBC and UA and moves CBC to verified, UA to collected.
func buildOrder(t *testing.T) *laborder.OrderSnapshot {
	t.Helper()
	reg := laborder.DefaultRegistry()
	o, tests, _, err := laborder.PlaceOrder(laborder.NewOrder{
		PatientRef:    "patient-7",
		ClinicianRef:  "dr-okafor",
		Priority:      laborder.PrioritySTAT,
		ClinicalNotes: "fever for 3 days",
		Tests:         []laborder.TestRequest{{Code: "CBC"}, {Code: "UA"}},
	}, reg, t0)
	if err != nil {
		t.Fatal(err)
	}
	cbc, ua := tests[0], tests[1]
	steps := []func() (*laborder.Event, error){
		func() (*laborder.Event, error) { return cbc.Collect("nurse-joy", "Venipuncture", "left arm", t0) },
		func() (*laborder.Event, error) {
			return cbc.StartProcessing("tech-li", laborder.Outsourced{Lab: "Lancet"}, t0)
		},
		func() (*laborder.Event, error) {
			return cbc.SubmitValues("tech-li", map[string]string{
				"WBC": "12.4", "RBC": "4.9", "Hemoglobin": "14.2", "Hematocrit": "42", "Platelets": "clumped",
			}, "", reg, t0)
		},
		func() (*laborder.Event, error) {
			return cbc.Verify("dr-okafor", "leukocytosis", laborder.InterpretationAbnormal, t0)
		},
		func() (*laborder.Event, error) { return ua.Collect("nurse-joy", "Mid-stream Clean Catch", "", t0) },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	return laborder.NewOrderSnapshot(o, tests)
}

func decode(t *testing.T, b *fhir.Bundle, i int, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(b.Entry[i].Resource, v); err != nil {
		t.Fatalf("entry %d: %v", i, err)
	}
}

func TestMapOrder(t *testing.T) {
	order := buildOrder(t)
	m := NewLabToFHIRMapper(laborder.DefaultRegistry())
	m.Now = func() time.Time { return t0 }

	b, err := m.MapOrder(order)
	if err != nil {
		t.Fatalf("MapOrder: %v", err)
	}

	want := []string{
		"ServiceRequest", "Specimen", "DiagnosticReport",
		"Observation", "Observation", "Observation", "Observation", "Observation",
		"ServiceRequest", "Specimen",
	}
	if got := b.ResourceTypes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("resource types = %v", got)
	}
	if b.Identifier.Value != order.Code || b.Type != "collection" {
		t.Errorf("bundle = %+v", b.Identifier)
	}

	var sr fhir.ServiceRequest
	decode(t, b, 0, &sr)
	if sr.Status != fhir.RequestCompleted || sr.Priority != "stat" || sr.Subject.Reference != "Patient/patient-7" {
		t.Errorf("service request = %+v", sr)
	}
	if sr.Code.Concept.Coding[0].Code != "58410-2" || len(sr.Performer) != 1 || sr.Performer[0].Display != "Lancet" {
		t.Errorf("service request code/performer = %+v %+v", sr.Code.Concept, sr.Performer)
	}

	var report fhir.DiagnosticReport
	decode(t, b, 2, &report)
	if report.Status != fhir.StatusFinal || report.Conclusion != "leukocytosis" || len(report.Result) != 5 {
		t.Errorf("report = %+v", report)
	}
	if len(report.ConclusionCode) != 1 || report.ConclusionCode[0].Coding[0].Code != "A" {
		t.Errorf("conclusion code = %+v", report.ConclusionCode)
	}

	var wbc, platelets fhir.Observation
	decode(t, b, 3, &wbc)
	decode(t, b, 7, &platelets)
	if wbc.Code.Text != "WBC" || wbc.ValueQuantity == nil || wbc.ValueQuantity.Value != 12.4 || wbc.ValueQuantity.Unit != "×10³/μL" {
		t.Errorf("WBC = %+v", wbc)
	}
	if len(wbc.ReferenceRange) != 1 || wbc.ReferenceRange[0].Text != "4.0-11.0" {
		t.Errorf("WBC range = %+v", wbc.ReferenceRange)
	}
	if platelets.ValueQuantity != nil || platelets.ValueString != "clumped" {
		t.Errorf("Platelets = %+v", platelets)
	}

	var spec fhir.Specimen
	decode(t, b, 9, &spec)
	if spec.Type.Coding[0].Code != "UR" || spec.Collection.Method.Text != "Mid-stream Clean Catch" {
		t.Errorf("specimen = %+v", spec)
	}
}

func TestMapOrderIsStable(t *testing.T) {
	order := buildOrder(t)
	m := NewLabToFHIRMapper(laborder.DefaultRegistry())
	m.Now = func() time.Time { return t0 }

	a, _ := m.MapOrder(order)
	b, _ := m.MapOrder(order)
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Error("repeated export differs")
	}
}

func TestMapOrderDocumentResult(t *testing.T) {
	reg := laborder.DefaultRegistry()
	o, tests, _, err := laborder.PlaceOrder(laborder.NewOrder{
		PatientRef: "patient-7", ClinicianRef: "dr-okafor", Priority: laborder.PriorityRoutine,
		Tests: []laborder.TestRequest{{Code: "FBS"}},
	}, reg, t0)
	if err != nil {
		t.Fatal(err)
	}
	fbs := tests[0]
	_, _ = fbs.Collect("nurse-joy", "Finger Prick", "", t0)
	_, _ = fbs.StartProcessing("tech-li", laborder.InHouse{}, t0)
	if _, err := fbs.SubmitDocument("tech-li", laborder.DocumentRef{Key: "results/x.pdf", Name: "x.pdf", ContentType: "application/pdf"}, "", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := fbs.Reject("dr-okafor", "illegible scan", t0); err != nil {
		t.Fatal(err)
	}

	m := NewLabToFHIRMapper(reg)
	b, err := m.MapOrder(laborder.NewOrderSnapshot(o, tests))
	if err != nil {
		t.Fatal(err)
	}
	var report fhir.DiagnosticReport
	decode(t, b, 2, &report)
	if report.Status != fhir.StatusPartial || len(report.PresentedForm) != 1 || len(report.Result) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.PresentedForm[0].URL != "/api/v1/orders/"+o.ID()+"/tests/"+fbs.ID()+"/document" {
		t.Errorf("url = %s", report.PresentedForm[0].URL)
	}
	if len(report.Note) != 1 || report.Note[0].Text != "Rejected: illegible scan" {
		t.Errorf("notes = %+v", report.Note)
	}
}

func TestMapOrderResolvers(t *testing.T) {
	order := buildOrder(t)
	m := NewLabToFHIRMapper(laborder.DefaultRegistry())
	m.PatientResolver = func(ref string) (*fhir.Patient, error) {
		return &fhir.Patient{ResourceType: "Patient", Name: []fhir.HumanName{{Use: "official", Family: "Adeyemi", Given: []string{"Tola"}}}}, nil
	}
	b, err := m.MapOrder(order)
	if err != nil {
		t.Fatal(err)
	}
	var sr fhir.ServiceRequest
	decode(t, b, 0, &sr)
	if sr.Subject.Display != "Tola Adeyemi" {
		t.Errorf("subject = %+v", sr.Subject)
	}

	boom := errors.New("directory down")
	m.PractitionerResolver = func(string) (*fhir.Practitioner, error) { return nil, boom }
	_, err = m.MapOrder(order)
	var merr *MapError
	if !errors.As(err, &merr) || !errors.Is(err, boom) || merr.Field != "Practitioner" {
		t.Errorf("err = %v", err)
	}
}

func TestMapOrderNil(t *testing.T) {
	if _, err := NewLabToFHIRMapper(nil).MapOrder(nil); err == nil {
		t.Error("expected error")
	}
}
