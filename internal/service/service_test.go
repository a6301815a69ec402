package service

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/infrastructure/blobstore"
	"github.com/drfirst/go-labflow/internal/infrastructure/memory"
	"github.com/drfirst/go-labflow/internal/observability/metrics"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*laborder.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, e *laborder.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}

func (n *recordingNotifier) types() []laborder.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]laborder.EventType, len(n.events))
	for i, e := range n.events {
		out[i] = e.EventType
	}
	return out
}

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	clock := t0
	var mu sync.Mutex
	opts = append([]Option{WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	})}, opts...)
	return New(memory.NewStore(), nil, opts...)
}

func placeOrder(t *testing.T, s *Service, priority laborder.Priority, codes ...string) *laborder.OrderSnapshot {
	t.Helper()
	req := laborder.NewOrder{PatientRef: "patient-7", ClinicianRef: "dr-okafor", Priority: priority}
	for _, c := range codes {
		req.Tests = append(req.Tests, laborder.TestRequest{Code: c})
	}
	snap, err := s.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return snap
}

func apply(t *testing.T, s *Service, orderID, testID string, cmd Command, p Payload) *laborder.OrderSnapshot {
	t.Helper()
	snap, err := s.ApplyCommand(context.Background(), orderID, testID, cmd, p)
	if err != nil {
		t.Fatalf("%s: %v", cmd, err)
	}
	return snap
}

func testState(t *testing.T, snap *laborder.OrderSnapshot, testID string) laborder.TestSnapshot {
	t.Helper()
	ts, ok := snap.Test(testID)
	if !ok {
		t.Fatalf("test %s missing from snapshot", testID)
	}
	return ts
}

var cbcValues = map[string]string{
	"WBC": "6.1", "RBC": "4.9", "Hemoglobin": "14.2", "Hematocrit": "42", "Platelets": "250",
}

// driveToResultsReady collects, processes and submits CBC values.
func driveToResultsReady(t *testing.T, s *Service, orderID, testID string) {
	t.Helper()
	apply(t, s, orderID, testID, CommandCollect, Payload{Actor: "nurse-joy", Method: "Venipuncture"})
	apply(t, s, orderID, testID, CommandStartProcessing, Payload{Actor: "tech-li", Route: "in_house"})
	apply(t, s, orderID, testID, CommandSubmitResults, Payload{Actor: "tech-li", ResultValues: cbcValues})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"collect", CommandCollect},
		{" Start_Processing ", CommandStartProcessing},
		{"process", CommandStartProcessing},
		{"submit_results", CommandSubmitResults},
		{"results", CommandSubmitResults},
		{"rework", CommandRework},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseCommand(%q) = %q, %v", tt.in, got, err)
		}
	}
	if _, err := ParseCommand("teleport"); !errors.Is(err, laborder.ErrInvalidCommand) {
		t.Errorf("unknown command error = %v", err)
	}
}

func TestCollectUpdatesProgress(t *testing.T) {
	s := newService(t)
	order := placeOrder(t, s, laborder.PriorityRoutine, "CBC", "LIP")
	cbc := order.Tests[0].ID

	snap := apply(t, s, order.ID, cbc, CommandCollect, Payload{Actor: "nurse-joy", Method: "Venipuncture"})

	if got := testState(t, snap, cbc); got.State != laborder.StateSampleCollected || got.CollectedBy != "nurse-joy" {
		t.Errorf("CBC = %s by %q", got.State, got.CollectedBy)
	}
	if snap.ProgressPercent != 13 {
		t.Errorf("progress = %d, want 13", snap.ProgressPercent)
	}
	if snap.OverallStatus != laborder.OverallInProgress || snap.OverallStatusLabel != "In Progress" {
		t.Errorf("status = %s (%s)", snap.OverallStatus, snap.OverallStatusLabel)
	}
}

func TestProcessingOverridesPendingTests(t *testing.T) {
	s := newService(t)
	order := placeOrder(t, s, laborder.PriorityRoutine, "CBC", "LIP")
	cbc := order.Tests[0].ID

	apply(t, s, order.ID, cbc, CommandCollect, Payload{Actor: "nurse-joy", Method: "Venipuncture"})
	snap := apply(t, s, order.ID, cbc, CommandStartProcessing, Payload{Actor: "tech-li", Route: "in_house"})

	if snap.OverallStatus != laborder.OverallProcessing {
		t.Errorf("status = %s, want processing", snap.OverallStatus)
	}
	if snap.ProgressPercent != 25 {
		t.Errorf("progress = %d, want 25", snap.ProgressPercent)
	}
}

func TestSubmitIncompleteFields(t *testing.T) {
	s := newService(t)
	order := placeOrder(t, s, laborder.PriorityRoutine, "CBC")
	cbc := order.Tests[0].ID
	apply(t, s, order.ID, cbc, CommandCollect, Payload{Actor: "nurse-joy", Method: "Venipuncture"})
	apply(t, s, order.ID, cbc, CommandStartProcessing, Payload{Actor: "tech-li", Route: "outsourced", OutsourcedLab: "Lancet"})

	_, err := s.ApplyCommand(context.Background(), order.ID, cbc, CommandSubmitResults, Payload{
		Actor:        "tech-li",
		ResultValues: map[string]string{"WBC": "6.1"},
	})
	var lerr *laborder.Error
	if !errors.As(err, &lerr) || lerr.Kind != laborder.KindIncompleteFields {
		t.Fatalf("err = %v", err)
	}
	want := []string{"RBC", "Hemoglobin", "Hematocrit", "Platelets"}
	if !reflect.DeepEqual(lerr.Missing, want) {
		t.Errorf("missing = %v, want %v", lerr.Missing, want)
	}

	snap, _ := s.GetOrder(context.Background(), order.ID)
	got := testState(t, snap, cbc)
	if got.State != laborder.StateProcessing || got.ResultKind != laborder.ResultNone {
		t.Errorf("test changed after failed submit: %s %s", got.State, got.ResultKind)
	}
	if got.Route != laborder.RouteOutsourced || got.OutsourcedLab != "Lancet" {
		t.Errorf("route = %s %q", got.Route, got.OutsourcedLab)
	}
}

func TestRejectAndReworkKeepsHistory(t *testing.T) {
	s := newService(t)
	order := placeOrder(t, s, laborder.PriorityUrgent, "CBC")
	cbc := order.Tests[0].ID
	driveToResultsReady(t, s, order.ID, cbc)

	snap := apply(t, s, order.ID, cbc, CommandReject, Payload{Actor: "dr-okafor", RejectionReason: "Sample hemolyzed"})
	if got := testState(t, snap, cbc); got.State != laborder.StateRejected {
		t.Fatalf("state = %s", got.State)
	}

	form, err := s.ReworkForm(context.Background(), order.ID, cbc)
	if err != nil {
		t.Fatalf("ReworkForm: %v", err)
	}
	if !reflect.DeepEqual(form.Values, cbcValues) {
		t.Errorf("pre-fill = %v", form.Values)
	}
	if form.RejectionReason != "Sample hemolyzed" || len(form.Fields) != 5 {
		t.Errorf("form = %+v", form)
	}

	snap = apply(t, s, order.ID, cbc, CommandRework, Payload{
		Actor:        "tech-li",
		ResultValues: map[string]string{"Hemoglobin": "13.9"},
	})
	got := testState(t, snap, cbc)
	if got.State != laborder.StateResultsReady {
		t.Fatalf("state = %s", got.State)
	}
	if got.ResultValues["Hemoglobin"] != "13.9" || got.ResultValues["WBC"] != "6.1" {
		t.Errorf("values = %v", got.ResultValues)
	}
	if got.RejectionReason != "Sample hemolyzed" || got.RejectedBy != "dr-okafor" || got.RejectedAt == nil {
		t.Errorf("rejection history lost: %+v", got)
	}
	if got.ReworkCount != 1 {
		t.Errorf("rework count = %d", got.ReworkCount)
	}

	history, err := s.TestHistory(context.Background(), order.ID, cbc)
	if err != nil {
		t.Fatal(err)
	}
	var types []laborder.EventType
	for _, e := range history {
		types = append(types, e.EventType)
	}
	wantTypes := []laborder.EventType{
		laborder.EventSampleCollected, laborder.EventProcessingStarted, laborder.EventResultsSubmitted,
		laborder.EventResultsRejected, laborder.EventResultsReworked,
	}
	if !reflect.DeepEqual(types, wantTypes) {
		t.Errorf("history = %v", types)
	}
}

func TestConcurrentCollect(t *testing.T) {
	s := newService(t)
	order := placeOrder(t, s, laborder.PrioritySTAT, "CBC")
	cbc := order.Tests[0].ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ApplyCommand(context.Background(), order.ID, cbc, CommandCollect,
				Payload{Actor: "nurse-joy", Method: "Venipuncture"})
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, laborder.ErrInvalidState):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
}

func TestApplyCommandErrors(t *testing.T) {
	s := newService(t)
	order := placeOrder(t, s, laborder.PriorityRoutine, "CBC", "UA")
	cbc, ua := order.Tests[0].ID, order.Tests[1].ID
	ctx := context.Background()

	tests := []struct {
		name    string
		orderID string
		testID  string
		cmd     Command
		p       Payload
		want    error
	}{
		{"unknown order", "nope", cbc, CommandCollect, Payload{Actor: "a", Method: "Venipuncture"}, laborder.ErrNotFound},
		{"unknown test", order.ID, "nope", CommandCollect, Payload{Actor: "a", Method: "Venipuncture"}, laborder.ErrNotFound},
		{"wrong method", order.ID, ua, CommandCollect, Payload{Actor: "a", Method: "Venipuncture"}, laborder.ErrInvalidMethod},
		{"blank actor", order.ID, cbc, CommandCollect, Payload{Method: "Venipuncture"}, laborder.ErrInvalidCommand},
		{"reject pending", order.ID, cbc, CommandReject, Payload{Actor: "a", RejectionReason: "x"}, laborder.ErrInvalidState},
		{"process pending", order.ID, cbc, CommandStartProcessing, Payload{Actor: "a", Route: "bogus"}, laborder.ErrInvalidState},
		{"values and document", order.ID, cbc, CommandSubmitResults, Payload{
			Actor:          "a",
			ResultValues:   cbcValues,
			ResultDocument: &laborder.DocumentRef{Key: "k"},
		}, laborder.ErrInvalidCommand},
		{"unknown command", order.ID, cbc, Command("teleport"), Payload{Actor: "a"}, laborder.ErrInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ApplyCommand(ctx, tt.orderID, tt.testID, tt.cmd, tt.p)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	snap, _ := s.GetOrder(ctx, order.ID)
	for _, ts := range snap.Tests {
		if ts.State != laborder.StatePending || ts.Version != 0 {
			t.Errorf("test %s changed: %s v%d", ts.Code, ts.State, ts.Version)
		}
	}
}

func TestOutsourcedWithoutLab(t *testing.T) {
	s := newService(t)
	order := placeOrder(t, s, laborder.PriorityRoutine, "FBS")
	fbs := order.Tests[0].ID
	apply(t, s, order.ID, fbs, CommandCollect, Payload{Actor: "nurse-joy", Method: "Finger Prick"})

	_, err := s.ApplyCommand(context.Background(), order.ID, fbs, CommandStartProcessing,
		Payload{Actor: "tech-li", Route: "outsourced"})
	if !errors.Is(err, laborder.ErrMissingLabName) {
		t.Fatalf("err = %v", err)
	}
}

func TestNotifierSeesEveryTransition(t *testing.T) {
	n := &recordingNotifier{err: errors.New("sink down")}
	m := metrics.New(prometheus.NewRegistry())
	s := newService(t, WithNotifier(n), WithMetrics(m))

	ctx := WithCorrelationID(context.Background(), "req-42")
	snap, err := s.PlaceOrder(ctx, laborder.NewOrder{
		PatientRef: "patient-7", ClinicianRef: "dr-okafor", Priority: laborder.PriorityRoutine,
		Tests: []laborder.TestRequest{{Code: "CBC"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// A failing sink never fails the command.
	if _, err := s.ApplyCommand(ctx, snap.ID, snap.Tests[0].ID, CommandCollect,
		Payload{Actor: "nurse-joy", Method: "Venipuncture"}); err != nil {
		t.Fatal(err)
	}
	_, _ = s.ApplyCommand(ctx, snap.ID, snap.Tests[0].ID, CommandCollect,
		Payload{Actor: "nurse-joy", Method: "Venipuncture"})

	want := []laborder.EventType{laborder.EventOrderPlaced, laborder.EventSampleCollected}
	if got := n.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("notified = %v", got)
	}
	for _, e := range n.events {
		if e.CorrelationID != "req-42" {
			t.Errorf("event %s correlation = %q", e.EventType, e.CorrelationID)
		}
	}

	if got := testutil.ToFloat64(m.OrdersPlaced); got != 1 {
		t.Errorf("orders placed = %v", got)
	}
	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("collect", "ok")); got != 1 {
		t.Errorf("collect ok = %v", got)
	}
	if got := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("collect", "invalid_state")); got != 1 {
		t.Errorf("collect invalid_state = %v", got)
	}
}

func TestReadIsIdempotent(t *testing.T) {
	s := newService(t)
	order := placeOrder(t, s, laborder.PriorityRoutine, "CBC", "LIP", "UA")
	apply(t, s, order.ID, order.Tests[2].ID, CommandCollect, Payload{Actor: "nurse-joy", Method: "First Morning Void"})

	a, _ := s.GetOrder(context.Background(), order.ID)
	b, _ := s.GetOrder(context.Background(), order.ID)
	if a.OverallStatus != b.OverallStatus || a.ProgressPercent != b.ProgressPercent {
		t.Errorf("reads differ: %s/%d vs %s/%d", a.OverallStatus, a.ProgressPercent, b.OverallStatus, b.ProgressPercent)
	}
	if a.ProgressPercent != 8 {
		t.Errorf("progress = %d, want 8", a.ProgressPercent)
	}
}

type failingStore struct{ blobstore.Store }

func (failingStore) Driver() string { return "failing" }

func (failingStore) Put(context.Context, string, io.Reader, string) (blobstore.Object, error) {
	return blobstore.Object{}, errors.New("bucket unreachable")
}

func toProcessing(t *testing.T, s *Service, code, method string) (string, string) {
	t.Helper()
	order := placeOrder(t, s, laborder.PriorityRoutine, code)
	id := order.Tests[0].ID
	apply(t, s, order.ID, id, CommandCollect, Payload{Actor: "nurse-joy", Method: method})
	apply(t, s, order.ID, id, CommandStartProcessing, Payload{Actor: "tech-li", Route: "in-house"})
	return order.ID, id
}

func TestUploadResultDocument(t *testing.T) {
	docs := blobstore.NewMemory()
	m := metrics.New(prometheus.NewRegistry())
	s := newService(t, WithDocumentStore(docs), WithMetrics(m))
	ctx := context.Background()
	orderID, testID := toProcessing(t, s, "UA", "Mid-stream Clean Catch")

	snap, err := s.UploadResultDocument(ctx, orderID, testID, Upload{
		Actor:       "tech-li",
		Filename:    "ua-report.pdf",
		ContentType: "application/pdf",
		Body:        strings.NewReader("%PDF-1.4 report"),
	})
	if err != nil {
		t.Fatalf("UploadResultDocument: %v", err)
	}
	got := testState(t, snap, testID)
	if got.State != laborder.StateResultsReady || got.ResultDocument == nil || len(got.ResultValues) != 0 {
		t.Fatalf("test = %+v", got)
	}
	if docs.Len() != 1 {
		t.Errorf("stored documents = %d", docs.Len())
	}

	ref, body, err := s.DocumentDownload(ctx, orderID, testID)
	if err != nil {
		t.Fatalf("DocumentDownload: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "%PDF-1.4 report" || ref.Name != "ua-report.pdf" {
		t.Errorf("download = %q %+v", data, ref)
	}

	// Rework with no new input keeps the prior document.
	apply(t, s, orderID, testID, CommandReject, Payload{Actor: "dr-okafor", RejectionReason: "wrong patient label"})
	snap = apply(t, s, orderID, testID, CommandRework, Payload{Actor: "tech-li"})
	if got := testState(t, snap, testID); got.ResultDocument == nil || got.ResultDocument.Key != ref.Key {
		t.Errorf("rework document = %+v", got.ResultDocument)
	}

	if got := testutil.ToFloat64(m.DocumentUploads.WithLabelValues("ok")); got != 1 {
		t.Errorf("uploads ok = %v", got)
	}
}

func TestUploadFailsClosed(t *testing.T) {
	s := newService(t, WithDocumentStore(failingStore{}))
	ctx := context.Background()
	orderID, testID := toProcessing(t, s, "CBC", "Venipuncture")

	_, err := s.UploadResultDocument(ctx, orderID, testID, Upload{
		Actor: "tech-li", Filename: "cbc.pdf", Body: strings.NewReader("data"),
	})
	if !errors.Is(err, ErrDocumentStore) {
		t.Fatalf("err = %v", err)
	}
	snap, _ := s.GetOrder(ctx, orderID)
	if got := testState(t, snap, testID); got.State != laborder.StateProcessing {
		t.Errorf("state = %s after failed upload", got.State)
	}
}

// codeClashes refuses the first n orders as if their codes were taken.
type codeClashes struct {
	*memory.Store
	n     int
	tries int
}

func (c *codeClashes) CreateOrder(ctx context.Context, o *laborder.Order, tests []*laborder.Test, placed *laborder.Event) error {
	c.tries++
	if c.tries <= c.n {
		return laborder.ErrOrderCodeTaken
	}
	return c.Store.CreateOrder(ctx, o, tests, placed)
}

func TestPlaceOrderRedrawsTakenCode(t *testing.T) {
	repo := &codeClashes{Store: memory.NewStore(), n: 2}
	s := New(repo, nil)
	snap := placeOrder(t, s, laborder.PriorityRoutine, "FBS")
	if repo.tries != 3 {
		t.Errorf("tries = %d, want 3", repo.tries)
	}
	if _, err := s.GetOrder(context.Background(), snap.ID); err != nil {
		t.Errorf("GetOrder: %v", err)
	}

	repo = &codeClashes{Store: memory.NewStore(), n: codeAttempts}
	s = New(repo, nil)
	_, err := s.PlaceOrder(context.Background(), laborder.NewOrder{
		PatientRef: "patient-7", ClinicianRef: "dr-okafor", Tests: []laborder.TestRequest{{Code: "FBS"}},
	})
	if !errors.Is(err, laborder.ErrOrderCodeTaken) {
		t.Errorf("err = %v after %d clashes", err, codeAttempts)
	}
}

// reloadFailure breaks LoadOrder after the next committed mutation.
type reloadFailure struct {
	*memory.Store
	mu     sync.Mutex
	armed  bool
	broken bool
}

func (r *reloadFailure) MutateTest(ctx context.Context, orderID, testID string, fn laborder.Mutation) (*laborder.Event, error) {
	e, err := r.Store.MutateTest(ctx, orderID, testID, fn)
	if err == nil {
		r.mu.Lock()
		r.broken = r.armed
		r.mu.Unlock()
	}
	return e, err
}

func (r *reloadFailure) LoadOrder(ctx context.Context, orderID string) (*laborder.Order, []*laborder.Test, error) {
	r.mu.Lock()
	broken := r.broken
	r.mu.Unlock()
	if broken {
		return nil, nil, errors.New("connection reset")
	}
	return r.Store.LoadOrder(ctx, orderID)
}

func TestUploadKeepsDocumentWhenReloadFails(t *testing.T) {
	docs := blobstore.NewMemory()
	repo := &reloadFailure{Store: memory.NewStore()}
	s := New(repo, nil, WithDocumentStore(docs))
	ctx := context.Background()
	orderID, testID := toProcessing(t, s, "UA", "Mid-stream Clean Catch")

	repo.armed = true
	if _, err := s.UploadResultDocument(ctx, orderID, testID, Upload{
		Actor: "tech-li", Filename: "ua.pdf", Body: strings.NewReader("%PDF-1.4"),
	}); err == nil {
		t.Fatal("expected the reload error")
	}
	repo.armed, repo.broken = false, false

	if docs.Len() != 1 {
		t.Fatalf("stored documents = %d, want 1", docs.Len())
	}
	ref, body, err := s.DocumentDownload(ctx, orderID, testID)
	if err != nil {
		t.Fatalf("committed result lost its document: %v", err)
	}
	body.Close()
	if ref.Name != "ua.pdf" {
		t.Errorf("ref = %+v", ref)
	}
}

func TestUploadRefusedBeforeStoring(t *testing.T) {
	docs := blobstore.NewMemory()
	s := newService(t, WithDocumentStore(docs), WithMaxUploadBytes(4))
	ctx := context.Background()

	pending := placeOrder(t, s, laborder.PriorityRoutine, "CBC")
	_, err := s.UploadResultDocument(ctx, pending.ID, pending.Tests[0].ID, Upload{
		Actor: "tech-li", Body: strings.NewReader("ok"),
	})
	if !errors.Is(err, laborder.ErrInvalidState) {
		t.Errorf("pending upload = %v", err)
	}

	orderID, testID := toProcessing(t, s, "CBC", "Venipuncture")
	if _, err := s.UploadResultDocument(ctx, orderID, testID, Upload{Body: strings.NewReader("ok")}); !errors.Is(err, laborder.ErrInvalidCommand) {
		t.Errorf("blank actor = %v", err)
	}
	if _, err := s.UploadResultDocument(ctx, orderID, testID, Upload{
		Actor: "tech-li", Body: strings.NewReader("far too large"),
	}); !errors.Is(err, laborder.ErrInvalidCommand) {
		t.Errorf("oversize = %v", err)
	}
	if docs.Len() != 0 {
		t.Errorf("documents left behind: %d", docs.Len())
	}
}

func TestReworkFormRequiresResultState(t *testing.T) {
	s := newService(t)
	order := placeOrder(t, s, laborder.PriorityRoutine, "CBC")
	if _, err := s.ReworkForm(context.Background(), order.ID, order.Tests[0].ID); !errors.Is(err, laborder.ErrInvalidState) {
		t.Errorf("pending form = %v", err)
	}
}

func TestDashboardAndVerificationQueue(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	routine := placeOrder(t, s, laborder.PriorityRoutine, "CBC")
	stat := placeOrder(t, s, laborder.PrioritySTAT, "CBC", "FBS")
	driveToResultsReady(t, s, routine.ID, routine.Tests[0].ID)
	driveToResultsReady(t, s, stat.ID, stat.Tests[0].ID)

	d, err := s.Dashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.TotalOrders != 2 || d.TotalTests != 3 || d.AwaitingVerify != 2 {
		t.Errorf("dashboard = %+v", d)
	}
	if d.TestsByState[laborder.StatePending] != 1 || d.TestsByState[laborder.StateVerified] != 0 {
		t.Errorf("by state = %v", d.TestsByState)
	}
	if len(d.OutstandingSTAT) != 1 || d.OutstandingSTAT[0].OrderID != stat.ID || d.OutstandingSTAT[0].OpenTests != 2 {
		t.Errorf("stat = %+v", d.OutstandingSTAT)
	}

	queue, err := s.VerificationQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 2 || queue[0].OrderID != stat.ID || queue[1].OrderID != routine.ID {
		t.Fatalf("queue = %+v", queue)
	}

	results, err := s.VerifyBatch(ctx, BatchVerify{
		Verifier: "dr-okafor",
		Items: []BatchItem{
			{OrderID: stat.ID, TestID: stat.Tests[0].ID},
			{OrderID: stat.ID, TestID: stat.Tests[1].ID},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].OK || results[1].OK || results[1].Kind != laborder.KindInvalidState {
		t.Errorf("results = %+v", results)
	}

	results, err = s.VerifyBatch(ctx, BatchVerify{Verifier: "dr-okafor", Interpretation: laborder.InterpretationAbnormal})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].OK || results[0].TestID != routine.Tests[0].ID {
		t.Fatalf("verify all = %+v", results)
	}
	snap, _ := s.GetOrder(ctx, routine.ID)
	got := testState(t, snap, routine.Tests[0].ID)
	if got.State != laborder.StateVerified || got.Interpretation != laborder.InterpretationAbnormal {
		t.Errorf("verified test = %s %s", got.State, got.Interpretation)
	}
	if snap.OverallStatus != laborder.OverallResultsReady || snap.ProgressPercent != 100 {
		t.Errorf("order = %s %d", snap.OverallStatus, snap.ProgressPercent)
	}
}

func TestListOrdersFilters(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	a := placeOrder(t, s, laborder.PriorityRoutine, "CBC")
	b := placeOrder(t, s, laborder.PriorityUrgent, "FBS")
	apply(t, s, b.ID, b.Tests[0].ID, CommandCollect, Payload{Actor: "nurse-joy", Method: "Heel Prick"})

	all, err := s.ListOrders(ctx, laborder.OrderFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != b.ID || all[1].ID != a.ID {
		t.Errorf("all = %d orders", len(all))
	}
	collected, _ := s.ListOrders(ctx, laborder.OrderFilter{TestState: laborder.StateSampleCollected})
	if len(collected) != 1 || collected[0].ID != b.ID {
		t.Errorf("collected = %d orders", len(collected))
	}
}
