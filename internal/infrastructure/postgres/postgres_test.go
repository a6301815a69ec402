package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
	"github.com/drfirst/go-labflow/internal/infrastructure/redpanda"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func TestNewOutboxEntry(t *testing.T) {
	e, err := laborder.NewEvent("order-1", "test-1", laborder.EventSampleCollected,
		laborder.SampleCollectedData{CollectedBy: "nurse-joy", Method: "Venipuncture"}, t0)
	if err != nil {
		t.Fatal(err)
	}

	entry, err := NewOutboxEntry(e)
	if err != nil {
		t.Fatalf("NewOutboxEntry: %v", err)
	}
	if entry.KafkaTopic != redpanda.TopicTestEvents || entry.KafkaKey != "test-1" {
		t.Errorf("routing = %s/%s", entry.KafkaTopic, entry.KafkaKey)
	}
	if entry.AggregateID != "order-1" || entry.EventType != string(laborder.EventSampleCollected) {
		t.Errorf("entry = %+v", entry)
	}

	var decoded laborder.Event
	if err := json.Unmarshal(entry.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID != e.ID || decoded.TestID != "test-1" {
		t.Errorf("payload = %+v", decoded)
	}
}

func TestDefaultOutboxConfig(t *testing.T) {
	cfg := DefaultOutboxConfig()
	if cfg.DeadLetterTopic != redpanda.TopicDeadLetter {
		t.Errorf("dead letter topic = %s", cfg.DeadLetterTopic)
	}
	if cfg.BatchSize <= 0 || cfg.MaxRetries <= 0 || cfg.PollInterval <= 0 {
		t.Errorf("config = %+v", cfg)
	}
}

// The repository tests need a disposable database:
//
//	LABFLOW_TEST_DATABASE_URL=postgres://... go test ./internal/infrastructure/postgres
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("LABFLOW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LABFLOW_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return pool
}

func placeOrder(t *testing.T, repo *Repository, codes ...string) (*laborder.Order, []*laborder.Test) {
	t.Helper()
	req := laborder.NewOrder{PatientRef: "patient-pg", ClinicianRef: "dr-ade"}
	for _, c := range codes {
		req.Tests = append(req.Tests, laborder.TestRequest{Code: c})
	}
	o, tests, ev, err := laborder.PlaceOrder(req, laborder.DefaultRegistry(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateOrder(context.Background(), o, tests, ev); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o, tests
}

func TestRepositoryLifecycle(t *testing.T) {
	pool := testPool(t)
	repo := NewRepository(pool, nil)
	ctx := context.Background()
	o, tests := placeOrder(t, repo, "CBC", "FBS")

	got, loaded, err := repo.LoadOrder(ctx, o.ID())
	if err != nil {
		t.Fatalf("LoadOrder: %v", err)
	}
	if got.Code() != o.Code() || len(loaded) != 2 || loaded[0].ID() != tests[0].ID() {
		t.Fatalf("loaded %s with %d tests", got.Code(), len(loaded))
	}

	_, err = repo.MutateTest(ctx, o.ID(), tests[0].ID(), func(tt *laborder.Test) (*laborder.Event, error) {
		return tt.Collect("nurse-joy", "Venipuncture", "", time.Now())
	})
	if err != nil {
		t.Fatalf("MutateTest: %v", err)
	}

	evs, err := repo.TestEvents(ctx, o.ID(), tests[0].ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].EventType != laborder.EventSampleCollected {
		t.Errorf("events = %v", evs)
	}

	var pending int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1`, o.ID()).Scan(&pending); err != nil {
		t.Fatal(err)
	}
	if pending != 2 {
		t.Errorf("outbox rows = %d, want 2", pending)
	}

	orders, byOrder, err := repo.ListOrders(ctx, laborder.OrderFilter{PatientRef: "patient-pg", TestState: laborder.StateSampleCollected})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, lo := range orders {
		if lo.ID() == o.ID() {
			found = len(byOrder[lo.ID()]) == 2
		}
	}
	if !found {
		t.Error("order missing from filtered list")
	}
}

func TestRepositoryNotFound(t *testing.T) {
	repo := NewRepository(testPool(t), nil)
	ctx := context.Background()

	if _, _, err := repo.LoadOrder(ctx, "no-such-order"); !errors.Is(err, laborder.ErrNotFound) {
		t.Errorf("LoadOrder = %v", err)
	}
	o, _ := placeOrder(t, repo, "FBS")
	_, err := repo.MutateTest(ctx, o.ID(), "no-such-test", func(*laborder.Test) (*laborder.Event, error) {
		t.Fatal("mutation must not run")
		return nil, nil
	})
	if !errors.Is(err, laborder.ErrNotFound) {
		t.Errorf("MutateTest = %v", err)
	}
}

func TestRepositoryConcurrentCollect(t *testing.T) {
	repo := NewRepository(testPool(t), nil)
	ctx := context.Background()
	o, tests := placeOrder(t, repo, "CBC")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.MutateTest(ctx, o.ID(), tests[0].ID(), func(tt *laborder.Test) (*laborder.Event, error) {
				return tt.Collect("nurse-joy", "Venipuncture", "", time.Now())
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, laborder.ErrInvalidState) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", succeeded)
	}
}
