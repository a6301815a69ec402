package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	return cfg
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cb, err := New(testConfig("documents"), nil, WithStateListener(func(name string, from, to State) {
		if name != "documents" {
			t.Errorf("listener name = %q", name)
		}
		transitions = append(transitions, to)
	}))
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("s3 unreachable")
	for i := 0; i < 2; i++ {
		if err := cb.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if !cb.IsOpen() {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	called := false
	err = cb.Do(context.Background(), func(context.Context) error { called = true; return nil })
	if !IsOpenError(err) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("guarded function ran while open")
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
	if StateOpen.Value() != 1 || StateClosed.Value() != 0 || StateHalfOpen.Value() != 2 {
		t.Error("unexpected gauge values")
	}
}

func TestCanceledCallsDoNotTrip(t *testing.T) {
	cb, _ := New(testConfig("events"), nil)
	for i := 0; i < 5; i++ {
		cb.Do(context.Background(), func(context.Context) error { return context.Canceled })
	}
	if !cb.IsClosed() {
		t.Fatalf("state = %s", cb.GetState())
	}
}

func TestExecuteReturnsResult(t *testing.T) {
	cb, _ := New(DefaultConfig("x"), nil)
	v, err := cb.Execute(context.Background(), func() (interface{}, error) { return 42, nil })
	if err != nil || v.(int) != 42 {
		t.Fatalf("Execute = %v, %v", v, err)
	}
}

func TestManagerHealth(t *testing.T) {
	m := NewManager(nil)
	a, _ := m.GetOrCreate("b-events", testConfig(""))
	again, _ := m.GetOrCreate("b-events", testConfig(""))
	if a != again {
		t.Fatal("GetOrCreate returned a different breaker")
	}
	docs, _ := m.GetOrCreate("a-documents", testConfig(""))
	for i := 0; i < 2; i++ {
		docs.Do(context.Background(), func(context.Context) error { return errors.New("down") })
	}

	status := m.GetHealthStatus()
	if len(status) != 2 || status[0].Name != "a-documents" {
		t.Fatalf("status = %+v", status)
	}
	if status[0].Healthy || !status[1].Healthy {
		t.Errorf("health = %+v", status)
	}
	if _, ok := m.Get("a-documents"); !ok {
		t.Error("Get failed")
	}
}
