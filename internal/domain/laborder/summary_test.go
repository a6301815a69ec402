package laborder

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestProgress(t *testing.T) {
	tests := []struct {
		name   string
		states []State
		want   int
	}{
		{"empty", nil, 0},
		{"all pending", []State{StatePending, StatePending}, 0},
		{"mixed", []State{StatePending, StateSampleCollected, StateProcessing}, 25},
		{"half up", []State{StateVerified, StateResultsReady}, 95},
		{"rejected counts as ready", []State{StateRejected, StateVerified, StatePending}, 63},
		{"all verified", []State{StateVerified, StateVerified}, 100},
		{"single collected", []State{StateSampleCollected}, 25},
		{"thirds", []State{StateSampleCollected, StatePending, StatePending}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Progress(tt.states); got != tt.want {
				t.Errorf("Progress(%v) = %d, want %d", tt.states, got, tt.want)
			}
		})
	}
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name   string
		states []State
		want   OverallStatus
	}{
		{"empty", nil, OverallPending},
		{"all pending", []State{StatePending, StatePending}, OverallPending},
		{"one collected", []State{StatePending, StateSampleCollected}, OverallInProgress},
		{"processing wins over collected", []State{StateSampleCollected, StateProcessing}, OverallProcessing},
		{"all done", []State{StateVerified, StateResultsReady}, OverallResultsReady},
		{"verified and pending", []State{StateVerified, StatePending}, OverallPending},
		{"rejected blocks ready", []State{StateRejected, StateVerified}, OverallPending},
		{"rejected with processing", []State{StateRejected, StateProcessing}, OverallProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overall(tt.states); got != tt.want {
				t.Errorf("Overall(%v) = %s, want %s", tt.states, got, tt.want)
			}
		})
	}
}

func TestProgressBounds(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		n := 1 + r.Intn(12)
		states := make([]State, n)
		min, max := 100, 0
		for j := range states {
			states[j] = States[r.Intn(len(States))]
			w := StateWeight(states[j])
			if w < min {
				min = w
			}
			if w > max {
				max = w
			}
		}
		p := Progress(states)
		if p < 0 || p > 100 || p < min || p > max {
			t.Fatalf("Progress(%v) = %d outside [%d,%d]", states, p, min, max)
		}
	}
}

func TestSummarizeDoesNotMutate(t *testing.T) {
	a := NewTest("a", "o", "CBC", "CBC", SampleBlood, t0)
	b := NewTest("b", "o", "UA", "UA", SampleUrine, t0)
	if _, err := b.Collect("nurse", "First Morning Void", "", t0); err != nil {
		t.Fatal(err)
	}
	tests := []*Test{a, b}
	before := []TestSnapshot{a.Snapshot(), b.Snapshot()}

	s1 := Summarize(tests)
	s2 := Summarize(tests)
	if s1.Status != OverallInProgress || s1.Progress != 13 {
		t.Errorf("summary = %+v", s1)
	}
	if s1.Status != s2.Status || s1.Progress != s2.Progress {
		t.Error("repeated summaries differ")
	}
	if s1.Counts[StatePending] != 1 || s1.Counts[StateSampleCollected] != 1 {
		t.Errorf("counts = %v", s1.Counts)
	}
	if !reflect.DeepEqual(a.Snapshot(), before[0]) || !reflect.DeepEqual(b.Snapshot(), before[1]) {
		t.Error("summary mutated a test")
	}
}
