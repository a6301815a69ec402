package laborder

import "strings"

// State is the lifecycle position of a single test.
type State string

const (
	StatePending         State = "pending"
	StateSampleCollected State = "sample_collected"
	StateProcessing      State = "processing"
	StateResultsReady    State = "results_ready"
	StateRejected        State = "rejected"
	StateVerified        State = "verified"
)

// States lists every state in pipeline order.
var States = []State{
	StatePending, StateSampleCollected, StateProcessing, StateResultsReady, StateRejected, StateVerified,
}

var stateLabels = map[State]string{
	StatePending:         "Pending",
	StateSampleCollected: "Sample Collected",
	StateProcessing:      "Processing",
	StateResultsReady:    "Results Ready",
	StateRejected:        "Rejected",
	StateVerified:        "Verified",
}

// Label is the human readable form shown on the dashboard.
func (s State) Label() string {
	if l, ok := stateLabels[s]; ok {
		return l
	}
	return string(s)
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateLabels[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool { return s == StateVerified }

// ParseState accepts either the wire value or the label.
func ParseState(v string) (State, error) {
	v = strings.TrimSpace(v)
	for s, label := range stateLabels {
		if strings.EqualFold(string(s), v) || strings.EqualFold(label, v) {
			return s, nil
		}
	}
	return "", InvalidCommandError("unknown test state %q", v)
}

// Interpretation is the verifier's classification of a result.
type Interpretation string

const (
	InterpretationNormal   Interpretation = "normal"
	InterpretationAbnormal Interpretation = "abnormal"
	InterpretationCritical Interpretation = "critical"
)

// ParseInterpretation defaults a blank value to normal.
func ParseInterpretation(v string) (Interpretation, error) {
	switch Interpretation(strings.ToLower(strings.TrimSpace(v))) {
	case "", InterpretationNormal:
		return InterpretationNormal, nil
	case InterpretationAbnormal:
		return InterpretationAbnormal, nil
	case InterpretationCritical:
		return InterpretationCritical, nil
	}
	return "", InvalidCommandError("unknown result interpretation %q", v)
}
