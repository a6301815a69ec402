package laborder

// OverallStatus is the derived order-level status.
type OverallStatus string

const (
	OverallPending      OverallStatus = "pending"
	OverallInProgress   OverallStatus = "in_progress"
	OverallProcessing   OverallStatus = "processing"
	OverallResultsReady OverallStatus = "results_ready"
)

var overallLabels = map[OverallStatus]string{
	OverallPending:      "Pending",
	OverallInProgress:   "In Progress",
	OverallProcessing:   "Processing",
	OverallResultsReady: "Results Ready",
}

// Label is the human readable form shown on the dashboard.
func (s OverallStatus) Label() string { return overallLabels[s] }

// StateWeight is a state's contribution to order progress. Rejected counts
// the same as results ready because a work product exists.
func StateWeight(s State) int {
	switch s {
	case StateSampleCollected:
		return 25
	case StateProcessing:
		return 50
	case StateResultsReady, StateRejected:
		return 90
	case StateVerified:
		return 100
	}
	return 0
}

// Progress returns the rounded mean state weight, halves rounding up.
func Progress(states []State) int {
	if len(states) == 0 {
		return 0
	}
	sum := 0
	for _, s := range states {
		sum += StateWeight(s)
	}
	n := len(states)
	return (2*sum + n) / (2 * n)
}

// Overall applies the status rules top-down; the first match wins.
func Overall(states []State) OverallStatus {
	if len(states) == 0 {
		return OverallPending
	}
	allReady := true
	anyProcessing, anyCollected := false, false
	for _, s := range states {
		if s != StateVerified && s != StateResultsReady {
			allReady = false
		}
		switch s {
		case StateProcessing:
			anyProcessing = true
		case StateSampleCollected:
			anyCollected = true
		}
	}
	switch {
	case allReady:
		return OverallResultsReady
	case anyProcessing:
		return OverallProcessing
	case anyCollected:
		return OverallInProgress
	}
	return OverallPending
}

// Summary is the derived view of an order's tests.
type Summary struct {
	Status   OverallStatus `json:"overall_status"`
	Progress int           `json:"progress_percent"`
	Counts   map[State]int `json:"state_counts"`
}

// Summarize computes the order summary. It reads the tests and never
// modifies them.
func Summarize(tests []*Test) Summary {
	states := make([]State, len(tests))
	counts := make(map[State]int)
	for i, t := range tests {
		states[i] = t.state
		counts[t.state]++
	}
	return Summary{
		Status:   Overall(states),
		Progress: Progress(states),
		Counts:   counts,
	}
}
