package laborder

import (
	"context"
	"errors"
)

// ErrOrderCodeTaken is returned by CreateOrder when another order already
// holds the code. Nothing is written.
var ErrOrderCodeTaken = errors.New("order code already in use")

// Mutation applies one transition to a test. Returning an error aborts the
// write and leaves the stored test unchanged.
type Mutation func(t *Test) (*Event, error)

// OrderFilter narrows ListOrders. Zero values match everything.
type OrderFilter struct {
	Priority   Priority
	TestState  State
	PatientRef string
	Limit      int
}

// Matches reports whether an order and its tests pass the filter.
func (f OrderFilter) Matches(o *Order, tests []*Test) bool {
	if f.Priority != "" && o.priority != f.Priority {
		return false
	}
	if f.PatientRef != "" && o.patientRef != f.PatientRef {
		return false
	}
	if f.TestState != "" {
		for _, t := range tests {
			if t.state == f.TestState {
				return true
			}
		}
		return false
	}
	return true
}

// Repository is the order/test store. Implementations must make
// MutateTest atomic per test: the read of the current state, the mutation
// and the write happen as one unit, and two concurrent mutations of the
// same test never both observe the same starting state.
type Repository interface {
	// CreateOrder stores the order and all of its tests at once. A code
	// clash yields ErrOrderCodeTaken.
	CreateOrder(ctx context.Context, o *Order, tests []*Test, placed *Event) error
	// LoadOrder returns the order and its tests, or a not_found error.
	LoadOrder(ctx context.Context, orderID string) (*Order, []*Test, error)
	// ListOrders returns orders newest first.
	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, map[string][]*Test, error)
	// MutateTest runs fn against the current test and persists the result
	// together with the returned event.
	MutateTest(ctx context.Context, orderID, testID string, fn Mutation) (*Event, error)
	// TestEvents returns the transition history of one test, oldest first.
	TestEvents(ctx context.Context, orderID, testID string) ([]*Event, error)
}
