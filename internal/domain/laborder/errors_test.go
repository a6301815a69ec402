package laborder

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	missing := incompleteFields([]string{"WBC"})
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), ""},
		{"direct", NotFoundError("order x not found"), KindNotFound},
		{"wrapped twice", fmt.Errorf("upload: %w", fmt.Errorf("apply: %w", missing)), KindIncompleteFields},
		{"joined", errors.Join(errors.New("cleanup failed"), ErrMissingReason), KindMissingReason},
		{"joined and wrapped", fmt.Errorf("batch: %w", errors.Join(errors.New("x"), InvalidCommandError("bad"))), KindInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}

	var e *Error
	if !errors.As(fmt.Errorf("x: %w", missing), &e) || len(e.Missing) != 1 {
		t.Errorf("missing fields lost through wrapping: %+v", e)
	}
}
