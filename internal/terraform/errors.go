package terraform

import (
	"errors"
	"fmt"
)

// ErrModulePathNotFound is returned when neither the requested module path
// nor the configured default is usable.
var ErrModulePathNotFound = errors.New("terraform module path not found")

// PhaseError describes which terraform phase failed and carries the tool's
// stderr for diagnostics.
type PhaseError struct {
	Phase  string
	Stderr string
	Err    error
}

func (e *PhaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terraform %s failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("terraform %s failed", e.Phase)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
