package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrModelRequired    = errors.New("agent requires a language model")
	ErrThreadIDRequired = errors.New("agent requires a thread id")
	ErrNotInitialized   = errors.New("agent is not initialized")
	ErrEmptyMessage     = errors.New("user input is empty")
	ErrUnknownFactory   = errors.New("unknown tool factory")
	ErrDuplicateFactory = errors.New("tool factory already registered")

	// ErrPartialOrTotalToolLoadFailure matches a *ToolLoadError: at least one tool factory
	// failed while resolving an agent's tools.
	ErrPartialOrTotalToolLoadFailure = errors.New("tool load failure")
)

// ToolLoadError lists the factories that failed during one resolution pass.
type ToolLoadError struct {
	Failed    []FactoryOutcome
	Succeeded int
}

func (e *ToolLoadError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, fmt.Sprintf("%s: %v", f.Name, f.Err))
	}
	kind := "partial"
	if e.Succeeded == 0 {
		kind = "total"
	}
	return fmt.Sprintf("%s tool load failure (%d failed, %d succeeded): %s",
		kind, len(e.Failed), e.Succeeded, strings.Join(names, "; "))
}

func (e *ToolLoadError) Is(target error) bool {
	return target == ErrPartialOrTotalToolLoadFailure
}

// Unwrap exposes the individual factory errors to errors.Is and errors.As.
func (e *ToolLoadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
