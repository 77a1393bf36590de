package dispatcher

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownToolAtExecution = errors.New("unknown tool in worker")
	ErrNoPagesOrInputs        = errors.New("no input files for multi-file tool")
	ErrNoPagesRemaining       = errors.New("no pages left after deletion")
	ErrMissingPageSpec        = errors.New("missing pagesToDelete for pdf:delete-pages")
	ErrOutputMissing          = errors.New("output file not created")
	ErrInputMissing           = errors.New("staged input missing")
)

// FallbackError carries both failures when primary and fallback fail.
type FallbackError struct {
	Tool     string
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s: primary failed: %v; fallback failed: %v", e.Tool, e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

// PanicError is a recovered panic from inside an operation.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}
