package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/local/convertqueue/internal/converter"
)

// Failure kinds reported in logs and the job_failures metric.
const (
	KindTimeout  = "timeout"
	KindExternal = "external"
	KindInput    = "input"
	KindPanic    = "panic"
	KindInternal = "internal"

	// KindOutputMissing marks an operation that reported success but left
	// no artifact behind.
	KindOutputMissing = "output_missing"
)

// classifyFailure buckets a job error. The kind is logged, counted and
// stored on the job record; it never affects whether a job fails.
func classifyFailure(err error) string {
	if err == nil {
		return ""
	}
	if isTimeoutError(err) {
		return KindTimeout
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return KindPanic
	}
	if errors.Is(err, ErrOutputMissing) {
		return KindOutputMissing
	}
	if isInputError(err) {
		return KindInput
	}
	if errors.Is(err, converter.ErrExternalOperationFailed) {
		return KindExternal
	}
	return KindInternal
}

// isInputError reports failures caused by what the client submitted.
func isInputError(err error) bool {
	for _, target := range []error{
		ErrUnknownToolAtExecution,
		ErrNoPagesOrInputs,
		ErrNoPagesRemaining,
		ErrMissingPageSpec,
		ErrInputMissing,
		converter.ErrPageCountUnavailable,
		converter.ErrArchiveTooLarge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "deadline exceeded")
}
