package ranker

import "errors"

// Sentinel errors shared across stores and the pipeline.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrJobCancelled aborts a pipeline run after a cancellation request
	// was observed between items. Remaining work is already reset by the
	// time this surfaces.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrNotCancellable is returned when a cancel is requested for a
	// record that is no longer in a cancellable state.
	ErrNotCancellable = errors.New("record not in a cancellable state")
)

// RejectError marks a job as structurally unprocessable. The consumer
// deletes the message instead of letting the queue redeliver it.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

// Reject wraps a reason into a RejectError.
func Reject(reason string) error { return &RejectError{Reason: reason} }
