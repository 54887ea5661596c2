package jobs

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when a worker reports on a job it no longer holds
	ErrLeaseLost = errors.New("job is not processing under this worker's lease")

	// ErrJobNotCancellable is returned for jobs that are claimed or finished
	ErrJobNotCancellable = errors.New("job can only be cancelled while pending or retryable")

	// ErrDuplicateJob is returned when the active-job uniqueness backstop trips.
	// Callers treat it as "already exists", never as a fatal error.
	ErrDuplicateJob = errors.New("an active job already exists for this key")

	// ErrInvalidSpec is returned when a job spec fails validation
	ErrInvalidSpec = errors.New("invalid job spec")
)
