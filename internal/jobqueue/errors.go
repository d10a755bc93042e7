package jobqueue

import "errors"

var (
	// ErrNoJob is returned by Lease when nothing is ready
	ErrNoJob = errors.New("no job ready")
	// ErrJobNotFound is returned for unknown or evicted job ids
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost means the caller no longer owns the job's lease
	ErrLeaseLost = errors.New("job lease lost")
)
