package evidence

import "errors"

// Caller-visible reasons returned by review and persistence operations.
// Test with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyApproved  = errors.New("link already approved")
	ErrAlreadyRejected  = errors.New("link already rejected")
	ErrEventRetracted   = errors.New("event is retracted")
	ErrInvalidInput     = errors.New("invalid input")
	ErrSnapshotConflict = errors.New("snapshot key already exists")
)
