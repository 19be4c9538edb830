package votes

import "errors"

var (
	// ErrInvalidInput rejects caller-supplied data before any byte is
	// written: empty (after trimming) or oversized voter/candidate.
	ErrInvalidInput = errors.New("votes: invalid input")

	// ErrNotFound signals an absent id on lookup. A normal outcome, not
	// a failure.
	ErrNotFound = errors.New("votes: vote not found")

	// ErrStorage is the category sentinel for hard storage failures:
	// region exhaustion, bounds violations, corrupt encodings. Errors in
	// this category also wrap the underlying cause. The store never
	// retries internally.
	ErrStorage = errors.New("votes: storage failure")
)
