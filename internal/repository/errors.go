package repository

import "errors"

var (
	ErrCaseNotFound     = errors.New("case not found")
	ErrProposalNotFound = errors.New("proposal not found")
	ErrTokenNotFound    = errors.New("proposal token not found")

	// ErrVersionConflict is returned when the next proposal version kept
	// colliding with concurrent inserts.
	ErrVersionConflict = errors.New("proposal version conflict")
)
