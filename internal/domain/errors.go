// Package domain defines the core types and interfaces for Kestrel.
package domain

import "errors"

// Sentinel errors shared across packages. Compare with errors.Is.
var (
	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput marks a rejected argument.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidRule marks a rule whose condition does not match its type.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrAlreadyQueued marks a duplicate review-queue insertion. Resolved
	// idempotently, not surfaced to evaluation callers.
	ErrAlreadyQueued = errors.New("transaction already queued for review")
)
