// Package service orchestrates the hash intelligence workflows consumed by
// the transport layer: registration, lookup, subscription management, and
// delivery acknowledgement.
package service

import (
	"errors"

	"github.com/grapnel-io/hashintel/internal/hash"
	"github.com/grapnel-io/hashintel/internal/notify"
)

// Stable error codes surfaced to the transport layer.
const (
	// CodeValidation indicates a malformed hash, unknown enum value, or
	// otherwise invalid input. Rejected before any storage write.
	CodeValidation = "validation_error"

	// CodeRateLimited indicates the caller exhausted its budget and must
	// back off. The request was not queued or delayed.
	CodeRateLimited = "rate_limited"

	// CodeStorageUnavailable indicates a retryable storage outage. The
	// triggering operation was not partially applied.
	CodeStorageUnavailable = "storage_unavailable"

	// CodeNotFound indicates the referenced resource does not exist.
	CodeNotFound = "not_found"

	// CodeConflict indicates the request conflicts with the resource's
	// current state (e.g., acknowledging an item that was never sent).
	CodeConflict = "conflict"

	// CodeInternal indicates an unexpected failure.
	CodeInternal = "internal_error"
)

// Service-level sentinel errors.
var (
	// ErrRateLimited is returned when a source system is over budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrEmptyBatch is returned when a register or lookup carries no hashes.
	ErrEmptyBatch = errors.New("request must contain at least one hash")

	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize.
	ErrBatchTooLarge = errors.New("request exceeds maximum batch size")

	// ErrWrongTarget is returned when a system acknowledges an item that
	// was addressed to a different system.
	ErrWrongTarget = errors.New("work item belongs to a different system")
)

// ErrorCode maps an error from any service operation to its stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, hash.ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, hash.ErrInvalidHashValue),
		errors.Is(err, hash.ErrInvalidHashType),
		errors.Is(err, hash.ErrInvalidSourceSystem),
		errors.Is(err, hash.ErrInvalidSeverity),
		errors.Is(err, hash.ErrMissingSourceID),
		errors.Is(err, ErrEmptyBatch),
		errors.Is(err, ErrBatchTooLarge),
		errors.Is(err, notify.ErrInvalidWebhookURL),
		errors.Is(err, notify.ErrNoNotificationTypes),
		errors.Is(err, notify.ErrMissingSecret):
		return CodeValidation
	case errors.Is(err, hash.ErrHashNotFound),
		errors.Is(err, notify.ErrItemNotFound),
		errors.Is(err, notify.ErrSubscriptionNotFound):
		return CodeNotFound
	case errors.Is(err, ErrWrongTarget),
		errors.Is(err, notify.ErrInvalidTransition):
		return CodeConflict
	default:
		return CodeInternal
	}
}
