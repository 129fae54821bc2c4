package types

import "errors"

// Error taxonomy of the ranking engine. None of these are fatal to the
// process; callers skip and continue or fall back to the last snapshot.
// Windows too short for a metric are not an error: the calculator yields
// that metric's default value.
var (
	// ErrMalformedRecord is returned for outcome records that fail validation.
	// The record is dropped and ingestion continues.
	ErrMalformedRecord = errors.New("malformed outcome record")

	// ErrRecomputeFailure wraps a metrics failure for a single provider.
	// That provider is omitted from the new snapshot.
	ErrRecomputeFailure = errors.New("recompute failed for provider")

	// ErrProviderNotFound is returned for operations on unregistered providers
	ErrProviderNotFound = errors.New("provider not found")

	// ErrInvalidProviderID is returned for empty or oversized provider ids
	ErrInvalidProviderID = errors.New("invalid provider id")

	// ErrInvalidStatus is returned for unknown provider statuses
	ErrInvalidStatus = errors.New("invalid provider status")

	// ErrHubClosed is returned when subscribing to a closed broadcast hub
	ErrHubClosed = errors.New("broadcast hub closed")
)
