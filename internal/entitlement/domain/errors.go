package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidEntity       = errors.New("invalid_entity")

	// ErrFeatureNotFound means no grant anywhere matches the requested
	// feature or event name.
	ErrFeatureNotFound = errors.New("feature_not_found")

	// ErrInsufficientBalance is returned for reject-policy deductions that
	// exceed the available strict balance. No grant is mutated.
	ErrInsufficientBalance = errors.New("insufficient_balance")

	// ErrStaleWrite means an atomic apply lost against a newer cache write;
	// the caller reloads and retries once before degrading to the ledger.
	ErrStaleWrite = errors.New("stale_write")

	// ErrNotCached means the aggregate is not resident in the cache.
	ErrNotCached = errors.New("aggregate_not_cached")

	// ErrGuarded means the customer's cache entry is protected by a delete
	// guard; writes are rejected until the guard expires.
	ErrGuarded = errors.New("aggregate_guarded")
)
