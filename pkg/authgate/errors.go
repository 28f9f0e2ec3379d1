package authgate

import "errors"

var (
	// ErrInvalidPolicy is returned for malformed rate-limit policies
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrInvalidWindowUnit is returned for unknown window units
	ErrInvalidWindowUnit = errors.New("invalid window unit")

	// ErrInvalidWeight is returned for negative request weights
	ErrInvalidWeight = errors.New("invalid request weight")

	// ErrStorageUnavailable is returned when the backing store is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
