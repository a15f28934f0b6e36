package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("resource already exists")
	ErrBadRequest = errors.New("bad request")

	// ErrInvalidConfig marks startup-time configuration failures. Anything
	// wrapping it aborts process start; it never surfaces per request.
	ErrInvalidConfig = errors.New("invalid policy configuration")
)
