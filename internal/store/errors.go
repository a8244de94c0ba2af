package store

import "errors"

var (
	// ErrLockNotFound is returned when no lock record exists for a user
	ErrLockNotFound = errors.New("lock not found")

	// ErrInvalidInput is returned when input parameters are invalid
	ErrInvalidInput = errors.New("invalid input parameters")

	// ErrStoreOperation is returned when a store operation fails
	ErrStoreOperation = errors.New("store operation failed")
)
