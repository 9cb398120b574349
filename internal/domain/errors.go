package domain

import "errors"

var (
	// ErrDuplicate is returned when a store already holds the message id.
	ErrDuplicate = errors.New("message already stored")
	// ErrCollectionNotFound is returned for operations on an unknown vector collection.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrUnavailable is returned when a backing service cannot be reached.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)
