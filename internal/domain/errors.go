package domain

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")

	// ErrSubscriptionGone is returned when a write references a subscription
	// that was deleted concurrently (foreign key violation).
	ErrSubscriptionGone = errors.New("subscription no longer exists")
)
