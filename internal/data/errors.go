package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Publish job repository sentinels.
	ErrJobNotFound = errors.New("publish job not found")
	// ErrDuplicateFire marks an insert that collided with an existing job for
	// the same (schedule, planned_at) fire. Callers treat it as success.
	ErrDuplicateFire = errors.New("publish job already exists for this fire")
)
