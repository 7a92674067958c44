package model

import "time"

// AttemptRecord is the throttle state of one origin. It lives in the state
// store only, never in the database.
type AttemptRecord struct {
	Failures     int        `json:"failures"`
	FirstAttempt time.Time  `json:"first_attempt"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
}
