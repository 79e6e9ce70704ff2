// Package utils provides utility functions for the application.
package utils

import (
	"time"
)

// UTCNow returns the current time in UTC
func UTCNow() time.Time {
	return time.Now().UTC()
}

// IsDue reports whether an optional schedule time has been reached at now.
// A nil schedule is always due.
func IsDue(scheduledAt *time.Time, now time.Time) bool {
	return scheduledAt == nil || !scheduledAt.After(now)
}

// TimeToUTCPtr converts a time pointer to UTC if it's not already
func TimeToUTCPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
