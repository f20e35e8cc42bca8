// Package notify schedules daily reminder triggers and delivers push
// notifications to device tokens.
package notify

import (
	"context"
)

// Dispatcher is the notification platform the reminder controller drives
type Dispatcher interface {
	// RequestPermission reports whether notifications may be scheduled
	RequestPermission(ctx context.Context) (bool, error)
	// ScheduleDaily registers a trigger repeating every day at hour:minute
	// and returns its opaque id
	ScheduleDaily(ctx context.Context, title, body string, hour, minute int) (string, error)
	// Cancel removes a trigger. Cancelling an unknown id is not an error.
	Cancel(ctx context.Context, id string) error
}

// Lister is implemented by dispatchers that can enumerate their live triggers
type Lister interface {
	ScheduledIDs(ctx context.Context) ([]string, error)
}
