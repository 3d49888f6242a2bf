// Package notify pushes sync failure notices to chat webhooks.
package notify

import (
	"context"
	"errors"
	"time"
)

// maxReasonLen caps the failure reason in a message; build phase dumps can
// be long.
const maxReasonLen = 900

// Event describes one reported sync outcome.
type Event struct {
	Scope    string // "bot owner/id" or "shared run <id>"
	Status   string
	Reason   string
	BuildRef string
	Time     time.Time
}

// Notifier delivers events somewhere humans will see them.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func title(ev Event) string {
	return "kbsync: " + ev.Scope + " " + ev.Status
}
