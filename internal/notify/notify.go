// Package notify publishes resize lifecycle events to SNS, GitHub and the
// log.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type EventType string

const (
	EventRecommendation    EventType = "recommendation"
	EventApprovalRequested EventType = "approval_requested"
	EventApproved          EventType = "approved"
	EventRejected          EventType = "rejected"
	EventResizeStarted     EventType = "resize_started"
	EventResizeSucceeded   EventType = "resize_succeeded"
	EventResizeFailed      EventType = "resize_failed"
	EventRollbackSucceeded EventType = "rollback_succeeded"
	EventRollbackFailed    EventType = "rollback_failed"
)

type Event struct {
	Type       EventType `json:"type"`
	ResizeID   string    `json:"resize_id,omitempty"`
	InstanceID string    `json:"instance_id"`
	Region     string    `json:"region"`
	From       string    `json:"from_instance_type,omitempty"`
	To         string    `json:"to_instance_type,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Subject is a one line summary suitable for an email subject.
func (e Event) Subject() string {
	title := strings.ReplaceAll(string(e.Type), "_", " ")
	return fmt.Sprintf("[ec2-resizer] %s: %s (%s)", title, e.InstanceID, e.Region)
}

// Text renders the event as a short markdown body.
func (e Event) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** `%s` in `%s`", strings.ReplaceAll(string(e.Type), "_", " "), e.InstanceID, e.Region)
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, "\n\n`%s` → `%s`", e.From, e.To)
	}
	if e.Actor != "" {
		fmt.Fprintf(&b, "\n\nby %s", e.Actor)
	}
	if e.ResizeID != "" {
		fmt.Fprintf(&b, "\n\nresize id: `%s`", e.ResizeID)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, "\n\n%s", e.Message)
	}
	return b.String()
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi delivers each event to every notifier concurrently. Errors from
// individual notifiers are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	errs := make([]error, len(m))

	var group errgroup.Group
	for i, n := range m {
		group.Go(func() error {
			errs[i] = n.Notify(ctx, event)
			return nil
		})
	}
	_ = group.Wait()

	return errors.Join(errs...)
}

// Send delivers event and logs any failure. Notification problems never
// stop a resize.
func Send(ctx context.Context, n Notifier, event Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, event); err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("event", string(event.Type)).
			Str("instance_id", event.InstanceID).
			Msg("Failed to send notification")
	}
}

// LogNotifier writes events to the context logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, event Event) error {
	zerolog.Ctx(ctx).Info().
		Str("event", string(event.Type)).
		Str("resize_id", event.ResizeID).
		Str("instance_id", event.InstanceID).
		Str("region", event.Region).
		Str("from", event.From).
		Str("to", event.To).
		Str("actor", event.Actor).
		Msg(event.Message)
	return nil
}
