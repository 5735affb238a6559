// Package events publishes orchestrator lifecycle events to external listeners.
package events

import (
	"context"
	"errors"
	"time"
)

const (
	TypeProcessCrashed   = "process.crashed"
	TypeProcessRestarted = "process.restarted"
	TypeProcessCrashLoop = "process.crash_loop"
	TypeSiteSleeping     = "site.sleeping"
	TypeSiteWoken        = "site.woken"
	TypeSiteFailed       = "site.failed"
)

// DeploymentType returns the event type for a deployment status change.
func DeploymentType(status string) string {
	return "deployment." + status
}

// Event is a lifecycle notification.
type Event struct {
	Type         string            `json:"type"`
	SiteID       string            `json:"site_id"`
	SiteName     string            `json:"site_name,omitempty"`
	DeploymentID string            `json:"deployment_id,omitempty"`
	Status       string            `json:"status,omitempty"`
	Message      string            `json:"message,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every child and joins their errors.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}
