package domain

import (
	"errors"
	"fmt"
)

// ErrConcurrencyConflict is returned when an operation races an in-flight deployment for the same site.
// Callers may retry later.
var ErrConcurrencyConflict = errors.New("deployment in progress")

// ConfigurationError reports a site record that cannot be deployed as configured.
type ConfigurationError struct {
	SiteID string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("site %s misconfigured: %s", e.SiteID, e.Reason)
	}
	return fmt.Sprintf("site %s misconfigured: %s: %s", e.SiteID, e.Field, e.Reason)
}

// StageFailure wraps the error that ended a deployment at a given stage.
type StageFailure struct {
	Stage DeploymentStatus
	Err   error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// CutoverFailure reports a routing switch that failed after the new instance passed its health gate.
type CutoverFailure struct {
	Old       *RuntimePointer
	New       *RuntimePointer
	Err       error
	RevertErr error
}

func (e *CutoverFailure) Error() string {
	if e.RevertErr != nil {
		return fmt.Sprintf("cutover failed: %v; revert failed: %v (old=%s new=%s)", e.Err, e.RevertErr, describePointer(e.Old), describePointer(e.New))
	}
	return fmt.Sprintf("cutover failed and was reverted: %v", e.Err)
}

func (e *CutoverFailure) Unwrap() error { return e.Err }

// Reverted reports whether the registry pointer was restored.
func (e *CutoverFailure) Reverted() bool { return e.RevertErr == nil }

// CrashLoopError marks a supervised process that kept failing after backoff reached its cap.
type CrashLoopError struct {
	SiteID   string
	Port     int
	Restarts int
	Err      error
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("site %s port %d crash loop after %d restarts: %v", e.SiteID, e.Port, e.Restarts, e.Err)
}

func (e *CrashLoopError) Unwrap() error { return e.Err }

func describePointer(p *RuntimePointer) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprintf("%s/%s:%d", p.Variant, p.InstanceID, p.Port)
}

// String renders the pointer for logs.
func (p *RuntimePointer) String() string {
	return describePointer(p)
}
