package domain

import "time"

// SiteKind distinguishes orchestrator-built sites from externally managed processes.
type SiteKind string

const (
	SiteKindAuto        SiteKind = "auto"
	SiteKindPassthrough SiteKind = "passthrough"
)

// Visibility controls whether the routing proxy exposes a site beyond loopback.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// SiteStatus is the registry-level lifecycle state of a site.
type SiteStatus string

const (
	SiteStatusRunning  SiteStatus = "running"
	SiteStatusStopped  SiteStatus = "stopped"
	SiteStatusBuilding SiteStatus = "building"
	SiteStatusError    SiteStatus = "error"
	SiteStatusSleeping SiteStatus = "sleeping"
)

// Valid reports whether the status is one of the known values.
func (s SiteStatus) Valid() bool {
	switch s {
	case SiteStatusRunning, SiteStatusStopped, SiteStatusBuilding, SiteStatusError, SiteStatusSleeping:
		return true
	}
	return false
}

// Variant identifies which Build/Runtime Driver implementation owns an instance.
type Variant string

const (
	VariantStatic      Variant = "static-build"
	VariantContainer   Variant = "container"
	VariantProcess     Variant = "managed-process"
	VariantPassthrough Variant = "passthrough-process"
)

// Valid reports whether v names a known driver variant.
func (v Variant) Valid() bool {
	switch v {
	case VariantStatic, VariantContainer, VariantProcess, VariantPassthrough:
		return true
	}
	return false
}

// ProcessBacked reports whether instances of the variant are OS processes owned by the supervisor.
func (v Variant) ProcessBacked() bool {
	return v == VariantProcess || v == VariantPassthrough
}

// RuntimePointer references one live instance of a site.
type RuntimePointer struct {
	Variant    Variant
	InstanceID string
	Port       int
}

// Equal compares two possibly nil pointers.
func (p *RuntimePointer) Equal(other *RuntimePointer) bool {
	if p == nil || other == nil {
		return p == nil && other == nil
	}
	return p.Variant == other.Variant && p.InstanceID == other.InstanceID && p.Port == other.Port
}

// Site is the desired configuration and last known runtime state of a deployable unit.
type Site struct {
	ID                string
	Name              string
	GitURL            string
	Branch            string
	Kind              SiteKind
	Preferred         Variant
	BuildCommand      string
	StartCommand      string
	OutputDir         string
	HealthPath        string
	ContainerPort     int
	Visibility        Visibility
	Status            SiteStatus
	Runtime           *RuntimePointer
	Env               map[string]string
	PersistentStorage bool
	Autodeploy        bool
	SleepEnabled      bool
	SleepAfterMinutes *int
	LastRequestAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastDeployedAt    *time.Time
}

// SetRuntime points the site at a live instance and marks it running.
func (s *Site) SetRuntime(ptr RuntimePointer) {
	p := ptr
	s.Runtime = &p
	s.Status = SiteStatusRunning
}

// ClearRuntime drops the runtime pointer and moves the site to a non-running status.
func (s *Site) ClearRuntime(status SiteStatus) {
	s.Runtime = nil
	s.Status = status
}

// IdleSince returns the reference time used by the idle-sleep sweep.
func (s Site) IdleSince() time.Time {
	switch {
	case s.LastRequestAt != nil:
		return *s.LastRequestAt
	case s.LastDeployedAt != nil:
		return *s.LastDeployedAt
	default:
		return s.CreatedAt
	}
}

// SleepAfter resolves the idle threshold, falling back to the server default.
func (s Site) SleepAfter(fallback time.Duration) time.Duration {
	if s.SleepAfterMinutes == nil {
		return fallback
	}
	return time.Duration(*s.SleepAfterMinutes) * time.Minute
}

// EffectiveHealthPath returns the readiness path probed for the site.
func (s Site) EffectiveHealthPath() string {
	if s.HealthPath == "" {
		return "/"
	}
	return s.HealthPath
}
