// Package driver builds site sources and runs the resulting instances. One Driver exists per
// runtime variant; Set picks the variant for a site once per deployment.
package driver

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/splax/sitekeeper/internal/domain"
)

// LogFunc receives build output one line at a time.
type LogFunc func(level, line string)

// BuildRequest carries everything a driver needs to turn a checkout into an artifact.
type BuildRequest struct {
	Site         domain.Site
	DeploymentID string
	Workdir      string
	Log          LogFunc
}

// StartRequest launches one instance of an artifact on a pre-allocated port.
type StartRequest struct {
	Site     domain.Site
	Artifact domain.Artifact
	Port     int
}

// Driver is implemented once per runtime variant.
type Driver interface {
	Variant() domain.Variant
	Build(ctx context.Context, req BuildRequest) (domain.Artifact, error)
	Start(ctx context.Context, req StartRequest) (domain.RuntimePointer, error)
	Stop(ctx context.Context, siteID string, ptr domain.RuntimePointer) error
	Alive(ctx context.Context, siteID string, ptr domain.RuntimePointer) (bool, error)
}

// Set dispatches to the driver registered for each variant.
type Set struct {
	drivers map[domain.Variant]Driver
}

// NewSet registers drivers by their variant. Later registrations replace earlier ones.
func NewSet(drivers ...Driver) *Set {
	s := &Set{drivers: make(map[domain.Variant]Driver, len(drivers))}
	for _, d := range drivers {
		if d != nil {
			s.drivers[d.Variant()] = d
		}
	}
	return s
}

// For returns the driver for variant.
func (s *Set) For(variant domain.Variant) (Driver, bool) {
	d, ok := s.drivers[variant]
	return d, ok
}

// Validate rejects site records that can never be deployed, before any work is done.
func (s *Set) Validate(site domain.Site) error {
	switch site.Kind {
	case domain.SiteKindPassthrough:
		if strings.TrimSpace(site.StartCommand) == "" {
			return &domain.ConfigurationError{SiteID: site.ID, Field: "start_command", Reason: "passthrough sites need a start command"}
		}
		if _, ok := s.drivers[domain.VariantPassthrough]; !ok {
			return &domain.ConfigurationError{SiteID: site.ID, Field: "kind", Reason: "passthrough runtime is not available"}
		}
		return nil
	case domain.SiteKindAuto, "":
	default:
		return &domain.ConfigurationError{SiteID: site.ID, Field: "kind", Reason: fmt.Sprintf("unknown kind %q", site.Kind)}
	}
	if site.GitURL == "" {
		return &domain.ConfigurationError{SiteID: site.ID, Field: "git_url", Reason: "required for auto sites"}
	}
	if site.Preferred == "" {
		return nil
	}
	if !site.Preferred.Valid() {
		return &domain.ConfigurationError{SiteID: site.ID, Field: "runtime", Reason: fmt.Sprintf("unknown runtime %q", site.Preferred)}
	}
	if site.Preferred == domain.VariantPassthrough {
		return &domain.ConfigurationError{SiteID: site.ID, Field: "runtime", Reason: "passthrough-process requires kind passthrough"}
	}
	if _, ok := s.drivers[site.Preferred]; !ok {
		return &domain.ConfigurationError{SiteID: site.ID, Field: "runtime", Reason: fmt.Sprintf("runtime %s is not available on this host", site.Preferred)}
	}
	return nil
}

// Resolve picks the driver for a checked-out site.
func (s *Set) Resolve(site domain.Site, workdir string) (Driver, error) {
	if err := s.Validate(site); err != nil {
		return nil, err
	}
	variant := site.Preferred
	switch {
	case site.Kind == domain.SiteKindPassthrough:
		variant = domain.VariantPassthrough
	case variant == "":
		detected, err := Detect(site, workdir)
		if err != nil {
			return nil, err
		}
		variant = detected
	}
	d, ok := s.drivers[variant]
	if !ok {
		return nil, &domain.ConfigurationError{SiteID: site.ID, Field: "runtime", Reason: fmt.Sprintf("detected %s but that runtime is not available on this host", variant)}
	}
	return d, nil
}

// siteEnv renders the site's variables as KEY=VALUE pairs in a stable order.
func siteEnv(site domain.Site) []string {
	keys := make([]string, 0, len(site.Env))
	for k := range site.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+site.Env[k])
	}
	return env
}

// buildEnv is the environment for host-side build commands.
func buildEnv(site domain.Site) []string {
	env := os.Environ()
	env = append(env, "CI=true")
	return append(env, siteEnv(site)...)
}

func (l LogFunc) info(format string, args ...any) {
	if l != nil {
		l("info", fmt.Sprintf(format, args...))
	}
}

func (l LogFunc) stream() func(stream, line string) {
	return func(stream, line string) {
		if l == nil {
			return
		}
		level := "info"
		if stream == "stderr" {
			level = "warn"
		}
		l(level, line)
	}
}
