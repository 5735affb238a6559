// Package site manages the Site Registry: creating, updating and retiring sites.
package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/driver"
	"github.com/splax/sitekeeper/internal/repository"
)

var (
	namePattern   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ErrRestartUnsupported is returned when restarting a site whose runtime has no supervisor entry.
var ErrRestartUnsupported = errors.New("site: restart applies to process-backed sites; redeploy instead")

// CreateInput encapsulates site creation attributes.
type CreateInput struct {
	Name              string
	GitURL            string
	Branch            string
	Kind              domain.SiteKind
	Runtime           domain.Variant
	BuildCommand      string
	StartCommand      string
	OutputDir         string
	HealthPath        string
	ContainerPort     int
	Visibility        domain.Visibility
	Env               map[string]string
	PersistentStorage bool
	Autodeploy        bool
	SleepEnabled      bool
	SleepAfterMinutes *int
}

// UpdateInput carries a partial update; nil fields are left alone.
type UpdateInput struct {
	GitURL            *string
	Branch            *string
	Runtime           *domain.Variant
	BuildCommand      *string
	StartCommand      *string
	OutputDir         *string
	HealthPath        *string
	ContainerPort     *int
	Visibility        *domain.Visibility
	Env               map[string]string
	PersistentStorage *bool
	Autodeploy        *bool
	SleepEnabled      *bool
	SleepAfterMinutes *int
}

// Store is the registry plus the ledger lookup used to refuse changes mid-deploy.
type Store interface {
	CreateSite(ctx context.Context, site *domain.Site) error
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
	GetSiteByName(ctx context.Context, name string) (*domain.Site, error)
	ListSites(ctx context.Context) ([]domain.Site, error)
	DeleteSite(ctx context.Context, id string) error
	MutateSite(ctx context.Context, id string, fn func(*domain.Site) error) (*domain.Site, error)
	GetActiveDeployment(ctx context.Context, siteID string) (*domain.Deployment, error)
}

// Router is the routing table.
type Router interface {
	Remove(siteName string)
}

// Locker hands out the per-site advisory lock.
type Locker interface {
	Lock(ctx context.Context, siteID string) (func(), error)
}

// Restarter restarts a supervised process instance.
type Restarter interface {
	RestartInstance(ctx context.Context, siteID string, port int) bool
}

// PortReleaser returns ports to the pool.
type PortReleaser interface {
	Release(port int)
}

// WorkspaceRemover deletes a site's checkouts.
type WorkspaceRemover interface {
	RemoveSite(siteID string) error
}

// Deps groups the service's collaborators.
type Deps struct {
	Store      Store
	Drivers    *driver.Set
	Router     Router
	Locks      Locker
	Procs      Restarter
	Ports      PortReleaser
	Workspaces WorkspaceRemover
}

// Service orchestrates site management.
type Service struct {
	store      Store
	drivers    *driver.Set
	router     Router
	locks      Locker
	procs      Restarter
	ports      PortReleaser
	workspaces WorkspaceRemover
	logger     *slog.Logger
	stopWait   time.Duration
	now        func() time.Time
}

// New returns a site service.
func New(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      deps.Store,
		drivers:    deps.Drivers,
		router:     deps.Router,
		locks:      deps.Locks,
		procs:      deps.Procs,
		ports:      deps.Ports,
		workspaces: deps.Workspaces,
		logger:     logger.With("component", "site"),
		stopWait:   15 * time.Second,
		now:        time.Now,
	}
}

// Create registers a new site in the stopped state.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Site, error) {
	now := s.now().UTC()
	site := &domain.Site{
		ID:                uuid.NewString(),
		Name:              strings.ToLower(strings.TrimSpace(input.Name)),
		GitURL:            strings.TrimSpace(input.GitURL),
		Branch:            strings.TrimSpace(input.Branch),
		Kind:              input.Kind,
		Preferred:         input.Runtime,
		BuildCommand:      strings.TrimSpace(input.BuildCommand),
		StartCommand:      strings.TrimSpace(input.StartCommand),
		OutputDir:         strings.TrimSpace(input.OutputDir),
		HealthPath:        strings.TrimSpace(input.HealthPath),
		ContainerPort:     input.ContainerPort,
		Visibility:        input.Visibility,
		Status:            domain.SiteStatusStopped,
		Env:               input.Env,
		PersistentStorage: input.PersistentStorage,
		Autodeploy:        input.Autodeploy,
		SleepEnabled:      input.SleepEnabled,
		SleepAfterMinutes: input.SleepAfterMinutes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	applyDefaults(site)
	if err := s.validate(site); err != nil {
		return nil, err
	}
	if err := s.store.CreateSite(ctx, site); err != nil {
		return nil, err
	}
	s.logger.Info("site created", "site_id", site.ID, "site", site.Name, "kind", site.Kind)
	return site, nil
}

// Get returns a site by id, falling back to its name.
func (s *Service) Get(ctx context.Context, idOrName string) (*domain.Site, error) {
	idOrName = strings.TrimSpace(idOrName)
	if idOrName == "" {
		return nil, repository.ErrNotFound
	}
	site, err := s.store.GetSiteByID(ctx, idOrName)
	if errors.Is(err, repository.ErrNotFound) {
		return s.store.GetSiteByName(ctx, strings.ToLower(idOrName))
	}
	return site, err
}

// List returns every site.
func (s *Service) List(ctx context.Context) ([]domain.Site, error) {
	return s.store.ListSites(ctx)
}

// Update applies a partial change. Runtime fields take effect on the next deploy.
func (s *Service) Update(ctx context.Context, id string, input UpdateInput) (*domain.Site, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.store.MutateSite(ctx, id, func(site *domain.Site) error {
		apply(site, input)
		applyDefaults(site)
		if err := s.validate(site); err != nil {
			return err
		}
		site.UpdatedAt = s.now().UTC()
		return nil
	})
}

// Delete stops the site's instance and removes it. Sites with a deployment in flight are refused.
func (s *Service) Delete(ctx context.Context, id string) error {
	site, err := s.store.GetSiteByID(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, site.ID)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.ensureIdle(ctx, site.ID); err != nil {
		return err
	}
	current, err := s.store.GetSiteByID(ctx, site.ID)
	if err != nil {
		return err
	}
	s.router.Remove(current.Name)
	if current.Runtime != nil {
		s.stopInstance(ctx, current.ID, *current.Runtime)
	}
	if err := s.store.DeleteSite(ctx, current.ID); err != nil {
		return err
	}
	if s.workspaces != nil {
		if err := s.workspaces.RemoveSite(current.ID); err != nil {
			s.logger.Warn("remove workspaces failed", "site_id", current.ID, "error", err)
		}
	}
	s.logger.Info("site deleted", "site_id", current.ID, "site", current.Name)
	return nil
}

// Stop takes the site offline until the next deploy or wake.
func (s *Service) Stop(ctx context.Context, id string) (*domain.Site, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.ensureIdle(ctx, id); err != nil {
		return nil, err
	}
	site, err := s.store.GetSiteByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ptr := site.Runtime
	updated, err := s.store.MutateSite(ctx, id, func(st *domain.Site) error {
		st.ClearRuntime(domain.SiteStatusStopped)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.router.Remove(site.Name)
	if ptr != nil {
		s.stopInstance(ctx, id, *ptr)
	}
	s.logger.Info("site stopped", "site", site.Name)
	return updated, nil
}

// Restart recycles the live supervised process of a process-backed site. Sites with a
// deployment in flight are refused.
func (s *Service) Restart(ctx context.Context, id string) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := s.ensureIdle(ctx, id); err != nil {
		return err
	}
	site, err := s.store.GetSiteByID(ctx, id)
	if err != nil {
		return err
	}
	if site.Runtime == nil || !site.Runtime.Variant.ProcessBacked() || s.procs == nil {
		return ErrRestartUnsupported
	}
	if !s.procs.RestartInstance(ctx, site.ID, site.Runtime.Port) {
		return fmt.Errorf("%w: no supervised process for %s", repository.ErrNotFound, site.Name)
	}
	s.logger.Info("site restarted", "site", site.Name, "port", site.Runtime.Port)
	return nil
}

func (s *Service) ensureIdle(ctx context.Context, siteID string) error {
	active, err := s.store.GetActiveDeployment(ctx, siteID)
	switch {
	case err == nil && active != nil:
		return fmt.Errorf("%w: deployment %s is %s", domain.ErrConcurrencyConflict, active.ID, active.Status)
	case err == nil, errors.Is(err, repository.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (s *Service) stopInstance(ctx context.Context, siteID string, ptr domain.RuntimePointer) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopWait)
	defer cancel()
	if drv, ok := s.drivers.For(ptr.Variant); ok {
		if err := drv.Stop(stopCtx, siteID, ptr); err != nil {
			s.logger.Warn("stop instance failed", "site_id", siteID, "instance", ptr.String(), "error", err)
		}
	}
	if s.ports != nil {
		s.ports.Release(ptr.Port)
	}
}

func apply(site *domain.Site, in UpdateInput) {
	setString(&site.GitURL, in.GitURL)
	setString(&site.Branch, in.Branch)
	setString(&site.BuildCommand, in.BuildCommand)
	setString(&site.StartCommand, in.StartCommand)
	setString(&site.OutputDir, in.OutputDir)
	setString(&site.HealthPath, in.HealthPath)
	if in.Runtime != nil {
		site.Preferred = *in.Runtime
	}
	if in.ContainerPort != nil {
		site.ContainerPort = *in.ContainerPort
	}
	if in.Visibility != nil {
		site.Visibility = *in.Visibility
	}
	if in.Env != nil {
		site.Env = in.Env
	}
	if in.PersistentStorage != nil {
		site.PersistentStorage = *in.PersistentStorage
	}
	if in.Autodeploy != nil {
		site.Autodeploy = *in.Autodeploy
	}
	if in.SleepEnabled != nil {
		site.SleepEnabled = *in.SleepEnabled
	}
	if in.SleepAfterMinutes != nil {
		v := *in.SleepAfterMinutes
		if v < 0 {
			site.SleepAfterMinutes = nil
		} else {
			site.SleepAfterMinutes = &v
		}
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func applyDefaults(site *domain.Site) {
	if site.Kind == "" {
		site.Kind = domain.SiteKindAuto
	}
	if site.Visibility == "" {
		site.Visibility = domain.VisibilityPublic
	}
	if site.Branch == "" && site.GitURL != "" {
		site.Branch = "main"
	}
	if site.HealthPath != "" && !strings.HasPrefix(site.HealthPath, "/") {
		site.HealthPath = "/" + site.HealthPath
	}
}

func (s *Service) validate(site *domain.Site) error {
	bad := func(field, reason string) error {
		return &domain.ConfigurationError{SiteID: site.ID, Field: field, Reason: reason}
	}
	if !namePattern.MatchString(site.Name) {
		return bad("name", "must be a lowercase DNS label")
	}
	if site.Visibility != domain.VisibilityPublic && site.Visibility != domain.VisibilityPrivate {
		return bad("visibility", fmt.Sprintf("unknown visibility %q", site.Visibility))
	}
	if site.ContainerPort < 0 || site.ContainerPort > 65535 {
		return bad("container_port", "out of range")
	}
	if site.SleepAfterMinutes != nil && *site.SleepAfterMinutes < 0 {
		return bad("sleep_after_minutes", "must not be negative")
	}
	for key := range site.Env {
		if !envKeyPattern.MatchString(key) {
			return bad("env", fmt.Sprintf("invalid variable name %q", key))
		}
		if key == "PORT" {
			return bad("env", "PORT is assigned by the orchestrator")
		}
	}
	return s.drivers.Validate(*site)
}
