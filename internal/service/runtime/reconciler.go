// Package runtime keeps the registry and the live instances in agreement across
// orchestrator restarts and while it runs.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/driver"
	"github.com/splax/sitekeeper/internal/events"
	"github.com/splax/sitekeeper/internal/health"
	"github.com/splax/sitekeeper/internal/repository"
)

const (
	defaultInterval    = 30 * time.Second
	reconcileTimeout   = 15 * time.Second
	interruptedMessage = "interrupted by orchestrator restart"
)

// SiteStore is the registry surface the reconciler needs.
type SiteStore interface {
	ListSites(ctx context.Context) ([]domain.Site, error)
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
	MutateSite(ctx context.Context, id string, fn func(*domain.Site) error) (*domain.Site, error)
}

// Ledger is the deployment ledger surface the reconciler needs.
type Ledger interface {
	ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error)
	GetLatestCompletedDeployment(ctx context.Context, siteID string) (*domain.Deployment, error)
	TransitionDeployment(ctx context.Context, id string, next domain.DeploymentStatus, fn func(*domain.Deployment)) (*domain.Deployment, error)
}

// LogPruner drops old log lines.
type LogPruner interface {
	PruneLogsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Router is the routing table.
type Router interface {
	SwitchRoute(siteName string, port int) error
	Remove(siteName string)
}

// Locker hands out the per-site advisory lock.
type Locker interface {
	Lock(ctx context.Context, siteID string) (func(), error)
}

// HealthGate waits for a relaunched instance.
type HealthGate interface {
	WaitHealthy(ctx context.Context, port int, policy health.Policy) error
}

// PortPool allocates ports and adopts ones already in use.
type PortPool interface {
	Allocate() (int, error)
	Reserve(port int)
	Release(port int)
}

// Config tunes the reconciler.
type Config struct {
	Interval      time.Duration
	LogRetention  time.Duration
	HealthTimeout time.Duration
	StopTimeout   time.Duration
}

// Deps groups the reconciler's collaborators.
type Deps struct {
	Sites   SiteStore
	Ledger  Ledger
	Logs    LogPruner
	Drivers *driver.Set
	Health  HealthGate
	Router  Router
	Locks   Locker
	Ports   PortPool
}

// Reconciler repairs drift between the registry and reality.
type Reconciler struct {
	sites   SiteStore
	ledger  Ledger
	logs    LogPruner
	drivers *driver.Set
	health  HealthGate
	router  Router
	locks   Locker
	ports   PortPool
	events  events.Publisher
	logger  *slog.Logger

	interval      time.Duration
	logRetention  time.Duration
	healthTimeout time.Duration
	stopTimeout   time.Duration

	now func() time.Time
}

// New constructs a Reconciler.
func New(cfg Config, deps Deps, publisher events.Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		sites:         deps.Sites,
		ledger:        deps.Ledger,
		logs:          deps.Logs,
		drivers:       deps.Drivers,
		health:        deps.Health,
		router:        deps.Router,
		locks:         deps.Locks,
		ports:         deps.Ports,
		events:        events.OrNop(publisher),
		logger:        logger.With("component", "runtime"),
		interval:      cfg.Interval,
		logRetention:  cfg.LogRetention,
		healthTimeout: cfg.HealthTimeout,
		stopTimeout:   cfg.StopTimeout,
		now:           time.Now,
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.healthTimeout <= 0 {
		r.healthTimeout = time.Minute
	}
	if r.stopTimeout <= 0 {
		r.stopTimeout = 10 * time.Second
	}
	return r
}

// Reconcile runs once at startup before traffic is served.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if err := r.failInterrupted(ctx); err != nil {
		return err
	}
	sites, err := r.sites.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	// reserve every live port first so relaunches cannot collide with adopted instances
	for _, site := range sites {
		if site.Runtime != nil {
			r.ports.Reserve(site.Runtime.Port)
		}
	}
	for _, site := range sites {
		if err := r.reconcileSite(ctx, site); err != nil {
			r.logger.Error("reconcile site failed", "site", site.Name, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// failInterrupted closes deployments left mid-flight by the previous run.
func (r *Reconciler) failInterrupted(ctx context.Context) error {
	active, err := r.ledger.ListActiveDeployments(ctx)
	if err != nil {
		return fmt.Errorf("list active deployments: %w", err)
	}
	for _, dep := range active {
		if err := r.failDeployment(ctx, dep); err != nil {
			r.logger.Error("close interrupted deployment failed", "deployment_id", dep.ID, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) failDeployment(ctx context.Context, dep domain.Deployment) error {
	unlock, err := r.locks.Lock(ctx, dep.SiteID)
	if err != nil {
		return err
	}
	defer unlock()

	site, err := r.sites.GetSiteByID(ctx, dep.SiteID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if dep.NewRuntime != nil && (site == nil || !dep.NewRuntime.Equal(site.Runtime)) {
		r.stop(ctx, dep.SiteID, *dep.NewRuntime)
	}
	if _, err := r.ledger.TransitionDeployment(ctx, dep.ID, domain.DeploymentFailed, func(d *domain.Deployment) {
		d.ErrorMessage = interruptedMessage
	}); err != nil {
		return err
	}
	r.logger.Warn("deployment interrupted by restart", "deployment_id", dep.ID, "site_id", dep.SiteID, "status", dep.Status)
	return nil
}

func (r *Reconciler) reconcileSite(ctx context.Context, site domain.Site) error {
	switch {
	case site.Status == domain.SiteStatusBuilding:
		return r.markError(ctx, site, nil, "build interrupted by orchestrator restart")
	case site.Status == domain.SiteStatusRunning && site.Runtime != nil:
	default:
		return nil
	}

	ptr := *site.Runtime
	if r.alive(ctx, site.ID, ptr) {
		if err := r.router.SwitchRoute(site.Name, ptr.Port); err != nil {
			return fmt.Errorf("restore route: %w", err)
		}
		r.logger.Info("adopted live instance", "site", site.Name, "instance", ptr.String())
		return nil
	}
	r.ports.Release(ptr.Port)
	return r.relaunch(ctx, site)
}

// relaunch starts the latest completed artifact on a fresh port.
func (r *Reconciler) relaunch(ctx context.Context, site domain.Site) error {
	latest, err := r.ledger.GetLatestCompletedDeployment(ctx, site.ID)
	if err != nil || latest.Artifact.Empty() {
		return r.markError(ctx, site, site.Runtime, "no completed deployment to relaunch")
	}
	drv, ok := r.drivers.For(latest.Artifact.Variant)
	if !ok {
		return r.markError(ctx, site, site.Runtime, fmt.Sprintf("runtime %s unavailable", latest.Artifact.Variant))
	}
	port, err := r.ports.Allocate()
	if err != nil {
		return r.markError(ctx, site, site.Runtime, "allocate port: "+err.Error())
	}
	ptr, err := drv.Start(ctx, driver.StartRequest{Site: site, Artifact: latest.Artifact, Port: port})
	if err != nil {
		r.ports.Release(port)
		return r.markError(ctx, site, site.Runtime, "relaunch: "+err.Error())
	}
	healthCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	err = r.health.WaitHealthy(healthCtx, port, health.Policy{Path: site.EffectiveHealthPath(), Deadline: r.healthTimeout})
	cancel()
	if err != nil {
		r.stop(ctx, site.ID, ptr)
		return r.markError(ctx, site, site.Runtime, "relaunch health gate: "+err.Error())
	}

	unlock, err := r.locks.Lock(ctx, site.ID)
	if err != nil {
		r.stop(ctx, site.ID, ptr)
		return err
	}
	defer unlock()
	updated, err := r.sites.MutateSite(ctx, site.ID, func(s *domain.Site) error {
		if !s.Runtime.Equal(site.Runtime) {
			return fmt.Errorf("%w: runtime changed during relaunch", domain.ErrConcurrencyConflict)
		}
		s.SetRuntime(ptr)
		return nil
	})
	if err != nil {
		r.stop(ctx, site.ID, ptr)
		return err
	}
	if err := r.router.SwitchRoute(updated.Name, ptr.Port); err != nil {
		return fmt.Errorf("route relaunched instance: %w", err)
	}
	r.logger.Info("relaunched instance", "site", site.Name, "instance", ptr.String(), "deployment_id", latest.ID)
	return nil
}

// markError clears the pointer if it still equals expect and flags the site.
func (r *Reconciler) markError(ctx context.Context, site domain.Site, expect *domain.RuntimePointer, reason string) error {
	unlock, err := r.locks.Lock(ctx, site.ID)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = r.sites.MutateSite(ctx, site.ID, func(s *domain.Site) error {
		if !s.Runtime.Equal(expect) {
			return errSkip
		}
		if expect == nil && s.Status != domain.SiteStatusBuilding {
			return errSkip
		}
		s.ClearRuntime(domain.SiteStatusError)
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	r.router.Remove(site.Name)
	r.publish(site, reason)
	r.logger.Warn("site marked error", "site", site.Name, "reason", reason)
	return nil
}

var errSkip = errors.New("runtime: state changed")

func (r *Reconciler) alive(ctx context.Context, siteID string, ptr domain.RuntimePointer) bool {
	drv, ok := r.drivers.For(ptr.Variant)
	if !ok {
		return false
	}
	alive, err := drv.Alive(ctx, siteID, ptr)
	if err != nil {
		r.logger.Warn("liveness check failed", "site_id", siteID, "instance", ptr.String(), "error", err)
		return false
	}
	return alive
}

func (r *Reconciler) stop(ctx context.Context, siteID string, ptr domain.RuntimePointer) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
	defer cancel()
	if drv, ok := r.drivers.For(ptr.Variant); ok {
		if err := drv.Stop(stopCtx, siteID, ptr); err != nil {
			r.logger.Warn("stop instance failed", "site_id", siteID, "instance", ptr.String(), "error", err)
		}
	}
	r.ports.Release(ptr.Port)
}

func (r *Reconciler) publish(site domain.Site, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.events.Publish(ctx, events.Event{
		Type:       events.TypeSiteFailed,
		SiteID:     site.ID,
		SiteName:   site.Name,
		Status:     string(domain.SiteStatusError),
		Message:    msg,
		OccurredAt: r.now().UTC(),
	}); err != nil {
		r.logger.Debug("publish event failed", "error", err)
	}
}
