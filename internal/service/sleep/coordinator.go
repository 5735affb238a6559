// Package sleep stops idle sites and brings them back on the first request.
package sleep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/driver"
	"github.com/splax/sitekeeper/internal/events"
	"github.com/splax/sitekeeper/internal/health"
	"github.com/splax/sitekeeper/internal/metrics"
	"github.com/splax/sitekeeper/internal/repository"
)

var (
	// ErrWakeTimeout is returned to a caller whose wait exceeded the wake deadline. The shared
	// attempt keeps running for other callers.
	ErrWakeTimeout = errors.New("sleep: wake timed out")
	// ErrNotSleeping is returned when waking a site that is neither sleeping nor running.
	ErrNotSleeping = errors.New("sleep: site is not sleeping")
	// ErrNothingToWake means the site has no completed deployment to relaunch.
	ErrNothingToWake = errors.New("sleep: no completed deployment to wake from")
	// ErrNotRunning is returned when sleeping a site that has no live instance.
	ErrNotRunning = errors.New("sleep: site is not running")

	errNotIdle = errors.New("sleep: site not idle")
)

// SiteStore is the registry surface the coordinator needs.
type SiteStore interface {
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
	ListSites(ctx context.Context) ([]domain.Site, error)
	MutateSite(ctx context.Context, id string, fn func(*domain.Site) error) (*domain.Site, error)
}

// Ledger answers whether a deployment is in flight and what last succeeded.
type Ledger interface {
	GetActiveDeployment(ctx context.Context, siteID string) (*domain.Deployment, error)
	GetLatestCompletedDeployment(ctx context.Context, siteID string) (*domain.Deployment, error)
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

// HealthGate waits for a woken instance to become ready.
type HealthGate interface {
	WaitHealthy(ctx context.Context, port int, policy health.Policy) error
}

// PortPool allocates instance ports.
type PortPool interface {
	Allocate() (int, error)
	Release(port int)
}

// Config tunes the sweep and wake paths.
type Config struct {
	SweepInterval          time.Duration
	DefaultSleepAfter      time.Duration
	WakeTimeout            time.Duration
	HealthInterval         time.Duration
	HealthSuccessThreshold int
	StopTimeout            time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.DefaultSleepAfter <= 0 {
		c.DefaultSleepAfter = 30 * time.Minute
	}
	if c.WakeTimeout <= 0 {
		c.WakeTimeout = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 250 * time.Millisecond
	}
	if c.HealthSuccessThreshold <= 0 {
		c.HealthSuccessThreshold = 1
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// Deps groups the coordinator's collaborators.
type Deps struct {
	Sites   SiteStore
	Ledger  Ledger
	Drivers *driver.Set
	Health  HealthGate
	Router  Router
	Locks   Locker
	Ports   PortPool
}

// Coordinator owns the sleep sweep and coalesced wake.
type Coordinator struct {
	cfg     Config
	sites   SiteStore
	ledger  Ledger
	drivers *driver.Set
	health  HealthGate
	router  Router
	locks   Locker
	ports   PortPool
	events  events.Publisher
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithEvents publishes site.sleeping and site.woken events.
func WithEvents(p events.Publisher) Option { return func(c *Coordinator) { c.events = events.OrNop(p) } }

// WithMetrics records transitions and wake latency.
func WithMetrics(m *metrics.Recorder) Option { return func(c *Coordinator) { c.metrics = m } }

// New constructs a Coordinator.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:     cfg.withDefaults(),
		sites:   deps.Sites,
		ledger:  deps.Ledger,
		drivers: deps.Drivers,
		health:  deps.Health,
		router:  deps.Router,
		locks:   deps.Locks,
		ports:   deps.Ports,
		events:  events.Nop{},
		logger:  logger.With("component", "sleep"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve runs the sweep until ctx is cancelled.
func (c *Coordinator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("sleep sweep failed", "error", err)
			}
		}
	}
}

// Sweep puts every idle site to sleep and returns how many it stopped. Sites with a
// deployment in flight are skipped until the next sweep.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	sites, err := c.sites.ListSites(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sites: %w", err)
	}
	slept := 0
	for _, site := range sites {
		if !c.idle(site) {
			continue
		}
		err := c.sleep(ctx, site.ID, true)
		switch {
		case err == nil:
			slept++
		case errors.Is(err, domain.ErrConcurrencyConflict):
			c.logger.Debug("sleep deferred; deployment in flight", "site", site.Name)
		case errors.Is(err, errNotIdle):
		default:
			c.logger.Warn("sleep site failed", "site", site.Name, "error", err)
		}
		if ctx.Err() != nil {
			return slept, ctx.Err()
		}
	}
	return slept, nil
}

func (c *Coordinator) idle(site domain.Site) bool {
	if !site.SleepEnabled || site.Status != domain.SiteStatusRunning || site.Runtime == nil {
		return false
	}
	return c.now().Sub(site.IdleSince()) >= site.SleepAfter(c.cfg.DefaultSleepAfter)
}

// Sleep stops a running site on operator request, regardless of its idle settings.
func (c *Coordinator) Sleep(ctx context.Context, siteID string) error {
	return c.sleep(ctx, siteID, false)
}

func (c *Coordinator) sleep(ctx context.Context, siteID string, sweep bool) error {
	unlock, err := c.locks.Lock(ctx, siteID)
	if err != nil {
		return err
	}
	defer unlock()

	site, err := c.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return err
	}
	if sweep && !c.idle(*site) {
		return errNotIdle
	}
	if site.Status != domain.SiteStatusRunning || site.Runtime == nil {
		return fmt.Errorf("%w: site %s is %s", ErrNotRunning, site.Name, site.Status)
	}
	if err := c.checkNoDeployment(ctx, site); err != nil {
		c.metrics.SleepTransition("sleep", "conflict")
		return err
	}

	ptr := *site.Runtime
	if _, err := c.sites.MutateSite(ctx, siteID, func(s *domain.Site) error {
		s.ClearRuntime(domain.SiteStatusSleeping)
		return nil
	}); err != nil {
		return fmt.Errorf("mark sleeping: %w", err)
	}
	c.router.Remove(site.Name)
	c.stop(ctx, siteID, ptr)

	c.metrics.SleepTransition("sleep", "ok")
	c.publish(*site, events.TypeSiteSleeping, "idle since "+site.IdleSince().UTC().Format(time.RFC3339))
	c.logger.Info("site sleeping", "site", site.Name, "instance", ptr.String())
	return nil
}

func (c *Coordinator) checkNoDeployment(ctx context.Context, site *domain.Site) error {
	active, err := c.ledger.GetActiveDeployment(ctx, site.ID)
	switch {
	case err == nil && active != nil:
		return fmt.Errorf("%w: deployment %s is %s", domain.ErrConcurrencyConflict, active.ID, active.Status)
	case err == nil, errors.Is(err, repository.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("check active deployment: %w", err)
	}
}

func (c *Coordinator) stop(ctx context.Context, siteID string, ptr domain.RuntimePointer) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StopTimeout)
	defer cancel()
	if drv, ok := c.drivers.For(ptr.Variant); ok {
		if err := drv.Stop(stopCtx, siteID, ptr); err != nil {
			c.logger.Warn("stop instance failed", "site_id", siteID, "instance", ptr.String(), "error", err)
		}
	}
	c.ports.Release(ptr.Port)
}

func (c *Coordinator) publish(site domain.Site, typ, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.Publish(ctx, events.Event{
		Type:       typ,
		SiteID:     site.ID,
		SiteName:   site.Name,
		Status:     string(site.Status),
		Message:    msg,
		OccurredAt: c.now().UTC(),
	}); err != nil {
		c.logger.Debug("publish event failed", "type", typ, "error", err)
	}
}
