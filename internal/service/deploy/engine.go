// Package deploy drives the per-site deployment state machine: clone, build, start on a
// fresh port, health-gate, cut over and retire the previous instance.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/driver"
	"github.com/splax/sitekeeper/internal/events"
	"github.com/splax/sitekeeper/internal/git"
	"github.com/splax/sitekeeper/internal/health"
	"github.com/splax/sitekeeper/internal/metrics"
	"github.com/splax/sitekeeper/internal/repository"
)

// ErrShuttingDown is returned by Deploy once Shutdown has begun.
var ErrShuttingDown = errors.New("deploy: engine shutting down")

const interruptedMessage = "interrupted: orchestrator shutting down"

// SiteStore is the part of the site registry the engine writes.
type SiteStore interface {
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
	MutateSite(ctx context.Context, id string, fn func(*domain.Site) error) (*domain.Site, error)
}

// Ledger records deployment attempts.
type Ledger interface {
	BeginDeployment(ctx context.Context, deployment *domain.Deployment) error
	TransitionDeployment(ctx context.Context, id string, next domain.DeploymentStatus, fn func(*domain.Deployment)) (*domain.Deployment, error)
}

// Router flips public traffic between instances.
type Router interface {
	SwitchRoute(siteName string, port int) error
	Remove(siteName string)
}

// Locker hands out the per-site advisory lock.
type Locker interface {
	Lock(ctx context.Context, siteID string) (func(), error)
}

// HealthGate waits for a candidate instance to become ready.
type HealthGate interface {
	WaitHealthy(ctx context.Context, port int, policy health.Policy) error
}

// PortPool allocates instance ports.
type PortPool interface {
	Allocate() (int, error)
	Release(port int)
}

// Workspaces hands out checkout directories.
type Workspaces interface {
	Prepare(siteID, deploymentID string) (string, error)
	CleanupDeployment(siteID, deploymentID string) error
	Prune(siteID string, keep ...string) error
}

// LogSink receives build and deployment logs.
type LogSink interface {
	Append(ctx context.Context, entry domain.LogEntry) error
}

// Cloner fetches a site's source.
type Cloner func(ctx context.Context, opts git.CloneOptions) (git.Commit, error)

// Config holds stage timeouts and health gate tuning.
type Config struct {
	CloneTimeout           time.Duration
	BuildTimeout           time.Duration
	StartTimeout           time.Duration
	HealthTimeout          time.Duration
	HealthInterval         time.Duration
	HealthSuccessThreshold int
	HealthFailureThreshold int
	DrainGrace             time.Duration
	StopTimeout            time.Duration
}

func (c Config) withDefaults() Config {
	if c.CloneTimeout <= 0 {
		c.CloneTimeout = 2 * time.Minute
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 15 * time.Minute
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = time.Minute
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 500 * time.Millisecond
	}
	if c.HealthSuccessThreshold <= 0 {
		c.HealthSuccessThreshold = 2
	}
	if c.DrainGrace < 0 {
		c.DrainGrace = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// Deps groups the collaborators of an Engine.
type Deps struct {
	Sites      SiteStore
	Ledger     Ledger
	Drivers    *driver.Set
	Workspaces Workspaces
	Health     HealthGate
	Router     Router
	Locks      Locker
	Ports      PortPool
}

// Engine runs deployments. At most one deployment per site is in flight; different sites
// deploy in parallel.
type Engine struct {
	cfg        Config
	sites      SiteStore
	ledger     Ledger
	drivers    *driver.Set
	workspaces Workspaces
	health     HealthGate
	router     Router
	locks      Locker
	ports      PortPool
	clone      Cloner
	logs       LogSink
	events     events.Publisher
	metrics    *metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
	after      func(time.Duration) <-chan time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]*Handle
}

// Option customises an Engine.
type Option func(*Engine)

// WithCloner replaces the git clone implementation.
func WithCloner(c Cloner) Option { return func(e *Engine) { e.clone = c } }

// WithLogSink streams build output and stage messages to sink.
func WithLogSink(sink LogSink) Option { return func(e *Engine) { e.logs = sink } }

// WithEvents publishes a lifecycle event for every status change.
func WithEvents(p events.Publisher) Option { return func(e *Engine) { e.events = events.OrNop(p) } }

// WithMetrics records stage durations and outcomes.
func WithMetrics(m *metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

// New constructs an Engine.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg.withDefaults(),
		sites:      deps.Sites,
		ledger:     deps.Ledger,
		drivers:    deps.Drivers,
		workspaces: deps.Workspaces,
		health:     deps.Health,
		router:     deps.Router,
		locks:      deps.Locks,
		ports:      deps.Ports,
		clone:      git.Clone,
		events:     events.Nop{},
		logger:     logger.With("component", "deploy"),
		now:        time.Now,
		after:      time.After,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle tracks one running deployment.
type Handle struct {
	id     string
	siteID string
	done   chan struct{}
	result domain.Deployment
	err    error
}

// ID returns the deployment id.
func (h *Handle) ID() string { return h.id }

// Done is closed once the deployment is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the deployment is terminal. The error is the stage or cutover failure
// for failed and rolled back deployments.
func (h *Handle) Wait(ctx context.Context) (domain.Deployment, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return domain.Deployment{}, ctx.Err()
	}
}

// Deploy validates the site, records a pending deployment and runs the state machine in
// the background. Only configuration errors and conflicts are returned synchronously.
func (e *Engine) Deploy(ctx context.Context, siteID, ref string) (*Handle, error) {
	site, err := e.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if err := e.drivers.Validate(*site); err != nil {
		return nil, err
	}

	// the slot is reserved together with the closed check so Shutdown waits for it
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	e.wg.Add(1)
	e.mu.Unlock()
	launched := false
	defer func() {
		if !launched {
			e.wg.Done()
		}
	}()

	unlock, err := e.locks.Lock(ctx, siteID)
	if err != nil {
		return nil, err
	}
	dep, restore, err := e.begin(ctx, site, ref)
	unlock()
	if err != nil {
		return nil, err
	}

	h := &Handle{id: dep.ID, siteID: siteID, done: make(chan struct{})}
	e.mu.Lock()
	e.inflight[dep.ID] = h
	e.mu.Unlock()

	e.metrics.DeploymentStarted()
	e.publish(*site, *dep, "deployment queued")
	e.logger.Info("deployment queued", "deployment_id", dep.ID, "site_id", siteID, "ref", dep.Ref)

	launched = true
	go e.run(h, *site, *dep, restore)
	return h, nil
}

// Trigger starts a deployment without waiting for it.
func (e *Engine) Trigger(ctx context.Context, siteID, ref string) (string, error) {
	h, err := e.Deploy(ctx, siteID, ref)
	if err != nil {
		return "", err
	}
	return h.ID(), nil
}

// begin runs under the site lock.
func (e *Engine) begin(ctx context.Context, site *domain.Site, ref string) (*domain.Deployment, domain.SiteStatus, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = site.Branch
	}
	if ref == "" && site.GitURL != "" {
		ref = "main"
	}
	dep := &domain.Deployment{
		ID:        uuid.NewString(),
		SiteID:    site.ID,
		Status:    domain.DeploymentPending,
		Ref:       ref,
		StartedAt: e.now().UTC(),
	}
	if site.Runtime != nil {
		old := *site.Runtime
		dep.OldRuntime = &old
	}
	if err := e.ledger.BeginDeployment(ctx, dep); err != nil {
		if errors.Is(err, repository.ErrActiveDeployment) {
			return nil, "", fmt.Errorf("%w: site %s: %w", domain.ErrConcurrencyConflict, site.Name, err)
		}
		return nil, "", fmt.Errorf("record deployment: %w", err)
	}

	// a site with no live instance shows building; restore says where it lands on failure
	var restore domain.SiteStatus
	if site.Runtime == nil {
		restore = domain.SiteStatusError
		if site.Status == domain.SiteStatusSleeping {
			restore = domain.SiteStatusSleeping
		}
		updated, err := e.sites.MutateSite(ctx, site.ID, func(s *domain.Site) error {
			if s.Runtime == nil {
				s.Status = domain.SiteStatusBuilding
			}
			return nil
		})
		if err != nil {
			e.logger.Warn("mark site building failed", "site_id", site.ID, "error", err)
		} else {
			*site = *updated
		}
	}
	return dep, restore, nil
}

// Inflight returns the ids of deployments this engine is currently running.
func (e *Engine) Inflight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels in-flight deployments and waits for them to record a terminal status.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for deployments: %w", ctx.Err())
	}
}

func (e *Engine) publish(site domain.Site, dep domain.Deployment, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.events.Publish(ctx, events.Event{
		Type:         events.DeploymentType(string(dep.Status)),
		SiteID:       site.ID,
		SiteName:     site.Name,
		DeploymentID: dep.ID,
		Status:       string(dep.Status),
		Message:      msg,
		OccurredAt:   e.now().UTC(),
	})
	if err != nil {
		e.logger.Debug("publish deployment event failed", "deployment_id", dep.ID, "error", err)
	}
}

func (e *Engine) appendLog(dep domain.Deployment, source, level, msg string) {
	if e.logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.logs.Append(ctx, domain.LogEntry{
		SiteID:       dep.SiteID,
		DeploymentID: dep.ID,
		Source:       source,
		Level:        level,
		Message:      msg,
	})
}
