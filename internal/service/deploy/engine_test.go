package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/driver"
	"github.com/splax/sitekeeper/internal/git"
	"github.com/splax/sitekeeper/internal/health"
	"github.com/splax/sitekeeper/internal/repository"
	"github.com/splax/sitekeeper/internal/sitelock"
)

type fakeSites struct {
	mu    sync.Mutex
	sites map[string]domain.Site
}

func (f *fakeSites) GetSiteByID(_ context.Context, id string) (*domain.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sites[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySite(s), nil
}

func (f *fakeSites) MutateSite(_ context.Context, id string, fn func(*domain.Site) error) (*domain.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sites[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := copySite(s)
	if err := fn(cp); err != nil {
		return nil, err
	}
	f.sites[id] = *cp
	return copySite(*cp), nil
}

func (f *fakeSites) get(id string) domain.Site {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *copySite(f.sites[id])
}

func copySite(s domain.Site) *domain.Site {
	if s.Runtime != nil {
		ptr := *s.Runtime
		s.Runtime = &ptr
	}
	return &s
}

type fakeLedger struct {
	mu       sync.Mutex
	rows     map[string]domain.Deployment
	statuses map[string][]domain.DeploymentStatus
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]domain.Deployment{}, statuses: map[string][]domain.DeploymentStatus{}}
}

func (f *fakeLedger) BeginDeployment(_ context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.SiteID == d.SiteID && !row.Status.Terminal() {
			return repository.ErrActiveDeployment
		}
	}
	f.rows[d.ID] = *d
	f.statuses[d.ID] = []domain.DeploymentStatus{d.Status}
	return nil
}

func (f *fakeLedger) TransitionDeployment(_ context.Context, id string, next domain.DeploymentStatus, fn func(*domain.Deployment)) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !row.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, row.Status, next)
	}
	if fn != nil {
		fn(&row)
	}
	row.Status = next
	f.rows[id] = row
	f.statuses[id] = append(f.statuses[id], next)
	out := row
	return &out, nil
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeLedger) history(id string) []domain.DeploymentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeploymentStatus(nil), f.statuses[id]...)
}

type fakeRouter struct {
	mu     sync.Mutex
	routes map[string]int
	failOn map[int]error
}

func (f *fakeRouter) SwitchRoute(name string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[port]; err != nil {
		return err
	}
	f.routes[name] = port
	return nil
}

func (f *fakeRouter) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, name)
}

func (f *fakeRouter) route(name string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	port, ok := f.routes[name]
	return port, ok
}

type fakePorts struct {
	mu       sync.Mutex
	next     int
	released []int
}

func (f *fakePorts) Allocate() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next, nil
}

func (f *fakePorts) Release(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, port)
}

func (f *fakePorts) wasReleased(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.released {
		if p == port {
			return true
		}
	}
	return false
}

type fakeGate struct {
	err error
}

func (f fakeGate) WaitHealthy(context.Context, int, health.Policy) error { return f.err }

type fakeWorkspaces struct {
	root    string
	cleaned []string
	pruned  []string
	mu      sync.Mutex
}

func (f *fakeWorkspaces) Prepare(siteID, depID string) (string, error) {
	return f.root + "/" + siteID + "/" + depID, nil
}

func (f *fakeWorkspaces) CleanupDeployment(_, depID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, depID)
	return nil
}

func (f *fakeWorkspaces) Prune(_ string, keep ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, keep...)
	return nil
}

// fakeDriver stands in for the static driver. Build blocks on gate when set.
type fakeDriver struct {
	mu       sync.Mutex
	gate     chan struct{}
	building chan struct{}
	buildErr error
	live     map[int]bool
	stopped  []domain.RuntimePointer
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{live: map[int]bool{}}
}

func (f *fakeDriver) Variant() domain.Variant { return domain.VariantStatic }

func (f *fakeDriver) Build(ctx context.Context, req driver.BuildRequest) (domain.Artifact, error) {
	req.Log("info", "building "+req.Site.Name)
	if f.building != nil {
		close(f.building)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.Artifact{}, ctx.Err()
		}
	}
	if f.buildErr != nil {
		return domain.Artifact{}, f.buildErr
	}
	return domain.Artifact{Variant: domain.VariantStatic, Dir: req.Workdir}, nil
}

func (f *fakeDriver) Start(_ context.Context, req driver.StartRequest) (domain.RuntimePointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[req.Port] = true
	return domain.RuntimePointer{Variant: domain.VariantStatic, InstanceID: fmt.Sprintf("static-%d", req.Port), Port: req.Port}, nil
}

func (f *fakeDriver) Stop(_ context.Context, _ string, ptr domain.RuntimePointer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, ptr.Port)
	f.stopped = append(f.stopped, ptr)
	return nil
}

func (f *fakeDriver) Alive(_ context.Context, _ string, ptr domain.RuntimePointer) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[ptr.Port], nil
}

func (f *fakeDriver) isLive(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[port]
}

type testRig struct {
	engine *Engine
	sites  *fakeSites
	ledger *fakeLedger
	router *fakeRouter
	ports  *fakePorts
	drv    *fakeDriver
	spaces *fakeWorkspaces
}

var oldPointer = domain.RuntimePointer{Variant: domain.VariantStatic, InstanceID: "static-100", Port: 100}

func liveSite() domain.Site {
	old := oldPointer
	return domain.Site{
		ID:        "site-1",
		Name:      "blog",
		GitURL:    "https://example.com/blog.git",
		Branch:    "main",
		Kind:      domain.SiteKindAuto,
		Preferred: domain.VariantStatic,
		Status:    domain.SiteStatusRunning,
		Runtime:   &old,
	}
}

func newTestRig(t *testing.T, site domain.Site, opts ...func(*testRig)) *testRig {
	t.Helper()
	rig := &testRig{
		sites:  &fakeSites{sites: map[string]domain.Site{site.ID: site}},
		ledger: newFakeLedger(),
		router: &fakeRouter{routes: map[string]int{}, failOn: map[int]error{}},
		ports:  &fakePorts{next: 200},
		drv:    newFakeDriver(),
		spaces: &fakeWorkspaces{root: t.TempDir()},
	}
	if site.Runtime != nil {
		rig.router.routes[site.Name] = site.Runtime.Port
		rig.drv.live[site.Runtime.Port] = true
	}
	for _, opt := range opts {
		opt(rig)
	}
	cloner := func(_ context.Context, opts git.CloneOptions) (git.Commit, error) {
		return git.Commit{SHA: "abc1234def", Message: "deploy " + opts.Ref}, nil
	}
	rig.engine = New(Config{DrainGrace: time.Millisecond}, Deps{
		Sites:      rig.sites,
		Ledger:     rig.ledger,
		Drivers:    driver.NewSet(rig.drv),
		Workspaces: rig.spaces,
		Health:     fakeGate{},
		Router:     rig.router,
		Locks:      sitelock.New(),
		Ports:      rig.ports,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithCloner(cloner))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rig.engine.Shutdown(ctx)
	})
	return rig
}

func waitResult(t *testing.T, h *Handle) (domain.Deployment, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dep, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("deployment %s did not finish", h.ID())
	}
	return dep, err
}

func TestDeploySwitchesTrafficAndRetiresOldInstance(t *testing.T) {
	rig := newTestRig(t, liveSite())

	h, err := rig.engine.Deploy(context.Background(), "site-1", "")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	dep, err := waitResult(t, h)
	if err != nil {
		t.Fatalf("deployment failed: %v", err)
	}
	if dep.Status != domain.DeploymentCompleted {
		t.Fatalf("expected completed, got %s", dep.Status)
	}
	if dep.Ref != "main" || dep.CommitSHA != "abc1234def" {
		t.Fatalf("unexpected ref/commit %q %q", dep.Ref, dep.CommitSHA)
	}
	if dep.OldRuntime == nil || *dep.OldRuntime != oldPointer {
		t.Fatalf("expected old runtime recorded, got %v", dep.OldRuntime)
	}
	if dep.NewRuntime == nil || dep.NewRuntime.Port != 201 {
		t.Fatalf("expected new runtime on port 201, got %v", dep.NewRuntime)
	}
	if dep.Artifact.Ref != "abc1234def" {
		t.Fatalf("expected artifact ref from commit, got %q", dep.Artifact.Ref)
	}

	site := rig.sites.get("site-1")
	if site.Runtime == nil || site.Runtime.Port != 201 || site.Status != domain.SiteStatusRunning {
		t.Fatalf("expected site pointed at port 201, got %+v", site.Runtime)
	}
	if site.LastDeployedAt == nil {
		t.Fatal("expected last deployed time")
	}
	if port, _ := rig.router.route("blog"); port != 201 {
		t.Fatalf("expected route on 201, got %d", port)
	}
	if rig.drv.isLive(100) || !rig.drv.isLive(201) {
		t.Fatal("expected old instance stopped and new instance live")
	}
	if !rig.ports.wasReleased(100) {
		t.Fatal("expected old port released")
	}

	want := []domain.DeploymentStatus{
		domain.DeploymentPending, domain.DeploymentCloning, domain.DeploymentBuilding, domain.DeploymentStarting,
		domain.DeploymentHealthy, domain.DeploymentSwitching, domain.DeploymentCompleted,
	}
	got := rig.ledger.history(dep.ID)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected status history %v", got)
	}
	if len(rig.spaces.pruned) != 1 || rig.spaces.pruned[0] != dep.ID {
		t.Fatalf("expected workspaces pruned keeping %s, got %v", dep.ID, rig.spaces.pruned)
	}
}

func TestConcurrentDeployConflicts(t *testing.T) {
	rig := newTestRig(t, liveSite(), func(r *testRig) {
		r.drv.gate = make(chan struct{})
		r.drv.building = make(chan struct{})
	})

	first, err := rig.engine.Deploy(context.Background(), "site-1", "main")
	if err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	<-rig.drv.building

	if _, err := rig.engine.Deploy(context.Background(), "site-1", "main"); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	if rig.ledger.count() != 1 {
		t.Fatalf("expected a single ledger row, got %d", rig.ledger.count())
	}
	if ids := rig.engine.Inflight(); len(ids) != 1 || ids[0] != first.ID() {
		t.Fatalf("unexpected in-flight set %v", ids)
	}

	close(rig.drv.gate)
	dep, err := waitResult(t, first)
	if err != nil || dep.Status != domain.DeploymentCompleted {
		t.Fatalf("expected first deployment to complete, got %s %v", dep.Status, err)
	}

	// the site is free again once the first run is terminal
	rig.drv.gate = nil
	rig.drv.building = nil
	second, err := rig.engine.Deploy(context.Background(), "site-1", "main")
	if err != nil {
		t.Fatalf("follow-up deploy: %v", err)
	}
	if dep, err := waitResult(t, second); err != nil || dep.Status != domain.DeploymentCompleted {
		t.Fatalf("expected follow-up to complete, got %s %v", dep.Status, err)
	}
}

func TestHealthGateFailureKeepsPointer(t *testing.T) {
	rig := newTestRig(t, liveSite())
	rig.engine.health = fakeGate{err: health.ErrUnhealthy}

	h, err := rig.engine.Deploy(context.Background(), "site-1", "")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	dep, err := waitResult(t, h)
	var sf *domain.StageFailure
	if !errors.As(err, &sf) || sf.Stage != domain.DeploymentHealthy {
		t.Fatalf("expected healthy stage failure, got %v", err)
	}
	if dep.Status != domain.DeploymentFailed || !strings.Contains(dep.ErrorMessage, "health gate") {
		t.Fatalf("unexpected result %s %q", dep.Status, dep.ErrorMessage)
	}
	history := rig.ledger.history(dep.ID)
	if len(history) < 2 || history[len(history)-2] != domain.DeploymentHealthy {
		t.Fatalf("expected health polling to run in the healthy state, got %v", history)
	}

	site := rig.sites.get("site-1")
	if site.Runtime == nil || *site.Runtime != oldPointer || site.Status != domain.SiteStatusRunning {
		t.Fatalf("expected pointer unchanged, got %+v (%s)", site.Runtime, site.Status)
	}
	if port, _ := rig.router.route("blog"); port != 100 {
		t.Fatalf("expected route untouched, got %d", port)
	}
	if rig.drv.isLive(201) || !rig.drv.isLive(100) {
		t.Fatal("expected candidate stopped and old instance kept")
	}
	if !rig.ports.wasReleased(201) {
		t.Fatal("expected candidate port released")
	}
	if len(rig.spaces.cleaned) != 1 || rig.spaces.cleaned[0] != dep.ID {
		t.Fatalf("expected failed workspace cleaned, got %v", rig.spaces.cleaned)
	}
}

func TestCutoverFailureRollsBack(t *testing.T) {
	rig := newTestRig(t, liveSite(), func(r *testRig) {
		r.router.failOn[201] = errors.New("proxy table locked")
	})

	h, err := rig.engine.Deploy(context.Background(), "site-1", "")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	dep, err := waitResult(t, h)
	var cf *domain.CutoverFailure
	if !errors.As(err, &cf) || !cf.Reverted() {
		t.Fatalf("expected reverted cutover failure, got %v", err)
	}
	if dep.Status != domain.DeploymentRolledBack {
		t.Fatalf("expected rolled_back, got %s", dep.Status)
	}
	site := rig.sites.get("site-1")
	if site.Runtime == nil || *site.Runtime != oldPointer {
		t.Fatalf("expected old pointer restored, got %+v", site.Runtime)
	}
	if port, _ := rig.router.route("blog"); port != 100 {
		t.Fatalf("expected route restored to 100, got %d", port)
	}
	if rig.drv.isLive(201) {
		t.Fatal("expected new instance torn down")
	}
}

func TestCutoverRevertFailureLeavesBothInstances(t *testing.T) {
	rig := newTestRig(t, liveSite(), func(r *testRig) {
		r.router.failOn[201] = errors.New("switch failed")
		r.router.failOn[100] = errors.New("revert failed")
	})

	h, err := rig.engine.Deploy(context.Background(), "site-1", "")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	dep, err := waitResult(t, h)
	var cf *domain.CutoverFailure
	if !errors.As(err, &cf) || cf.Reverted() {
		t.Fatalf("expected unreverted cutover failure, got %v", err)
	}
	if dep.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed, got %s", dep.Status)
	}
	if !strings.Contains(dep.ErrorMessage, "old=") || !strings.Contains(dep.ErrorMessage, "new=") {
		t.Fatalf("expected both pointers in error message, got %q", dep.ErrorMessage)
	}
	if !rig.drv.isLive(100) || !rig.drv.isLive(201) {
		t.Fatal("expected both instances left running")
	}
}

func TestConfigurationErrorIsSynchronous(t *testing.T) {
	site := domain.Site{ID: "site-2", Name: "worker", Kind: domain.SiteKindPassthrough, Status: domain.SiteStatusStopped}
	rig := newTestRig(t, site)

	_, err := rig.engine.Deploy(context.Background(), "site-2", "")
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "start_command" {
		t.Fatalf("expected start_command configuration error, got %v", err)
	}
	if rig.ledger.count() != 0 {
		t.Fatal("expected no ledger row for a rejected deployment")
	}
}

func TestDeployUnknownSite(t *testing.T) {
	rig := newTestRig(t, liveSite())
	if _, err := rig.engine.Deploy(context.Background(), "missing", ""); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFailedFirstDeployRestoresStatus(t *testing.T) {
	cases := []struct {
		from domain.SiteStatus
		want domain.SiteStatus
	}{
		{domain.SiteStatusStopped, domain.SiteStatusError},
		{domain.SiteStatusSleeping, domain.SiteStatusSleeping},
	}
	for _, tc := range cases {
		t.Run(string(tc.from), func(t *testing.T) {
			site := liveSite()
			site.Runtime = nil
			site.Status = tc.from
			rig := newTestRig(t, site, func(r *testRig) {
				r.drv.gate = make(chan struct{})
				r.drv.building = make(chan struct{})
				r.drv.buildErr = errors.New("npm ERR! missing script: build")
			})

			h, err := rig.engine.Deploy(context.Background(), "site-1", "")
			if err != nil {
				t.Fatalf("deploy: %v", err)
			}
			<-rig.drv.building
			if got := rig.sites.get("site-1").Status; got != domain.SiteStatusBuilding {
				t.Fatalf("expected building while in flight, got %s", got)
			}
			close(rig.drv.gate)

			dep, _ := waitResult(t, h)
			if dep.Status != domain.DeploymentFailed {
				t.Fatalf("expected failed, got %s", dep.Status)
			}
			if got := rig.sites.get("site-1").Status; got != tc.want {
				t.Fatalf("expected status %s, got %s", tc.want, got)
			}
		})
	}
}

func TestFirstDeployWithoutPreviousInstance(t *testing.T) {
	site := liveSite()
	site.Runtime = nil
	site.Status = domain.SiteStatusStopped
	rig := newTestRig(t, site)

	h, err := rig.engine.Deploy(context.Background(), "site-1", "v1.2.0")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	dep, err := waitResult(t, h)
	if err != nil {
		t.Fatalf("deployment failed: %v", err)
	}
	if dep.Ref != "v1.2.0" || dep.OldRuntime != nil {
		t.Fatalf("unexpected deployment %+v", dep)
	}
	s := rig.sites.get("site-1")
	if s.Status != domain.SiteStatusRunning || s.Runtime == nil || s.Runtime.Port != 201 {
		t.Fatalf("expected running on 201, got %s %+v", s.Status, s.Runtime)
	}
	if len(rig.drv.stopped) != 0 {
		t.Fatalf("expected nothing stopped, got %v", rig.drv.stopped)
	}
}

func TestShutdownInterruptsDeployment(t *testing.T) {
	rig := newTestRig(t, liveSite(), func(r *testRig) {
		r.drv.gate = make(chan struct{})
		r.drv.building = make(chan struct{})
	})

	h, err := rig.engine.Deploy(context.Background(), "site-1", "")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	<-rig.drv.building

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rig.engine.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	dep, _ := waitResult(t, h)
	if dep.Status != domain.DeploymentFailed || dep.ErrorMessage != interruptedMessage {
		t.Fatalf("expected interrupted failure, got %s %q", dep.Status, dep.ErrorMessage)
	}
	if _, err := rig.engine.Deploy(context.Background(), "site-1", ""); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected shutting down error, got %v", err)
	}
}

func TestShutdownWaitsForDeploymentRacingIt(t *testing.T) {
	for i := 0; i < 20; i++ {
		rig := newTestRig(t, liveSite())
		type result struct {
			h   *Handle
			err error
		}
		started := make(chan result, 1)
		go func() {
			h, err := rig.engine.Deploy(context.Background(), "site-1", "")
			started <- result{h, err}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rig.engine.Shutdown(ctx); err != nil {
			cancel()
			t.Fatalf("shutdown: %v", err)
		}
		cancel()

		res := <-started
		if res.err != nil {
			if !errors.Is(res.err, ErrShuttingDown) {
				t.Fatalf("unexpected deploy error: %v", res.err)
			}
			continue
		}
		select {
		case <-res.h.done:
		default:
			t.Fatal("shutdown returned while an accepted deployment was still running")
		}
	}
}
