package site

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/driver"
	"github.com/splax/sitekeeper/internal/repository"
)

type stubStore struct {
	mu      sync.Mutex
	sites   map[string]*domain.Site
	active  *domain.Deployment
	deleted []string
}

func newStubStore() *stubStore {
	return &stubStore{sites: map[string]*domain.Site{}}
}

func (s *stubStore) CreateSite(_ context.Context, site *domain.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sites {
		if existing.Name == site.Name {
			return repository.ErrDuplicateName
		}
	}
	cp := *site
	s.sites[site.ID] = &cp
	return nil
}

func (s *stubStore) GetSiteByID(_ context.Context, id string) (*domain.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *site
	return &cp, nil
}

func (s *stubStore) GetSiteByName(_ context.Context, name string) (*domain.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, site := range s.sites {
		if site.Name == name {
			cp := *site
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) ListSites(context.Context) ([]domain.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, *site)
	}
	return out, nil
}

func (s *stubStore) DeleteSite(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sites, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubStore) MutateSite(_ context.Context, id string, fn func(*domain.Site) error) (*domain.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *site
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.sites[id] = &cp
	out := cp
	return &out, nil
}

func (s *stubStore) GetActiveDeployment(context.Context, string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, repository.ErrNotFound
	}
	return s.active, nil
}

type stubRouter struct{ removed []string }

func (r *stubRouter) Remove(name string) { r.removed = append(r.removed, name) }

type stubLocks struct {
	held  bool
	locks int
}

func (l *stubLocks) Lock(context.Context, string) (func(), error) {
	l.held = true
	l.locks++
	return func() { l.held = false }, nil
}

type stubProcs struct {
	ok        bool
	locks     *stubLocks
	restarted []int
	unlocked  int
}

func (p *stubProcs) RestartInstance(_ context.Context, _ string, port int) bool {
	if !p.locks.held {
		p.unlocked++
	}
	p.restarted = append(p.restarted, port)
	return p.ok
}

type stubPorts struct{ released []int }

func (p *stubPorts) Release(port int) { p.released = append(p.released, port) }

type stubSpaces struct{ removed []string }

func (w *stubSpaces) RemoveSite(id string) error {
	w.removed = append(w.removed, id)
	return nil
}

type stubDriver struct {
	variant domain.Variant
	stopped []domain.RuntimePointer
}

func (d *stubDriver) Variant() domain.Variant { return d.variant }

func (d *stubDriver) Build(context.Context, driver.BuildRequest) (domain.Artifact, error) {
	return domain.Artifact{}, errors.New("not used")
}

func (d *stubDriver) Start(context.Context, driver.StartRequest) (domain.RuntimePointer, error) {
	return domain.RuntimePointer{}, errors.New("not used")
}

func (d *stubDriver) Stop(_ context.Context, _ string, ptr domain.RuntimePointer) error {
	d.stopped = append(d.stopped, ptr)
	return nil
}

func (d *stubDriver) Alive(context.Context, string, domain.RuntimePointer) (bool, error) {
	return true, nil
}

type fixture struct {
	svc    *Service
	store  *stubStore
	router *stubRouter
	ports  *stubPorts
	spaces *stubSpaces
	proc   *stubDriver
	locks  *stubLocks
	procs  *stubProcs
}

func newFixture(restartOK bool) *fixture {
	f := &fixture{
		store:  newStubStore(),
		router: &stubRouter{},
		ports:  &stubPorts{},
		spaces: &stubSpaces{},
		proc:   &stubDriver{variant: domain.VariantProcess},
		locks:  &stubLocks{},
	}
	f.procs = &stubProcs{ok: restartOK, locks: f.locks}
	drivers := driver.NewSet(&stubDriver{variant: domain.VariantStatic}, f.proc, &stubDriver{variant: domain.VariantPassthrough})
	f.svc = New(Deps{
		Store:      f.store,
		Drivers:    drivers,
		Router:     f.router,
		Locks:      f.locks,
		Procs:      f.procs,
		Ports:      f.ports,
		Workspaces: f.spaces,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) seedRunning(t *testing.T) *domain.Site {
	t.Helper()
	site, err := f.svc.Create(context.Background(), CreateInput{Name: "api", GitURL: "https://example.com/api.git", Runtime: domain.VariantProcess})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.store.sites[site.ID].SetRuntime(domain.RuntimePointer{Variant: domain.VariantProcess, InstanceID: "pid-1", Port: 20001})
	return site
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(true)
	site, err := f.svc.Create(context.Background(), CreateInput{
		Name:       " Blog ",
		GitURL:     "https://example.com/blog.git",
		HealthPath: "healthz",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if site.ID == "" {
		t.Fatal("expected id to be generated")
	}
	if site.Name != "blog" || site.Branch != "main" {
		t.Fatalf("unexpected normalisation: %+v", site)
	}
	if site.Kind != domain.SiteKindAuto || site.Visibility != domain.VisibilityPublic {
		t.Fatalf("unexpected defaults: kind=%s visibility=%s", site.Kind, site.Visibility)
	}
	if site.Status != domain.SiteStatusStopped {
		t.Fatalf("expected stopped, got %s", site.Status)
	}
	if site.HealthPath != "/healthz" {
		t.Fatalf("expected leading slash, got %s", site.HealthPath)
	}
}

func TestCreateValidation(t *testing.T) {
	negative := -1
	cases := map[string]struct {
		in    CreateInput
		field string
	}{
		"bad name":        {CreateInput{Name: "Not_Valid", GitURL: "x"}, "name"},
		"missing git":     {CreateInput{Name: "web"}, "git_url"},
		"unknown runtime": {CreateInput{Name: "web", GitURL: "x", Runtime: "wasm"}, "runtime"},
		"passthrough cmd": {CreateInput{Name: "web", Kind: domain.SiteKindPassthrough}, "start_command"},
		"visibility":      {CreateInput{Name: "web", GitURL: "x", Visibility: "internal"}, "visibility"},
		"sleep minutes":   {CreateInput{Name: "web", GitURL: "x", SleepAfterMinutes: &negative}, "sleep_after_minutes"},
		"env key":         {CreateInput{Name: "web", GitURL: "x", Env: map[string]string{"1BAD": "v"}}, "env"},
		"reserved port":   {CreateInput{Name: "web", GitURL: "x", Env: map[string]string{"PORT": "80"}}, "env"},
		"container port":  {CreateInput{Name: "web", GitURL: "x", ContainerPort: 70000}, "container_port"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(true)
			_, err := f.svc.Create(context.Background(), tc.in)
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, cfgErr.Field)
			}
		})
	}
}

func TestGetFallsBackToName(t *testing.T) {
	f := newFixture(true)
	created := f.seedRunning(t)
	got, err := f.svc.Get(context.Background(), "API")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, got.ID)
	}
	if _, err := f.svc.Get(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateKeepsUnsetFields(t *testing.T) {
	f := newFixture(true)
	site := f.seedRunning(t)
	branch := "release"
	sleep := true
	updated, err := f.svc.Update(context.Background(), site.ID, UpdateInput{Branch: &branch, SleepEnabled: &sleep})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Branch != "release" || !updated.SleepEnabled {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.GitURL != site.GitURL || updated.Runtime == nil {
		t.Fatalf("unexpected change to untouched fields: %+v", updated)
	}

	bad := domain.Visibility("nobody")
	if _, err := f.svc.Update(context.Background(), site.ID, UpdateInput{Visibility: &bad}); err == nil {
		t.Fatal("expected validation error")
	}
	stored, _ := f.store.GetSiteByID(context.Background(), site.ID)
	if stored.Visibility != domain.VisibilityPublic {
		t.Fatalf("invalid update leaked into store: %s", stored.Visibility)
	}
}

func TestStopClearsRuntime(t *testing.T) {
	f := newFixture(true)
	site := f.seedRunning(t)
	stopped, err := f.svc.Stop(context.Background(), site.ID)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != domain.SiteStatusStopped || stopped.Runtime != nil {
		t.Fatalf("expected stopped without runtime, got %+v", stopped)
	}
	if len(f.proc.stopped) != 1 || f.proc.stopped[0].Port != 20001 {
		t.Fatalf("expected instance on 20001 to stop, got %+v", f.proc.stopped)
	}
	if len(f.ports.released) != 1 || f.ports.released[0] != 20001 {
		t.Fatalf("expected port release, got %v", f.ports.released)
	}
	if len(f.router.removed) != 1 || f.router.removed[0] != "api" {
		t.Fatalf("expected route removal, got %v", f.router.removed)
	}
}

func TestDeleteRefusedDuringDeployment(t *testing.T) {
	f := newFixture(true)
	site := f.seedRunning(t)
	f.store.active = &domain.Deployment{ID: "dep-1", SiteID: site.ID, Status: domain.DeploymentBuilding}
	err := f.svc.Delete(context.Background(), site.ID)
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(f.store.deleted) != 0 || len(f.proc.stopped) != 0 {
		t.Fatal("site should be untouched")
	}
}

func TestRestartRefusedDuringDeployment(t *testing.T) {
	f := newFixture(true)
	site := f.seedRunning(t)
	f.store.active = &domain.Deployment{ID: "dep-2", SiteID: site.ID, Status: domain.DeploymentStarting}
	err := f.svc.Restart(context.Background(), site.ID)
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(f.procs.restarted) != 0 {
		t.Fatalf("expected no process restart, got %v", f.procs.restarted)
	}
	if f.locks.locks != 1 {
		t.Fatalf("expected the site lock to be taken once, got %d", f.locks.locks)
	}
}

func TestDeleteStopsAndRemoves(t *testing.T) {
	f := newFixture(true)
	site := f.seedRunning(t)
	if err := f.svc.Delete(context.Background(), site.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(f.store.deleted) != 1 {
		t.Fatal("expected site row deletion")
	}
	if len(f.proc.stopped) != 1 || len(f.ports.released) != 1 {
		t.Fatal("expected runtime teardown")
	}
	if len(f.spaces.removed) != 1 || f.spaces.removed[0] != site.ID {
		t.Fatalf("expected workspace removal, got %v", f.spaces.removed)
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(true)
	site := f.seedRunning(t)
	if err := f.svc.Restart(context.Background(), site.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(f.procs.restarted) != 1 || f.procs.restarted[0] != 20001 {
		t.Fatalf("expected the live instance on 20001 to restart, got %v", f.procs.restarted)
	}
	if f.procs.unlocked != 0 {
		t.Fatal("expected restart under the site lock")
	}

	missing := newFixture(false)
	gone := missing.seedRunning(t)
	if err := missing.svc.Restart(context.Background(), gone.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	static, err := f.svc.Create(context.Background(), CreateInput{Name: "docs", GitURL: "https://example.com/docs.git", Runtime: domain.VariantStatic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Restart(context.Background(), static.ID); !errors.Is(err, ErrRestartUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
