package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/repository"
	"github.com/splax/sitekeeper/internal/service/site"
	"github.com/splax/sitekeeper/internal/service/sleep"
	"github.com/splax/sitekeeper/internal/service/webhook"
	"github.com/splax/sitekeeper/internal/ws"
)

type siteStub struct {
	sites      map[string]domain.Site
	createErr  error
	lastCreate site.CreateInput
	stopped    []string
}

func (s *siteStub) Create(_ context.Context, in site.CreateInput) (*domain.Site, error) {
	s.lastCreate = in
	if s.createErr != nil {
		return nil, s.createErr
	}
	created := domain.Site{ID: "new-id", Name: in.Name, Status: domain.SiteStatusStopped, Env: in.Env}
	return &created, nil
}

func (s *siteStub) Get(_ context.Context, idOrName string) (*domain.Site, error) {
	for _, st := range s.sites {
		if st.ID == idOrName || st.Name == idOrName {
			cp := st
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *siteStub) List(context.Context) ([]domain.Site, error) {
	out := make([]domain.Site, 0, len(s.sites))
	for _, st := range s.sites {
		out = append(out, st)
	}
	return out, nil
}

func (s *siteStub) Update(_ context.Context, id string, in site.UpdateInput) (*domain.Site, error) {
	st := s.sites[id]
	if in.Branch != nil {
		st.Branch = *in.Branch
	}
	return &st, nil
}

func (s *siteStub) Delete(context.Context, string) error { return nil }

func (s *siteStub) Stop(_ context.Context, id string) (*domain.Site, error) {
	s.stopped = append(s.stopped, id)
	st := s.sites[id]
	st.ClearRuntime(domain.SiteStatusStopped)
	return &st, nil
}

func (s *siteStub) Restart(context.Context, string) error { return site.ErrRestartUnsupported }

type deployerStub struct {
	err   error
	calls []string
}

func (d *deployerStub) Trigger(_ context.Context, siteID, ref string) (string, error) {
	d.calls = append(d.calls, siteID+"@"+ref)
	if d.err != nil {
		return "", d.err
	}
	return "dep-1", nil
}

type ledgerStub struct{}

func (ledgerStub) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	if id != "dep-1" {
		return nil, repository.ErrNotFound
	}
	return &domain.Deployment{ID: id, SiteID: "s1", Status: domain.DeploymentPending, Ref: "main", StartedAt: time.Unix(0, 0)}, nil
}

func (ledgerStub) ListDeploymentsBySite(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (ledgerStub) ListActiveDeployments(context.Context) ([]domain.Deployment, error) {
	return nil, nil
}

type sleepStub struct{ wakeErr error }

func (s sleepStub) Sleep(context.Context, string) error { return sleep.ErrNotRunning }

func (s sleepStub) Wake(context.Context, string) (domain.Site, error) {
	if s.wakeErr != nil {
		return domain.Site{}, s.wakeErr
	}
	return domain.Site{ID: "s1", Name: "blog", Status: domain.SiteStatusRunning}, nil
}

type procStub struct{}

func (procStub) Snapshot() []domain.ProcessSnapshot {
	cpu := 1.5
	return []domain.ProcessSnapshot{{SiteID: "s1", SiteName: "blog", Port: 20001, PID: 42, Status: domain.ProcessRunning, CPUPercent: &cpu}}
}

func (procStub) Get(string) []domain.ProcessSnapshot { return nil }

func (procStub) ShutdownAll(time.Duration) error { return nil }

type logStub struct{ hub *ws.Hub }

func (l logStub) List(context.Context, string, int) ([]domain.LogEntry, error) {
	return []domain.LogEntry{{ID: 1, SiteID: "s1", Level: "info", Message: "hello"}}, nil
}

func (l logStub) Hub() *ws.Hub { return l.hub }

type webhookStub struct{}

func (webhookStub) HandlePush(context.Context, string, []byte, string) (webhook.Result, error) {
	return webhook.Result{}, webhook.ErrInvalidSignature
}

type fixture struct {
	router   *Router
	sites    *siteStub
	deployer *deployerStub
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	f := &fixture{
		sites: &siteStub{sites: map[string]domain.Site{
			"s1": {ID: "s1", Name: "blog", Status: domain.SiteStatusRunning, Env: map[string]string{"SECRET": "hunter2"}},
		}},
		deployer: &deployerStub{},
	}
	deps := Deps{
		Sites:       f.sites,
		Deployer:    f.deployer,
		Deployments: ledgerStub{},
		Sleep:       sleepStub{},
		Processes:   procStub{},
		Logs:        logStub{hub: hub},
		Webhooks:    webhookStub{},
		Registry:    prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.router = NewRouter(deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(f.router.Close)
	return f
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestCreateSite(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/api/sites", `{"name":"docs","git_url":"https://example.com/docs.git","sleep_enabled":true,"env":{"A":"1"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if f.sites.lastCreate.Name != "docs" || !f.sites.lastCreate.SleepEnabled {
		t.Fatalf("unexpected create input %+v", f.sites.lastCreate)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["id"] != "new-id" {
		t.Fatalf("unexpected id %v", payload["id"])
	}
	if strings.Contains(rr.Body.String(), `"1"`) {
		t.Fatalf("env values must not be returned: %s", rr.Body.String())
	}
}

func TestCreateSiteConfigurationError(t *testing.T) {
	f := newFixture(t)
	f.sites.createErr = &domain.ConfigurationError{Field: "name", Reason: "must be a lowercase DNS label"}
	rr := f.do(http.MethodPost, "/api/sites", `{"name":"Bad Name"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr = f.do(http.MethodPost, "/api/sites", `{not json`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", rr.Code)
	}
}

func TestGetSiteByName(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/api/sites/blog", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "hunter2") {
		t.Fatal("env value leaked")
	}
	if !strings.Contains(rr.Body.String(), `"SECRET"`) {
		t.Fatalf("expected env key listed: %s", rr.Body.String())
	}
	if rr := f.do(http.MethodGet, "/api/sites/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestUpdateRejectsRename(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPatch, "/api/sites/s1", `{"name":"other"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr = f.do(http.MethodPatch, "/api/sites/s1", `{"branch":"release"}`)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"release"`) {
		t.Fatalf("expected branch update, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestDeployAccepted(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/api/sites/blog/deploy", `{"ref":"main"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(f.deployer.calls) != 1 || f.deployer.calls[0] != "s1@main" {
		t.Fatalf("unexpected deploy calls %v", f.deployer.calls)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["id"] != "dep-1" || payload["status"] != "pending" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestDeployWithoutBody(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/api/sites/s1/deploy", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if f.deployer.calls[0] != "s1@" {
		t.Fatalf("expected empty ref, got %v", f.deployer.calls)
	}
}

func TestDeployConflictSetsRetryAfter(t *testing.T) {
	f := newFixture(t)
	f.deployer.err = fmt.Errorf("%w: site blog: %w", domain.ErrConcurrencyConflict, repository.ErrActiveDeployment)
	rr := f.do(http.MethodPost, "/api/sites/s1/deploy", `{}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestDeployRateLimited(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < rateLimitDeploy; i++ {
		if rr := f.do(http.MethodPost, "/api/sites/s1/deploy", ""); rr.Code != http.StatusAccepted {
			t.Fatalf("deploy %d: expected 202, got %d", i, rr.Code)
		}
	}
	rr := f.do(http.MethodPost, "/api/sites/s1/deploy", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected rate headers %v", rr.Header())
	}
	if len(f.deployer.calls) != rateLimitDeploy {
		t.Fatalf("expected %d deploy calls, got %d", rateLimitDeploy, len(f.deployer.calls))
	}
	// other sites have their own bucket
	if rr := f.do(http.MethodPost, "/api/sites/blog/deploy", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for separate bucket, got %d", rr.Code)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := &memoryRateLimiter{entries: make(map[string]rateState), now: func() time.Time { return now }, stopCh: make(chan struct{})}
	for i := 0; i < 2; i++ {
		if d := rl.Allow("k", 2, time.Minute); !d.allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	if d := rl.Allow("k", 2, time.Minute); d.allowed {
		t.Fatal("expected third request denied")
	}
	now = now.Add(time.Minute + time.Second)
	if d := rl.Allow("k", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
	rl.cleanup(now.Add(2 * time.Minute))
	if len(rl.entries) != 0 {
		t.Fatalf("expected expired entries swept, got %d", len(rl.entries))
	}
}

func TestWakeStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{sleep.ErrWakeTimeout, http.StatusGatewayTimeout},
		{sleep.ErrNothingToWake, http.StatusConflict},
		{errors.New("health gate failed"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		f := newFixture(t, func(d *Deps) { d.Sleep = sleepStub{wakeErr: tc.err} })
		rr := f.do(http.MethodPost, "/api/sites/s1/wake", "")
		if rr.Code != tc.want {
			t.Fatalf("wake err %v: expected %d, got %d", tc.err, tc.want, rr.Code)
		}
	}
}

func TestStopAndRestart(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/api/sites/s1/stop", "")
	if rr.Code != http.StatusOK || len(f.sites.stopped) != 1 {
		t.Fatalf("expected stop, got %d", rr.Code)
	}
	rr = f.do(http.MethodPost, "/api/sites/s1/restart", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported restart, got %d", rr.Code)
	}
	rr = f.do(http.MethodPost, "/api/sites/s1/sleep", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for sleeping a stopped site, got %d", rr.Code)
	}
}

func TestAdminToken(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.AdminToken = "s3cret" })
	if rr := f.do(http.MethodGet, "/api/sites", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr := f.do(http.MethodGet, "/api/sites", "", "Authorization", "Bearer wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", rr.Code)
	}
	if rr := f.do(http.MethodGet, "/api/sites", "", "Authorization", "Bearer s3cret"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := f.do(http.MethodGet, "/api/sites/s1/logs?token=s3cret", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected query token to be accepted, got %d", rr.Code)
	}
	if rr := f.do(http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", rr.Code)
	}
}

func TestHealthzDegraded(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.DBHealth = func(context.Context) error { return errors.New("disk full") }
	})
	rr := f.do(http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/webhooks/git/s1", `{"ref":"refs/heads/main"}`, "X-Hub-Signature-256", "sha256=00")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = f.do(http.MethodPost, "/webhooks/git/s1", `{}`, "X-GitHub-Event", "ping")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ping to succeed, got %d", rr.Code)
	}
}

func TestProcessesAndMetrics(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/api/processes", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var procs []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &procs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(procs) != 1 || procs[0]["pid"] != float64(42) || procs[0]["cpu_percent"] != 1.5 {
		t.Fatalf("unexpected processes %v", procs)
	}

	rr = f.do(http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `sitekeeper_api_http_requests_total{method="GET",route="/api/processes",status="200"} 1`) {
		t.Fatalf("request metric missing:\n%s", rr.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		repository.ErrNotFound:        http.StatusNotFound,
		repository.ErrDuplicateName:   http.StatusConflict,
		webhook.ErrInvalidSignature:   http.StatusUnauthorized,
		site.ErrRestartUnsupported:    http.StatusBadRequest,
		sleep.ErrWakeTimeout:          http.StatusGatewayTimeout,
		errors.New("something broke"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := StatusFor(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}
