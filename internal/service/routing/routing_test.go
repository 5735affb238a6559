package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/repository"
)

type fakeSites struct {
	mu      sync.Mutex
	sites   map[string]domain.Site
	touches int
}

func (f *fakeSites) GetSiteByName(_ context.Context, name string) (*domain.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sites[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &s, nil
}

func (f *fakeSites) TouchSite(context.Context, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return nil
}

type fakeWaker struct {
	calls int
	wake  func() (domain.Site, error)
}

func (f *fakeWaker) Wake(context.Context, string) (domain.Site, error) {
	f.calls++
	return f.wake()
}

func upstream(t *testing.T, body string) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", body, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("upstream port: %v", err)
	}
	return port
}

func newTestProxy(sites *fakeSites, waker *fakeWaker, table *Table) *Proxy {
	classify := func(err error) int {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return NewProxy(table, sites, waker, "localhost", classify, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func serve(p *Proxy, host, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "http://"+host+"/hello", nil)
	req.Host = host
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestTableSwitchAndRemove(t *testing.T) {
	table := NewTable()
	if _, err := table.Lookup("blog"); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected no route, got %v", err)
	}
	if err := table.SwitchRoute("Blog", 20001); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := table.SwitchRoute("blog", 20001); err != nil {
		t.Fatalf("repeat switch: %v", err)
	}
	if port, _ := table.Lookup("blog"); port != 20001 {
		t.Fatalf("expected 20001, got %d", port)
	}
	if err := table.SwitchRoute("blog", 0); err == nil {
		t.Fatal("expected invalid port error")
	}
	table.Remove("blog")
	if len(table.Routes()) != 0 {
		t.Fatalf("expected empty table, got %v", table.Routes())
	}
}

func TestProxyForwardsAndSwitches(t *testing.T) {
	oldPort := upstream(t, "old")
	newPort := upstream(t, "new")
	table := NewTable()
	if err := table.SwitchRoute("blog", oldPort); err != nil {
		t.Fatalf("switch: %v", err)
	}
	sites := &fakeSites{sites: map[string]domain.Site{
		"blog": {ID: "s1", Name: "blog", Status: domain.SiteStatusRunning, Visibility: domain.VisibilityPublic},
	}}
	p := newTestProxy(sites, &fakeWaker{}, table)

	rec := serve(p, "blog.localhost:8080", "203.0.113.9:5555")
	if rec.Code != http.StatusOK || rec.Body.String() != "old /hello" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if err := table.SwitchRoute("blog", newPort); err != nil {
		t.Fatalf("switch: %v", err)
	}
	rec = serve(p, "blog.localhost", "203.0.113.9:5555")
	if rec.Body.String() != "new /hello" {
		t.Fatalf("expected new instance, got %q", rec.Body.String())
	}
	if sites.touches != 1 {
		t.Fatalf("expected touches throttled to one, got %d", sites.touches)
	}
}

func TestProxyUnknownHosts(t *testing.T) {
	p := newTestProxy(&fakeSites{sites: map[string]domain.Site{}}, &fakeWaker{}, NewTable())
	for _, host := range []string{"blog.localhost", "example.com", "a.b.localhost", "localhost"} {
		if rec := serve(p, host, "127.0.0.1:1"); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", host, rec.Code)
		}
	}
}

func TestProxyPrivateSitesLoopbackOnly(t *testing.T) {
	port := upstream(t, "private")
	table := NewTable()
	_ = table.SwitchRoute("admin", port)
	sites := &fakeSites{sites: map[string]domain.Site{
		"admin": {ID: "s2", Name: "admin", Status: domain.SiteStatusRunning, Visibility: domain.VisibilityPrivate},
	}}
	p := newTestProxy(sites, &fakeWaker{}, table)

	if rec := serve(p, "admin.localhost", "198.51.100.4:4000"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected remote client refused, got %d", rec.Code)
	}
	if rec := serve(p, "admin.localhost", "[::1]:4000"); rec.Code != http.StatusOK {
		t.Fatalf("expected loopback client served, got %d", rec.Code)
	}
}

func TestProxyWakesSleepingSite(t *testing.T) {
	port := upstream(t, "woken")
	table := NewTable()
	sites := &fakeSites{sites: map[string]domain.Site{
		"api": {ID: "s3", Name: "api", Status: domain.SiteStatusSleeping},
	}}
	waker := &fakeWaker{wake: func() (domain.Site, error) {
		if err := table.SwitchRoute("api", port); err != nil {
			return domain.Site{}, err
		}
		return domain.Site{ID: "s3", Name: "api", Status: domain.SiteStatusRunning}, nil
	}}
	p := newTestProxy(sites, waker, table)

	rec := serve(p, "api.localhost", "127.0.0.1:1")
	if rec.Code != http.StatusOK || rec.Body.String() != "woken /hello" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	if waker.calls != 1 {
		t.Fatalf("expected one wake, got %d", waker.calls)
	}
}

func TestProxyWakeFailureStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wake: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("no artifact"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		sites := &fakeSites{sites: map[string]domain.Site{
			"api": {ID: "s3", Name: "api", Status: domain.SiteStatusSleeping},
		}}
		err := tc.err
		p := newTestProxy(sites, &fakeWaker{wake: func() (domain.Site, error) { return domain.Site{}, err }}, NewTable())
		if rec := serve(p, "api.localhost", "127.0.0.1:1"); rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestProxyRunningSiteWithoutRoute(t *testing.T) {
	sites := &fakeSites{sites: map[string]domain.Site{
		"blog": {ID: "s1", Name: "blog", Status: domain.SiteStatusError},
	}}
	rec := serve(newTestProxy(sites, &fakeWaker{}, NewTable()), "blog.localhost", "127.0.0.1:1")
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 503 with retry hint, got %d", rec.Code)
	}
}
