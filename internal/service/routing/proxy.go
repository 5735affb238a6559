package routing

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/repository"
)

const touchEvery = time.Second

// SiteReader resolves a host to its site and records traffic.
type SiteReader interface {
	GetSiteByName(ctx context.Context, name string) (*domain.Site, error)
	TouchSite(ctx context.Context, id string, at time.Time) error
}

// Waker brings a sleeping site back.
type Waker interface {
	Wake(ctx context.Context, siteID string) (domain.Site, error)
}

// WakeClassifier maps a wake error onto an HTTP status.
type WakeClassifier func(err error) int

// Proxy serves public traffic by Host header: <name><suffix>.
type Proxy struct {
	table    *Table
	sites    SiteReader
	waker    Waker
	suffix   string
	classify WakeClassifier
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	touched map[string]time.Time
}

// NewProxy constructs the public proxy. classify decides the status of failed wakes;
// nil maps everything to 503.
func NewProxy(table *Table, sites SiteReader, waker Waker, suffix string, classify WakeClassifier, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	if classify == nil {
		classify = func(error) int { return http.StatusServiceUnavailable }
	}
	suffix = strings.ToLower(strings.TrimSpace(suffix))
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	return &Proxy{
		table:    table,
		sites:    sites,
		waker:    waker,
		suffix:   suffix,
		classify: classify,
		logger:   logger.With("component", "proxy"),
		now:      time.Now,
		touched:  make(map[string]time.Time),
	}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, ok := p.siteName(r.Host)
	if !ok {
		http.NotFound(w, r)
		return
	}
	site, err := p.sites.GetSiteByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		p.logger.Error("resolve site failed", "site", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if site.Visibility == domain.VisibilityPrivate && !loopback(r.RemoteAddr) {
		http.NotFound(w, r)
		return
	}

	p.touch(site.ID)

	if site.Status == domain.SiteStatusSleeping {
		woken, err := p.waker.Wake(r.Context(), site.ID)
		if err != nil {
			status := p.classify(err)
			p.logger.Warn("wake failed", "site", name, "status", status, "error", err)
			if status == http.StatusServiceUnavailable || status == http.StatusConflict {
				w.Header().Set("Retry-After", "5")
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		site = &woken
	}

	proxy, ok := p.table.proxyFor(site.Name)
	if !ok {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "site is not running", http.StatusServiceUnavailable)
		return
	}
	r.Header.Set("X-Forwarded-Host", r.Host)
	proxy.ServeHTTP(w, r)
}

// siteName extracts the site name from a Host header.
func (p *Proxy) siteName(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if p.suffix != "" {
		if !strings.HasSuffix(host, p.suffix) {
			return "", false
		}
		host = strings.TrimSuffix(host, p.suffix)
	}
	if host == "" || strings.Contains(host, ".") {
		return "", false
	}
	return host, true
}

// touch records traffic at most once per second per site.
func (p *Proxy) touch(siteID string) {
	now := p.now()
	p.mu.Lock()
	last, seen := p.touched[siteID]
	if seen && now.Sub(last) < touchEvery {
		p.mu.Unlock()
		return
	}
	p.touched[siteID] = now
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.sites.TouchSite(ctx, siteID, now.UTC()); err != nil {
		p.logger.Debug("touch site failed", "site_id", siteID, "error", err)
	}
}

func loopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
