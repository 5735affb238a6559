// Package routing maps public site names to the loopback port of their live instance and
// fronts them with a host-based reverse proxy.
package routing

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
)

// ErrNoRoute is returned by Lookup for unknown names.
var ErrNoRoute = errors.New("routing: no route")

type route struct {
	port  int
	proxy *httputil.ReverseProxy
}

// Table is the in-process route table. Switching is an atomic pointer swap per name, so a
// request sees either the old or the new instance, never neither.
type Table struct {
	mu        sync.RWMutex
	routes    map[string]route
	transport http.RoundTripper
	onError   func(w http.ResponseWriter, r *http.Request, err error)
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		routes:    make(map[string]route),
		transport: http.DefaultTransport,
		onError: func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

// SwitchRoute points name at the instance on port. Repeating a switch is a no-op.
func (t *Table) SwitchRoute(siteName string, port int) error {
	name := normalize(siteName)
	if name == "" {
		return fmt.Errorf("routing: empty site name")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("routing: invalid port %d for %s", port, siteName)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.routes[name]; ok && cur.port == port {
		return nil
	}
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = t.transport
	proxy.ErrorHandler = t.onError
	t.routes[name] = route{port: port, proxy: proxy}
	return nil
}

// Remove drops the route for name.
func (t *Table) Remove(siteName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, normalize(siteName))
}

// Lookup returns the port currently serving name.
func (t *Table) Lookup(siteName string) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[normalize(siteName)]
	if !ok {
		return 0, ErrNoRoute
	}
	return r.port, nil
}

// Routes returns a copy of the table.
func (t *Table) Routes() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.routes))
	for name, r := range t.routes {
		out[name] = r.port
	}
	return out
}

func (t *Table) proxyFor(siteName string) (*httputil.ReverseProxy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[normalize(siteName)]
	return r.proxy, ok
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
