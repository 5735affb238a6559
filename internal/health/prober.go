// Package health implements readiness probing of site instances.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnhealthy is returned when an instance does not become ready within its policy.
var ErrUnhealthy = errors.New("health: instance not ready")

// Policy controls WaitHealthy.
type Policy struct {
	Path             string
	Interval         time.Duration
	AttemptTimeout   time.Duration
	SuccessThreshold int
	// FailureThreshold ends the wait after that many failed probes; zero waits until Deadline.
	FailureThreshold int
	Deadline         time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Path == "" {
		p.Path = "/"
	}
	if p.Interval <= 0 {
		p.Interval = 500 * time.Millisecond
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 2 * time.Second
	}
	if p.SuccessThreshold <= 0 {
		p.SuccessThreshold = 1
	}
	if p.Deadline <= 0 {
		p.Deadline = 30 * time.Second
	}
	return p
}

// Prober issues HTTP readiness probes against loopback ports.
type Prober struct {
	client *http.Client
	host   string
}

// NewProber returns a Prober targeting 127.0.0.1.
func NewProber() *Prober {
	return &Prober{
		client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		host: "127.0.0.1",
	}
}

// Probe performs one GET; any response below 500 counts as ready.
func (p *Prober) Probe(ctx context.Context, port int, path string) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("http://%s:%d%s", p.host, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	req.Header.Set("User-Agent", "sitekeeper-health")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls until SuccessThreshold consecutive probes pass, or fails once the
// failure budget or deadline is exhausted.
func (p *Prober) WaitHealthy(ctx context.Context, port int, policy Policy) error {
	policy = policy.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, policy.Deadline)
	defer cancel()

	var (
		successes int
		failures  int
		lastErr   error
	)
	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		attemptCtx, attemptCancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		err := p.Probe(attemptCtx, port, policy.Path)
		attemptCancel()
		if err == nil {
			successes++
			if successes >= policy.SuccessThreshold {
				return nil
			}
		} else {
			successes = 0
			failures++
			lastErr = err
			if policy.FailureThreshold > 0 && failures >= policy.FailureThreshold {
				return fmt.Errorf("%w after %d failed probes: %v", ErrUnhealthy, failures, lastErr)
			}
		}
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return fmt.Errorf("%w on port %d: %v", ErrUnhealthy, port, lastErr)
		case <-ticker.C:
		}
	}
}
