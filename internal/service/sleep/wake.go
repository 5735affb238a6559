package sleep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/driver"
	"github.com/splax/sitekeeper/internal/events"
	"github.com/splax/sitekeeper/internal/health"
	"github.com/splax/sitekeeper/internal/repository"
)

// Wake returns once the site has a healthy instance. Concurrent callers for the same site
// share one start attempt; each caller waits at most the wake timeout.
func (c *Coordinator) Wake(ctx context.Context, siteID string) (domain.Site, error) {
	site, err := c.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return domain.Site{}, err
	}
	switch {
	case site.Status == domain.SiteStatusRunning && site.Runtime != nil:
		return *site, nil
	case site.Status == domain.SiteStatusBuilding:
		return domain.Site{}, fmt.Errorf("%w: site %s is building", domain.ErrConcurrencyConflict, site.Name)
	case site.Status != domain.SiteStatusSleeping:
		return domain.Site{}, fmt.Errorf("%w: site %s is %s", ErrNotSleeping, site.Name, site.Status)
	}

	ch := c.group.DoChan(siteID, func() (any, error) {
		// detached so one impatient caller cannot abort the attempt for the rest
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WakeTimeout)
		defer cancel()
		return c.wake(wctx, siteID)
	})

	timer := time.NewTimer(c.cfg.WakeTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Site{}, res.Err
		}
		return res.Val.(domain.Site), nil
	case <-timer.C:
		return domain.Site{}, fmt.Errorf("%w: site %s after %s", ErrWakeTimeout, site.Name, c.cfg.WakeTimeout)
	case <-ctx.Done():
		return domain.Site{}, ctx.Err()
	}
}

func (c *Coordinator) wake(ctx context.Context, siteID string) (domain.Site, error) {
	started := c.now()
	site, artifact, err := c.prepareWake(ctx, siteID)
	if err != nil {
		c.metrics.SleepTransition("wake", outcome(err))
		return domain.Site{}, err
	}
	if site.Status == domain.SiteStatusRunning {
		return site, nil
	}

	drv, ok := c.drivers.For(artifact.Variant)
	if !ok {
		return domain.Site{}, fmt.Errorf("no driver for %s", artifact.Variant)
	}
	port, err := c.ports.Allocate()
	if err != nil {
		return domain.Site{}, fmt.Errorf("allocate port: %w", err)
	}
	ptr, err := drv.Start(ctx, driver.StartRequest{Site: site, Artifact: artifact, Port: port})
	if err != nil {
		c.ports.Release(port)
		c.metrics.SleepTransition("wake", "error")
		return domain.Site{}, fmt.Errorf("start %s: %w", site.Name, err)
	}
	err = c.health.WaitHealthy(ctx, port, health.Policy{
		Path:             site.EffectiveHealthPath(),
		Interval:         c.cfg.HealthInterval,
		SuccessThreshold: c.cfg.HealthSuccessThreshold,
		Deadline:         c.cfg.WakeTimeout,
	})
	if err != nil {
		c.stop(ctx, siteID, ptr)
		c.metrics.SleepTransition("wake", outcome(err))
		return domain.Site{}, fmt.Errorf("wake %s: %w", site.Name, err)
	}

	woken, err := c.commitWake(ctx, siteID, ptr)
	if err != nil {
		c.stop(ctx, siteID, ptr)
		c.metrics.SleepTransition("wake", outcome(err))
		return domain.Site{}, err
	}
	c.metrics.SleepTransition("wake", "ok")
	c.metrics.ObserveWake(c.now().Sub(started))
	c.publish(woken, events.TypeSiteWoken, "instance "+ptr.String())
	c.logger.Info("site woken", "site", woken.Name, "instance", ptr.String(), "took", c.now().Sub(started).Round(time.Millisecond))
	return woken, nil
}

// prepareWake re-checks the site under its lock and finds the artifact to relaunch.
func (c *Coordinator) prepareWake(ctx context.Context, siteID string) (domain.Site, domain.Artifact, error) {
	unlock, err := c.locks.Lock(ctx, siteID)
	if err != nil {
		return domain.Site{}, domain.Artifact{}, err
	}
	defer unlock()
	site, err := c.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return domain.Site{}, domain.Artifact{}, err
	}
	if site.Status == domain.SiteStatusRunning && site.Runtime != nil {
		return *site, domain.Artifact{}, nil
	}
	if site.Status != domain.SiteStatusSleeping {
		return domain.Site{}, domain.Artifact{}, fmt.Errorf("%w: site %s is %s", ErrNotSleeping, site.Name, site.Status)
	}
	if err := c.checkNoDeployment(ctx, site); err != nil {
		return domain.Site{}, domain.Artifact{}, err
	}
	latest, err := c.ledger.GetLatestCompletedDeployment(ctx, siteID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && latest.Artifact.Empty()) {
		return domain.Site{}, domain.Artifact{}, fmt.Errorf("%w: %s", ErrNothingToWake, site.Name)
	}
	if err != nil {
		return domain.Site{}, domain.Artifact{}, fmt.Errorf("latest deployment: %w", err)
	}
	return *site, latest.Artifact, nil
}

// commitWake points the registry and route at the woken instance if nothing changed while
// it was starting.
func (c *Coordinator) commitWake(ctx context.Context, siteID string, ptr domain.RuntimePointer) (domain.Site, error) {
	unlock, err := c.locks.Lock(ctx, siteID)
	if err != nil {
		return domain.Site{}, err
	}
	defer unlock()
	site, err := c.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return domain.Site{}, err
	}
	if site.Status != domain.SiteStatusSleeping {
		return domain.Site{}, fmt.Errorf("%w: site %s became %s during wake", domain.ErrConcurrencyConflict, site.Name, site.Status)
	}
	if err := c.checkNoDeployment(ctx, site); err != nil {
		return domain.Site{}, err
	}
	now := c.now().UTC()
	updated, err := c.sites.MutateSite(ctx, siteID, func(s *domain.Site) error {
		s.SetRuntime(ptr)
		s.LastRequestAt = &now
		return nil
	})
	if err != nil {
		return domain.Site{}, fmt.Errorf("record wake: %w", err)
	}
	if err := c.router.SwitchRoute(updated.Name, ptr.Port); err != nil {
		if _, rerr := c.sites.MutateSite(ctx, siteID, func(s *domain.Site) error {
			s.ClearRuntime(domain.SiteStatusSleeping)
			return nil
		}); rerr != nil {
			c.logger.Error("revert wake failed", "site", updated.Name, "error", rerr)
		}
		return domain.Site{}, fmt.Errorf("route %s: %w", updated.Name, err)
	}
	return *updated, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, health.ErrUnhealthy):
		return "timeout"
	default:
		return "error"
	}
}
