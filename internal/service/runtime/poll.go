package runtime

import (
	"context"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
)

// Serve polls container-backed sites and prunes old logs until ctx is cancelled.
func (r *Reconciler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("runtime reconciler started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runtime reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reconciler) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	sites, err := r.sites.ListSites(ctx)
	if err != nil {
		r.logger.Warn("failed to list sites", "error", err)
	} else {
		for _, site := range sites {
			r.checkContainer(ctx, site)
		}
	}
	r.pruneLogs(ctx)
}

// checkContainer flags running container sites whose container disappeared. Process
// instances are watched by the supervisor and static servers live in this process.
func (r *Reconciler) checkContainer(ctx context.Context, site domain.Site) {
	if site.Status != domain.SiteStatusRunning || site.Runtime == nil || site.Runtime.Variant != domain.VariantContainer {
		return
	}
	ptr := *site.Runtime
	if r.alive(ctx, site.ID, ptr) {
		return
	}
	if err := r.markError(ctx, site, &ptr, "container "+ptr.InstanceID+" is not running"); err != nil {
		r.logger.Warn("mark dead container failed", "site", site.Name, "error", err)
		return
	}
	r.ports.Release(ptr.Port)
}

func (r *Reconciler) pruneLogs(ctx context.Context) {
	if r.logs == nil || r.logRetention <= 0 {
		return
	}
	n, err := r.logs.PruneLogsBefore(ctx, r.now().Add(-r.logRetention))
	if err != nil {
		r.logger.Warn("prune logs failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("pruned logs", "rows", n)
	}
}
