package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/driver"
	"github.com/splax/sitekeeper/internal/git"
	"github.com/splax/sitekeeper/internal/health"
)

const ledgerWriteTimeout = 10 * time.Second

// attempt carries the mutable state of one run.
type attempt struct {
	site     domain.Site
	dep      domain.Deployment
	restore  domain.SiteStatus
	workdir  string
	drv      driver.Driver
	commit   git.Commit
	artifact domain.Artifact
	ptr      *domain.RuntimePointer
}

// stamp copies what the run has learned so far onto the ledger row.
func (a *attempt) stamp(d *domain.Deployment) {
	if a.commit.SHA != "" {
		d.CommitSHA = a.commit.SHA
		d.CommitMessage = a.commit.Message
	}
	if !a.artifact.Empty() {
		d.Artifact = a.artifact
	}
	if a.ptr != nil {
		ptr := *a.ptr
		d.NewRuntime = &ptr
	}
}

func (e *Engine) run(h *Handle, site domain.Site, dep domain.Deployment, restore domain.SiteStatus) {
	defer e.wg.Done()
	a := &attempt{site: site, dep: dep, restore: restore}
	err := e.execute(e.ctx, a)

	e.mu.Lock()
	delete(e.inflight, h.id)
	e.mu.Unlock()

	h.result = a.dep
	h.err = err
	e.metrics.DeploymentFinished(string(a.dep.Status))
	close(h.done)
}

func (e *Engine) execute(ctx context.Context, a *attempt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deployment panic: %v", r)
			e.logger.Error("deployment panic", "deployment_id", a.dep.ID, "panic", r)
			_ = e.fail(a, &domain.StageFailure{Stage: a.dep.Status, Err: err})
		}
	}()

	stages := []struct {
		next domain.DeploymentStatus
		fn   func(context.Context, *attempt) error
	}{
		{domain.DeploymentCloning, e.cloneStage},
		{domain.DeploymentBuilding, e.buildStage},
		{domain.DeploymentStarting, e.startStage},
		{domain.DeploymentHealthy, e.healthStage},
	}
	for _, st := range stages {
		if ctx.Err() != nil {
			return e.fail(a, &domain.StageFailure{Stage: a.dep.Status, Err: errors.New(interruptedMessage)})
		}
		if err := e.advance(a, st.next, a.stamp); err != nil {
			return e.fail(a, &domain.StageFailure{Stage: a.dep.Status, Err: err})
		}
		started := e.now()
		stageErr := st.fn(ctx, a)
		outcome := "ok"
		if stageErr != nil {
			outcome = "error"
		}
		e.metrics.ObserveStage(string(st.next), outcome, e.now().Sub(started))
		if stageErr != nil {
			if ctx.Err() != nil {
				stageErr = fmt.Errorf("%s: %w", interruptedMessage, stageErr)
			}
			return e.fail(a, &domain.StageFailure{Stage: st.next, Err: stageErr})
		}
	}
	return e.cutover(ctx, a)
}

// advance moves the ledger row forward under the site lock.
func (e *Engine) advance(a *attempt, next domain.DeploymentStatus, fn func(*domain.Deployment)) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), ledgerWriteTimeout)
	defer cancel()
	unlock, err := e.locks.Lock(ctx, a.site.ID)
	if err != nil {
		return err
	}
	defer unlock()
	return e.transitionLocked(ctx, a, next, fn)
}

func (e *Engine) transitionLocked(ctx context.Context, a *attempt, next domain.DeploymentStatus, fn func(*domain.Deployment)) error {
	updated, err := e.ledger.TransitionDeployment(ctx, a.dep.ID, next, fn)
	if err != nil {
		return fmt.Errorf("record %s: %w", next, err)
	}
	a.dep = *updated
	msg := string(next)
	if updated.ErrorMessage != "" && next.Terminal() {
		msg = updated.ErrorMessage
	}
	e.publish(a.site, a.dep, msg)
	e.appendLog(a.dep, domain.LogSourceSystem, levelFor(next), "deployment "+msg)
	e.logger.Info("deployment transition", "deployment_id", a.dep.ID, "site", a.site.Name, "status", next)
	return nil
}

func levelFor(status domain.DeploymentStatus) string {
	switch status {
	case domain.DeploymentFailed, domain.DeploymentRolledBack:
		return "error"
	}
	return "info"
}

func (e *Engine) cloneStage(ctx context.Context, a *attempt) error {
	if a.site.GitURL == "" {
		// passthrough sites may run straight from a directory on the host
		if a.site.OutputDir != "" {
			if info, err := os.Stat(a.site.OutputDir); err != nil || !info.IsDir() {
				return fmt.Errorf("working directory %s is missing", a.site.OutputDir)
			}
			a.workdir = a.site.OutputDir
			return nil
		}
		dir, err := e.workspaces.Prepare(a.site.ID, a.dep.ID)
		if err != nil {
			return err
		}
		a.workdir = dir
		return nil
	}

	dir, err := e.workspaces.Prepare(a.site.ID, a.dep.ID)
	if err != nil {
		return err
	}
	a.workdir = dir
	cloneCtx, cancel := context.WithTimeout(ctx, e.cfg.CloneTimeout)
	defer cancel()
	e.appendLog(a.dep, domain.LogSourceBuild, "info", fmt.Sprintf("cloning %s (%s)", a.site.GitURL, a.dep.Ref))
	commit, err := e.clone(cloneCtx, git.CloneOptions{URL: a.site.GitURL, Ref: a.dep.Ref, Dest: dir})
	if err != nil {
		return err
	}
	a.commit = commit
	return nil
}

func (e *Engine) buildStage(ctx context.Context, a *attempt) error {
	drv, err := e.drivers.Resolve(a.site, a.workdir)
	if err != nil {
		return err
	}
	a.drv = drv
	e.appendLog(a.dep, domain.LogSourceBuild, "info", "runtime: "+string(drv.Variant()))

	buildCtx, cancel := context.WithTimeout(ctx, e.cfg.BuildTimeout)
	defer cancel()
	artifact, err := drv.Build(buildCtx, driver.BuildRequest{
		Site:         a.site,
		DeploymentID: a.dep.ID,
		Workdir:      a.workdir,
		Log: func(level, line string) {
			e.appendLog(a.dep, domain.LogSourceBuild, level, line)
		},
	})
	if err != nil {
		if buildCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("build timed out after %s: %w", e.cfg.BuildTimeout, err)
		}
		return err
	}
	if artifact.Ref == "" {
		artifact.Ref = a.commit.SHA
	}
	a.artifact = artifact
	return nil
}

func (e *Engine) startStage(ctx context.Context, a *attempt) error {
	port, err := e.ports.Allocate()
	if err != nil {
		return fmt.Errorf("allocate port: %w", err)
	}
	startCtx, cancel := context.WithTimeout(ctx, e.cfg.StartTimeout)
	ptr, err := a.drv.Start(startCtx, driver.StartRequest{Site: a.site, Artifact: a.artifact, Port: port})
	cancel()
	if err != nil {
		e.ports.Release(port)
		return err
	}
	a.ptr = &ptr
	e.appendLog(a.dep, domain.LogSourceSystem, "info", "instance started: "+ptr.String())
	return nil
}

// healthStage gates cutover on the candidate answering its health path.
func (e *Engine) healthStage(ctx context.Context, a *attempt) error {
	port := a.ptr.Port
	healthCtx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	defer cancel()
	err := e.health.WaitHealthy(healthCtx, port, health.Policy{
		Path:             a.site.EffectiveHealthPath(),
		Interval:         e.cfg.HealthInterval,
		SuccessThreshold: e.cfg.HealthSuccessThreshold,
		FailureThreshold: e.cfg.HealthFailureThreshold,
		Deadline:         e.cfg.HealthTimeout,
	})
	if err != nil {
		return fmt.Errorf("health gate on port %d: %w", port, err)
	}
	return nil
}

// cutover swaps the registry pointer and the route to the new instance, drains, then
// retires the previous instance.
func (e *Engine) cutover(ctx context.Context, a *attempt) error {
	lockCtx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), ledgerWriteTimeout)
	defer cancel()
	unlock, err := e.locks.Lock(lockCtx, a.site.ID)
	if err != nil {
		return e.fail(a, &domain.StageFailure{Stage: a.dep.Status, Err: err})
	}
	if err := e.transitionLocked(lockCtx, a, domain.DeploymentSwitching, nil); err != nil {
		unlock()
		return e.fail(a, &domain.StageFailure{Stage: domain.DeploymentHealthy, Err: err})
	}

	prev, switchErr := e.switchLocked(lockCtx, a)
	if switchErr != nil {
		revertErr := e.revertLocked(lockCtx, a, prev)
		failure := &domain.CutoverFailure{Old: prev, New: a.ptr, Err: switchErr, RevertErr: revertErr}
		if revertErr != nil {
			// both pointers stay in the log; the new instance is left running for the operator
			e.logger.Error("cutover revert failed", "deployment_id", a.dep.ID, "site", a.site.Name,
				"old", prev.String(), "new", a.ptr.String(), "error", failure)
			msg := failure.Error()
			_ = e.transitionLocked(lockCtx, a, domain.DeploymentFailed, func(d *domain.Deployment) { d.ErrorMessage = msg })
			unlock()
			return failure
		}
		e.teardown(a)
		msg := failure.Error()
		_ = e.transitionLocked(lockCtx, a, domain.DeploymentRolledBack, func(d *domain.Deployment) { d.ErrorMessage = msg })
		unlock()
		e.cleanupWorkspace(a)
		return failure
	}
	unlock()

	e.appendLog(a.dep, domain.LogSourceSystem, "info", "traffic switched to "+a.ptr.String())
	if prev != nil && e.cfg.DrainGrace > 0 {
		select {
		case <-e.after(e.cfg.DrainGrace):
		case <-ctx.Done():
			// the new instance already serves; finish retiring the old one
		}
	}

	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(e.ctx), e.cfg.StopTimeout+ledgerWriteTimeout)
	defer cancelFinish()
	unlock, err = e.locks.Lock(finishCtx, a.site.ID)
	if err != nil {
		return err
	}
	defer unlock()
	if prev != nil && !prev.Equal(a.ptr) {
		e.stopInstance(finishCtx, a.site.ID, *prev)
	}
	now := e.now().UTC()
	if _, err := e.sites.MutateSite(finishCtx, a.site.ID, func(s *domain.Site) error {
		s.LastDeployedAt = &now
		return nil
	}); err != nil {
		e.logger.Warn("record last deployed failed", "site_id", a.site.ID, "error", err)
	}
	if err := e.transitionLocked(finishCtx, a, domain.DeploymentCompleted, func(d *domain.Deployment) { d.CompletedAt = &now }); err != nil {
		return err
	}
	if e.workspaces != nil {
		if err := e.workspaces.Prune(a.site.ID, a.dep.ID); err != nil {
			e.logger.Warn("prune workspaces failed", "site_id", a.site.ID, "error", err)
		}
	}
	return nil
}

// switchLocked points the registry and then the route at the new instance. It returns the
// pointer that was live before the switch.
func (e *Engine) switchLocked(ctx context.Context, a *attempt) (*domain.RuntimePointer, error) {
	var prev *domain.RuntimePointer
	current, err := e.sites.GetSiteByID(ctx, a.site.ID)
	if err != nil {
		return nil, err
	}
	if current.Runtime != nil {
		p := *current.Runtime
		prev = &p
	}
	updated, err := e.sites.MutateSite(ctx, a.site.ID, func(s *domain.Site) error {
		s.SetRuntime(*a.ptr)
		return nil
	})
	if err != nil {
		return prev, fmt.Errorf("update runtime pointer: %w", err)
	}
	a.site = *updated
	if err := e.router.SwitchRoute(a.site.Name, a.ptr.Port); err != nil {
		return prev, fmt.Errorf("switch route: %w", err)
	}
	return prev, nil
}

func (e *Engine) revertLocked(ctx context.Context, a *attempt, prev *domain.RuntimePointer) error {
	restore := a.restore
	if restore == "" {
		restore = domain.SiteStatusError
	}
	_, err := e.sites.MutateSite(ctx, a.site.ID, func(s *domain.Site) error {
		if prev != nil {
			s.SetRuntime(*prev)
		} else {
			s.ClearRuntime(restore)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore runtime pointer: %w", err)
	}
	if prev == nil {
		e.router.Remove(a.site.Name)
		return nil
	}
	if err := e.router.SwitchRoute(a.site.Name, prev.Port); err != nil {
		return fmt.Errorf("restore route: %w", err)
	}
	return nil
}

// fail tears the candidate down, restores the site status and records the failure.
func (e *Engine) fail(a *attempt, cause error) error {
	msg := cause.Error()
	var sf *domain.StageFailure
	if errors.As(cause, &sf) && strings.Contains(msg, interruptedMessage) {
		msg = interruptedMessage
	}
	e.logger.Error("deployment failed", "deployment_id", a.dep.ID, "site", a.site.Name, "stage", a.dep.Status, "error", cause)
	e.appendLog(a.dep, domain.LogSourceBuild, "error", cause.Error())

	e.teardown(a)
	e.cleanupWorkspace(a)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), ledgerWriteTimeout)
	defer cancel()
	unlock, err := e.locks.Lock(ctx, a.site.ID)
	if err != nil {
		e.logger.Error("lock for failure record", "deployment_id", a.dep.ID, "error", err)
		return cause
	}
	defer unlock()
	if a.restore != "" {
		if _, err := e.sites.MutateSite(ctx, a.site.ID, func(s *domain.Site) error {
			if s.Runtime == nil && s.Status == domain.SiteStatusBuilding {
				s.Status = a.restore
			}
			return nil
		}); err != nil {
			e.logger.Warn("restore site status failed", "site_id", a.site.ID, "error", err)
		}
	}
	if a.dep.Status.Terminal() {
		return cause
	}
	if err := e.transitionLocked(ctx, a, domain.DeploymentFailed, func(d *domain.Deployment) {
		a.stamp(d)
		d.ErrorMessage = msg
	}); err != nil {
		e.logger.Error("record failure", "deployment_id", a.dep.ID, "error", err)
	}
	return cause
}

// teardown stops the candidate instance and returns its port.
func (e *Engine) teardown(a *attempt) {
	if a.ptr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), e.cfg.StopTimeout)
	defer cancel()
	e.stopInstance(ctx, a.site.ID, *a.ptr)
	a.ptr = nil
}

func (e *Engine) stopInstance(ctx context.Context, siteID string, ptr domain.RuntimePointer) {
	drv, ok := e.drivers.For(ptr.Variant)
	if !ok {
		e.logger.Warn("no driver to stop instance", "site_id", siteID, "instance", ptr.String())
	} else if err := drv.Stop(ctx, siteID, ptr); err != nil {
		e.logger.Warn("stop instance failed", "site_id", siteID, "instance", ptr.String(), "error", err)
	}
	e.ports.Release(ptr.Port)
}

func (e *Engine) cleanupWorkspace(a *attempt) {
	if e.workspaces == nil || a.site.GitURL == "" && a.site.OutputDir != "" {
		return
	}
	if err := e.workspaces.CleanupDeployment(a.site.ID, a.dep.ID); err != nil {
		e.logger.Warn("cleanup workspace failed", "deployment_id", a.dep.ID, "error", err)
	}
}
