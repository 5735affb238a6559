package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/splax/sitekeeper/internal/command"
	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/events"
)

func commandArgs(line string) ([]string, error) {
	return command.Args(line)
}

// watch waits for one generation to exit and decides what happens next.
func (s *Supervisor) watch(e *entry, cmd *exec.Cmd, gen int, exited chan struct{}) {
	defer s.wg.Done()
	waitErr := cmd.Wait()
	close(exited)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("exit watcher panic", "site_id", e.spec.SiteID, "port", e.spec.Port, "panic", r)
		}
	}()
	s.handleExit(e, gen, waitErr)
}

func (s *Supervisor) handleExit(e *entry, gen int, waitErr error) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	if e.stopRequested {
		s.setStatusLocked(e, domain.ProcessStopped)
		e.mu.Unlock()
		return
	}
	if e.restarting {
		e.mu.Unlock()
		return
	}
	reason := "crash"
	if e.unhealthyKill {
		reason = "unhealthy"
	}
	e.lastExitErr = describeExit(waitErr)
	uptime := s.now().Sub(e.startedAt)
	if uptime >= s.cfg.StableAfter {
		e.backoff.Reset()
		e.lastDelay = 0
	}
	s.setStatusLocked(e, domain.ProcessFailed)
	exitMsg := e.lastExitErr
	prevDelay := e.lastDelay
	e.mu.Unlock()

	s.logger.Warn("process exited unexpectedly",
		"site_id", e.spec.SiteID, "site", e.spec.SiteName, "port", e.spec.Port,
		"reason", reason, "exit", exitMsg, "uptime", uptime.Round(time.Millisecond))
	s.metrics.ProcessCrashed(e.spec.SiteName)
	s.publish(e, events.TypeProcessCrashed, exitMsg)
	s.appendLog(e, "error", fmt.Sprintf("process exited (%s): %s", reason, exitMsg))

	if prevDelay >= s.cfg.BackoffMax {
		e.mu.Lock()
		restarts := e.restartCount
		e.mu.Unlock()
		loopErr := &domain.CrashLoopError{SiteID: e.spec.SiteID, Port: e.spec.Port, Restarts: restarts, Err: errors.New(exitMsg)}
		s.logger.Error("process crash loop; leaving failed", "site_id", e.spec.SiteID, "port", e.spec.Port, "error", loopErr)
		s.publish(e, events.TypeProcessCrashLoop, loopErr.Error())
		s.appendLog(e, "error", "restart backoff exhausted; process left failed until restarted by an operator")
		return
	}
	s.scheduleRestart(e, gen, reason)
}

// scheduleRestart waits out the backoff delay then revives the entry if the registry still
// points at it.
func (s *Supervisor) scheduleRestart(e *entry, gen int, reason string) {
	e.mu.Lock()
	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.cfg.BackoffMax
	}
	e.lastDelay = delay
	at := s.now().Add(delay)
	e.nextRestartAt = &at
	abort := e.abort
	e.mu.Unlock()

	s.logger.Info("restart scheduled", "site_id", e.spec.SiteID, "port", e.spec.Port, "delay", delay, "reason", reason)
	select {
	case <-s.after(delay):
	case <-abort:
		return
	case <-s.ctx.Done():
		return
	}

	unlock, err := s.locker.Lock(s.ctx, e.spec.SiteID)
	if err != nil {
		return
	}
	relaunched, launchErr := s.reviveLocked(e, gen)
	unlock()

	switch {
	case launchErr != nil:
		s.logger.Error("restart failed", "site_id", e.spec.SiteID, "port", e.spec.Port, "error", launchErr)
		// a failed spawn counts as an immediate crash of the new attempt
		s.handleExit(e, gen, launchErr)
	case relaunched:
		e.mu.Lock()
		count := e.restartCount
		e.mu.Unlock()
		s.metrics.ProcessRestarted(e.spec.SiteName, reason)
		s.publish(e, events.TypeProcessRestarted, fmt.Sprintf("restart #%d after %s", count, reason))
		s.logger.Info("process restarted", "site_id", e.spec.SiteID, "port", e.spec.Port, "restart_count", count, "reason", reason)
	}
}

// reviveLocked runs under the site lock. It consults the guard and spawns the next
// generation when the registry still references this instance.
func (s *Supervisor) reviveLocked(e *entry, gen int) (bool, error) {
	e.mu.Lock()
	stale := e.gen != gen || e.stopRequested || e.status != domain.ProcessFailed
	e.mu.Unlock()
	if stale {
		return false, nil
	}

	if s.guard != nil {
		checkCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		revive, err := s.guard.ShouldRevive(checkCtx, e.spec.SiteID, e.spec.Port)
		cancel()
		if err != nil {
			s.logger.Warn("revive check failed; not restarting", "site_id", e.spec.SiteID, "port", e.spec.Port, "error", err)
		}
		if err != nil || !revive {
			s.logger.Info("instance no longer referenced; not restarting", "site_id", e.spec.SiteID, "port", e.spec.Port)
			e.mu.Lock()
			s.setStatusLocked(e, domain.ProcessStopped)
			e.mu.Unlock()
			s.remove(e)
			return false, nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.launchLocked(e); err != nil {
		e.lastExitErr = err.Error()
		e.startedAt = s.now()
		return false, err
	}
	e.restartCount++
	return true, nil
}

// healthLoop probes one generation until it exits. Too many consecutive failures mark it
// unhealthy and terminate it so the exit path restarts it.
func (s *Supervisor) healthLoop(e *entry, gen int, exited <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-exited:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HealthTimeout)
		err := s.prober.Probe(ctx, e.spec.Port, e.spec.HealthPath)
		cancel()

		e.mu.Lock()
		if e.gen != gen || e.stopRequested || e.restarting {
			e.mu.Unlock()
			return
		}
		e.healthChecks++
		kill := false
		if err == nil {
			e.consecutiveFailed = 0
			if e.status == domain.ProcessStarting || e.status == domain.ProcessUnhealthy {
				s.setStatusLocked(e, domain.ProcessRunning)
			}
		} else {
			e.failedChecks++
			// a booting instance is not judged until it answers once or StartGrace passes
			if e.status == domain.ProcessStarting && s.now().Sub(e.startedAt) < s.cfg.StartGrace {
				e.mu.Unlock()
				continue
			}
			e.consecutiveFailed++
			if e.consecutiveFailed > s.cfg.FailureThreshold && e.status != domain.ProcessUnhealthy {
				s.setStatusLocked(e, domain.ProcessUnhealthy)
				e.unhealthyKill = true
				kill = true
			}
		}
		failures := e.consecutiveFailed
		e.mu.Unlock()

		if kill {
			s.logger.Warn("process unhealthy; recycling", "site_id", e.spec.SiteID, "port", e.spec.Port, "consecutive_failures", failures, "error", err)
			if termErr := s.terminate(e, s.cfg.StopTimeout); termErr != nil {
				s.logger.Warn("unhealthy process did not stop cleanly", "site_id", e.spec.SiteID, "error", termErr)
			}
			return
		}
	}
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.String()
	}
	return err.Error()
}

func (s *Supervisor) publish(e *entry, typ, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.events.Publish(ctx, events.Event{
		Type:       typ,
		SiteID:     e.spec.SiteID,
		SiteName:   e.spec.SiteName,
		Message:    msg,
		Attributes: map[string]string{"port": strconv.Itoa(e.spec.Port)},
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Debug("publish event failed", "type", typ, "error", err)
	}
}

func (s *Supervisor) appendLog(e *entry, level, msg string) {
	if s.logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.logs.Append(ctx, domain.LogEntry{
		SiteID:  e.spec.SiteID,
		Source:  domain.LogSourceSystem,
		Level:   level,
		Message: msg,
	})
}
