package supervisor

import (
	"context"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/splax/sitekeeper/internal/domain"
)

type sampleTarget struct {
	e   *entry
	pid int
}

// Serve samples CPU and resident memory of every live process until ctx is done.
func (s *Supervisor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()
	procs := map[int]*process.Process{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sampleOnce(ctx, procs)
		}
	}
}

// sampleOnce never holds the table lock while talking to the OS.
func (s *Supervisor) sampleOnce(ctx context.Context, procs map[int]*process.Process) {
	s.mu.Lock()
	targets := make([]sampleTarget, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		if e.pid > 0 && e.cmd != nil && e.status != domain.ProcessFailed && e.status != domain.ProcessStopped {
			targets = append(targets, sampleTarget{e: e, pid: e.pid})
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()

	seen := make(map[int]bool, len(targets))
	for _, t := range targets {
		seen[t.pid] = true
		proc, ok := procs[t.pid]
		if !ok {
			var err error
			proc, err = process.NewProcessWithContext(ctx, int32(t.pid))
			if err != nil {
				continue
			}
			procs[t.pid] = proc
		}
		sampleCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		cpu, cpuErr := proc.PercentWithContext(sampleCtx, 0)
		mem, memErr := proc.MemoryInfoWithContext(sampleCtx)
		cancel()
		if cpuErr != nil && memErr != nil {
			s.logger.Debug("sample failed", "pid", t.pid, "error", cpuErr)
			continue
		}
		now := s.now()

		t.e.mu.Lock()
		if t.e.pid != t.pid {
			t.e.mu.Unlock()
			continue
		}
		if cpuErr == nil {
			c := cpu
			t.e.cpu = &c
		}
		if memErr == nil && mem != nil {
			rss := mem.RSS
			t.e.mem = &rss
		}
		t.e.sampledAt = &now
		site, port := t.e.spec.SiteName, strconv.Itoa(t.e.spec.Port)
		var cpuVal float64
		var rssVal uint64
		if t.e.cpu != nil {
			cpuVal = *t.e.cpu
		}
		if t.e.mem != nil {
			rssVal = *t.e.mem
		}
		t.e.mu.Unlock()
		s.metrics.ProcessSample(site, port, cpuVal, rssVal)
	}
	for pid := range procs {
		if !seen[pid] {
			delete(procs, pid)
		}
	}
}
