// Package supervisor owns the live table of process-backed site instances: it spawns them,
// probes them, restarts them with backoff after crashes and stops them on request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/events"
	"github.com/splax/sitekeeper/internal/metrics"
)

// ErrShuttingDown is returned by StartProcess after ShutdownAll.
var ErrShuttingDown = errors.New("supervisor: shutting down")

// Spec describes how to run one instance.
type Spec struct {
	SiteID     string
	SiteName   string
	Port       int
	Command    string
	Dir        string
	Env        []string
	HealthPath string
}

// Guard decides whether an instance that exited on its own should be started again.
type Guard interface {
	ShouldRevive(ctx context.Context, siteID string, port int) (bool, error)
}

// Locker serializes the revive decision with other writers of the same site.
type Locker interface {
	Lock(ctx context.Context, siteID string) (func(), error)
}

// Prober checks instance readiness.
type Prober interface {
	Probe(ctx context.Context, port int, path string) error
}

// LogSink receives process output.
type LogSink interface {
	Append(ctx context.Context, entry domain.LogEntry) error
}

// Config tunes health checking and restart behaviour.
type Config struct {
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	FailureThreshold int
	StartGrace       time.Duration
	StopTimeout      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	StableAfter      time.Duration
	SampleInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 3 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.StartGrace <= 0 {
		c.StartGrace = time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 2 * time.Minute
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 15 * time.Second
	}
	return c
}

type key struct {
	siteID string
	port   int
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	guard   Guard
	locker  Locker
	prober  Prober
	logs    LogSink
	events  events.Publisher
	metrics *metrics.Recorder

	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	onStatus func(siteID string, port int, status domain.ProcessStatus)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[key]*entry
	closed  bool
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithLogSink forwards process output to sink.
func WithLogSink(sink LogSink) Option { return func(s *Supervisor) { s.logs = sink } }

// WithEvents publishes crash and restart events.
func WithEvents(p events.Publisher) Option { return func(s *Supervisor) { s.events = events.OrNop(p) } }

// WithMetrics records restarts and samples.
func WithMetrics(m *metrics.Recorder) Option { return func(s *Supervisor) { s.metrics = m } }

// New constructs a Supervisor.
func New(cfg Config, guard Guard, locker Locker, prober Prober, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "supervisor"),
		guard:   guard,
		locker:  locker,
		prober:  prober,
		events:  events.Nop{},
		now:     time.Now,
		after:   time.After,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[key]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type entry struct {
	spec Spec

	mu                sync.Mutex
	status            domain.ProcessStatus
	cmd               *exec.Cmd
	pid               int
	gen               int
	exited            chan struct{}
	startedAt         time.Time
	restartCount      int
	healthChecks      int
	failedChecks      int
	consecutiveFailed int
	cpu               *float64
	mem               *uint64
	sampledAt         *time.Time
	lastExitErr       string
	nextRestartAt     *time.Time
	stopRequested     bool
	restarting        bool
	unhealthyKill     bool
	abort             chan struct{}
	abortOnce         sync.Once
	backoff           *backoff.ExponentialBackOff
	lastDelay         time.Duration
}

func (s *Supervisor) newEntry(spec Spec) *entry {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.MaxInterval = s.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &entry{
		spec:    spec,
		status:  domain.ProcessStarting,
		abort:   make(chan struct{}),
		backoff: b,
	}
}

func (e *entry) cancelPending() {
	e.abortOnce.Do(func() { close(e.abort) })
}

// StartProcess spawns an instance and begins health probing and exit watching.
// It returns false without error when a live entry already exists for the site and port.
func (s *Supervisor) StartProcess(ctx context.Context, spec Spec) (bool, error) {
	if spec.SiteID == "" || spec.Port <= 0 {
		return false, fmt.Errorf("supervisor: site id and port required")
	}
	if strings.TrimSpace(spec.Command) == "" {
		return false, fmt.Errorf("supervisor: empty command for site %s", spec.SiteID)
	}
	k := key{siteID: spec.SiteID, port: spec.Port}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrShuttingDown
	}
	if existing, ok := s.entries[k]; ok {
		existing.mu.Lock()
		live := existing.status != domain.ProcessFailed && existing.status != domain.ProcessStopped
		existing.mu.Unlock()
		if live {
			s.mu.Unlock()
			return false, nil
		}
		// crash-looped entry is replaced by a fresh one
		existing.mu.Lock()
		existing.stopRequested = true
		existing.mu.Unlock()
		existing.cancelPending()
	}
	e := s.newEntry(spec)
	s.entries[k] = e
	s.metrics.SupervisedEntries(len(s.entries))
	s.mu.Unlock()

	e.mu.Lock()
	err := s.launchLocked(e)
	e.mu.Unlock()
	if err != nil {
		s.remove(e)
		return false, err
	}
	s.logger.Info("process started", "site_id", spec.SiteID, "site", spec.SiteName, "port", spec.Port, "pid", e.pid)
	return true, nil
}

// launchLocked starts a new generation of e. Caller holds e.mu.
func (s *Supervisor) launchLocked(e *entry) error {
	cmd, err := buildCommand(e.spec)
	if err != nil {
		return err
	}
	cmd.Stdout = s.newLineWriter(e.spec, "info")
	cmd.Stderr = s.newLineWriter(e.spec, "error")
	cmd.WaitDelay = s.cfg.StopTimeout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", e.spec.Command, err)
	}
	e.gen++
	e.cmd = cmd
	e.pid = cmd.Process.Pid
	e.exited = make(chan struct{})
	e.startedAt = s.now()
	e.consecutiveFailed = 0
	e.restarting = false
	e.unhealthyKill = false
	e.nextRestartAt = nil
	e.cpu, e.mem, e.sampledAt = nil, nil, nil
	s.setStatusLocked(e, domain.ProcessStarting)

	s.wg.Add(2)
	go s.watch(e, cmd, e.gen, e.exited)
	go s.healthLoop(e, e.gen, e.exited)
	return nil
}

func buildCommand(spec Spec) (*exec.Cmd, error) {
	args, err := commandArgs(spec.Command)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(baseEnv(), spec.Env...)
	cmd.Env = append(cmd.Env, "PORT="+strconv.Itoa(spec.Port))
	setProcessGroup(cmd)
	return cmd, nil
}

func baseEnv() []string {
	var env []string
	for _, k := range []string{"PATH", "HOME", "LANG", "TMPDIR", "TZ"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func (s *Supervisor) setStatusLocked(e *entry, status domain.ProcessStatus) {
	e.status = status
	if s.onStatus != nil {
		s.onStatus(e.spec.SiteID, e.spec.Port, status)
	}
}

func (s *Supervisor) remove(e *entry) {
	k := key{siteID: e.spec.SiteID, port: e.spec.Port}
	s.mu.Lock()
	if current, ok := s.entries[k]; ok && current == e {
		delete(s.entries, k)
	}
	n := len(s.entries)
	s.mu.Unlock()
	s.metrics.SupervisedEntries(n)
	s.metrics.ProcessGone(e.spec.SiteName, strconv.Itoa(e.spec.Port))
}

func (s *Supervisor) siteEntries(siteID string) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entry
	for k, e := range s.entries {
		if k.siteID == siteID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Supervisor) lookup(siteID string, port int) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key{siteID: siteID, port: port}]
}

// StopProcess gracefully stops every instance of the site. It returns false when none existed.
func (s *Supervisor) StopProcess(ctx context.Context, siteID string) bool {
	entries := s.siteEntries(siteID)
	for _, e := range entries {
		s.stopEntry(e)
	}
	return len(entries) > 0
}

// StopInstance stops a single instance of a site.
func (s *Supervisor) StopInstance(ctx context.Context, siteID string, port int) bool {
	e := s.lookup(siteID, port)
	if e == nil {
		return false
	}
	s.stopEntry(e)
	return true
}

func (s *Supervisor) stopEntry(e *entry) {
	e.mu.Lock()
	e.stopRequested = true
	e.mu.Unlock()
	e.cancelPending()
	if err := s.terminate(e, s.cfg.StopTimeout); err != nil {
		s.logger.Warn("process did not stop cleanly", "site_id", e.spec.SiteID, "port", e.spec.Port, "error", err)
	}
	e.mu.Lock()
	s.setStatusLocked(e, domain.ProcessStopped)
	e.mu.Unlock()
	s.remove(e)
	s.logger.Info("process stopped", "site_id", e.spec.SiteID, "port", e.spec.Port)
}

// terminate signals the current generation and waits for it to exit, escalating to a
// kill after timeout.
func (s *Supervisor) terminate(e *entry, timeout time.Duration) error {
	e.mu.Lock()
	cmd, exited := e.cmd, e.exited
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil || exited == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	if err := signalTerm(cmd); err != nil {
		s.logger.Debug("term signal failed", "pid", cmd.Process.Pid, "error", err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	}
	if err := signalKill(cmd); err != nil {
		return fmt.Errorf("kill pid %d: %w", cmd.Process.Pid, err)
	}
	select {
	case <-exited:
		return fmt.Errorf("pid %d force-killed after %s", cmd.Process.Pid, timeout)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("pid %d did not exit after kill", cmd.Process.Pid)
	}
}

// RestartProcess stops and respawns every instance of the site with the same parameters.
func (s *Supervisor) RestartProcess(ctx context.Context, siteID string) bool {
	entries := s.siteEntries(siteID)
	for _, e := range entries {
		s.restartEntry(e)
	}
	return len(entries) > 0
}

// RestartInstance restarts the single instance of a site bound to port.
func (s *Supervisor) RestartInstance(ctx context.Context, siteID string, port int) bool {
	e := s.lookup(siteID, port)
	if e == nil {
		return false
	}
	s.restartEntry(e)
	return true
}

func (s *Supervisor) restartEntry(e *entry) {
	e.mu.Lock()
	e.restarting = true
	e.mu.Unlock()
	if err := s.terminate(e, s.cfg.StopTimeout); err != nil {
		s.logger.Warn("restart: stop failed", "site_id", e.spec.SiteID, "port", e.spec.Port, "error", err)
	}
	e.mu.Lock()
	if e.stopRequested {
		e.mu.Unlock()
		return
	}
	e.backoff.Reset()
	e.lastDelay = 0
	err := s.launchLocked(e)
	if err != nil {
		e.lastExitErr = err.Error()
		s.setStatusLocked(e, domain.ProcessFailed)
	} else {
		e.restartCount++
	}
	e.mu.Unlock()
	if err != nil {
		s.logger.Error("restart failed", "site_id", e.spec.SiteID, "port", e.spec.Port, "error", err)
		return
	}
	s.metrics.ProcessRestarted(e.spec.SiteName, "manual")
	s.logger.Info("process restarted", "site_id", e.spec.SiteID, "port", e.spec.Port, "reason", "manual")
}

// ShutdownAll stops every entry, force-killing whatever is still alive after timeout.
func (s *Supervisor) ShutdownAll(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.Unlock()
	s.cancel()

	var g errgroup.Group
	for _, e := range all {
		e := e
		g.Go(func() error {
			e.mu.Lock()
			e.stopRequested = true
			e.mu.Unlock()
			e.cancelPending()
			err := s.terminate(e, timeout)
			s.remove(e)
			if err != nil {
				return fmt.Errorf("site %s port %d: %w", e.spec.SiteID, e.spec.Port, err)
			}
			return nil
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("supervisor watchers still running after shutdown timeout")
	}
	s.logger.Info("supervisor shut down", "entries", len(all))
	return err
}

// Snapshot copies every entry, ordered by site then port.
func (s *Supervisor) Snapshot() []domain.ProcessSnapshot {
	s.mu.Lock()
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.Unlock()
	return s.snapshots(all)
}

// Get returns the entries of one site.
func (s *Supervisor) Get(siteID string) []domain.ProcessSnapshot {
	return s.snapshots(s.siteEntries(siteID))
}

func (s *Supervisor) snapshots(list []*entry) []domain.ProcessSnapshot {
	now := s.now()
	out := make([]domain.ProcessSnapshot, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		snap := domain.ProcessSnapshot{
			SiteID:            e.spec.SiteID,
			SiteName:          e.spec.SiteName,
			Port:              e.spec.Port,
			PID:               e.pid,
			Status:            e.status,
			StartedAt:         e.startedAt,
			RestartCount:      e.restartCount,
			HealthChecks:      e.healthChecks,
			FailedChecks:      e.failedChecks,
			ConsecutiveFailed: e.consecutiveFailed,
			CPUPercent:        e.cpu,
			MemoryBytes:       e.mem,
			LastSampledAt:     e.sampledAt,
			LastExitError:     e.lastExitErr,
			NextRestartAt:     e.nextRestartAt,
		}
		if e.status == domain.ProcessRunning || e.status == domain.ProcessStarting || e.status == domain.ProcessUnhealthy {
			snap.Uptime = now.Sub(e.startedAt)
		}
		e.mu.Unlock()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SiteName != out[j].SiteName {
			return out[i].SiteName < out[j].SiteName
		}
		return out[i].Port < out[j].Port
	})
	return out
}
