package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/sitekeeper/internal/command"
	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/supervisor"
)

// ProcessTable is the part of the supervisor that process drivers delegate to.
type ProcessTable interface {
	StartProcess(ctx context.Context, spec supervisor.Spec) (bool, error)
	StopInstance(ctx context.Context, siteID string, port int) bool
	Get(siteID string) []domain.ProcessSnapshot
}

// Process runs a site as a supervised OS process. The managed variant infers build and
// start commands; the passthrough variant runs exactly what the site record says.
type Process struct {
	variant     domain.Variant
	procs       ProcessTable
	storageRoot string
	logger      *slog.Logger
}

// NewManagedProcess constructs the managed-process driver. Persistent storage lives under
// storageRoot/<site>.
func NewManagedProcess(procs ProcessTable, storageRoot string, logger *slog.Logger) *Process {
	return newProcess(domain.VariantProcess, procs, storageRoot, logger)
}

// NewPassthrough constructs the passthrough-process driver.
func NewPassthrough(procs ProcessTable, storageRoot string, logger *slog.Logger) *Process {
	return newProcess(domain.VariantPassthrough, procs, storageRoot, logger)
}

func newProcess(variant domain.Variant, procs ProcessTable, storageRoot string, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		variant:     variant,
		procs:       procs,
		storageRoot: storageRoot,
		logger:      logger.With("component", "driver."+string(variant)),
	}
}

// Variant implements Driver.
func (p *Process) Variant() domain.Variant { return p.variant }

// Build runs the install or compile step and records the start command.
func (p *Process) Build(ctx context.Context, req BuildRequest) (domain.Artifact, error) {
	buildCmd := strings.TrimSpace(req.Site.BuildCommand)
	startCmd := strings.TrimSpace(req.Site.StartCommand)
	if p.variant == domain.VariantProcess {
		if buildCmd == "" {
			buildCmd = defaultBuildCommand(req.Workdir)
		}
		if startCmd == "" {
			startCmd = defaultStartCommand(req.Workdir)
		}
	}
	if startCmd == "" {
		return domain.Artifact{}, &domain.ConfigurationError{SiteID: req.Site.ID, Field: "start_command", Reason: "no start command configured or detected"}
	}
	if buildCmd != "" {
		req.Log.info("$ %s", buildCmd)
		if err := command.Run(ctx, buildCmd, req.Workdir, buildEnv(req.Site), req.Log.stream()); err != nil {
			return domain.Artifact{}, err
		}
	}
	return domain.Artifact{Variant: p.variant, Dir: req.Workdir, Command: startCmd}, nil
}

// Start hands the artifact to the supervisor on the given port.
func (p *Process) Start(ctx context.Context, req StartRequest) (domain.RuntimePointer, error) {
	if req.Artifact.Command == "" {
		return domain.RuntimePointer{}, fmt.Errorf("artifact has no start command")
	}
	if info, err := os.Stat(req.Artifact.Dir); err != nil || !info.IsDir() {
		return domain.RuntimePointer{}, fmt.Errorf("working directory %s is missing", req.Artifact.Dir)
	}
	env := siteEnv(req.Site)
	if req.Site.PersistentStorage && p.storageRoot != "" {
		dataDir := filepath.Join(p.storageRoot, sanitizeName(req.Site.Name))
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return domain.RuntimePointer{}, fmt.Errorf("create data dir: %w", err)
		}
		env = append(env, "DATA_DIR="+dataDir)
	}
	started, err := p.procs.StartProcess(ctx, supervisor.Spec{
		SiteID:     req.Site.ID,
		SiteName:   req.Site.Name,
		Port:       req.Port,
		Command:    req.Artifact.Command,
		Dir:        req.Artifact.Dir,
		Env:        env,
		HealthPath: req.Site.EffectiveHealthPath(),
	})
	if err != nil {
		return domain.RuntimePointer{}, err
	}
	if !started {
		return domain.RuntimePointer{}, fmt.Errorf("an instance of %s is already running on port %d", req.Site.Name, req.Port)
	}
	return domain.RuntimePointer{Variant: p.variant, InstanceID: fmt.Sprintf("%s@%d", sanitizeName(req.Site.Name), req.Port), Port: req.Port}, nil
}

// Stop implements Driver.
func (p *Process) Stop(ctx context.Context, siteID string, ptr domain.RuntimePointer) error {
	p.procs.StopInstance(ctx, siteID, ptr.Port)
	return nil
}

// Alive reports whether the supervisor holds a live entry for the instance.
func (p *Process) Alive(_ context.Context, siteID string, ptr domain.RuntimePointer) (bool, error) {
	for _, snap := range p.procs.Get(siteID) {
		if snap.Port != ptr.Port {
			continue
		}
		switch snap.Status {
		case domain.ProcessStarting, domain.ProcessRunning, domain.ProcessUnhealthy:
			return true, nil
		}
	}
	return false, nil
}
