package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/splax/sitekeeper/internal/command"
	"github.com/splax/sitekeeper/internal/domain"
)

// Static builds a bundle on the host and serves it from an in-process file server.
type Static struct {
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]*staticServer
}

type staticServer struct {
	siteID string
	port   int
	srv    *http.Server
	done   chan struct{}
}

// NewStatic constructs the static-build driver.
func NewStatic(logger *slog.Logger) *Static {
	if logger == nil {
		logger = slog.Default()
	}
	return &Static{
		logger:  logger.With("component", "driver.static"),
		servers: make(map[string]*staticServer),
	}
}

// Variant implements Driver.
func (s *Static) Variant() domain.Variant { return domain.VariantStatic }

// Build runs the site's build command, if any, and locates the output directory.
func (s *Static) Build(ctx context.Context, req BuildRequest) (domain.Artifact, error) {
	buildCmd := strings.TrimSpace(req.Site.BuildCommand)
	if buildCmd == "" {
		if manifest, ok := loadPackageManifest(req.Workdir); ok && manifest.script("build") {
			pm := string(detectNodePackageManager(req.Workdir))
			buildCmd = defaultBuildCommand(req.Workdir) + " && " + pm + " run build"
		}
	}
	if buildCmd != "" {
		req.Log.info("$ %s", buildCmd)
		if err := command.Run(ctx, buildCmd, req.Workdir, buildEnv(req.Site), req.Log.stream()); err != nil {
			return domain.Artifact{}, err
		}
	}
	dir, err := staticOutputDir(req.Site, req.Workdir)
	if err != nil {
		return domain.Artifact{}, err
	}
	req.Log.info("publishing %s", dir)
	return domain.Artifact{Variant: domain.VariantStatic, Dir: dir}, nil
}

// Start serves the artifact directory on 127.0.0.1:port.
func (s *Static) Start(ctx context.Context, req StartRequest) (domain.RuntimePointer, error) {
	if info, err := os.Stat(req.Artifact.Dir); err != nil || !info.IsDir() {
		return domain.RuntimePointer{}, fmt.Errorf("static bundle %s is missing", req.Artifact.Dir)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(req.Port)))
	if err != nil {
		return domain.RuntimePointer{}, fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           staticHandler(req.Artifact.Dir),
		ReadHeaderTimeout: 10 * time.Second,
	}
	inst := &staticServer{siteID: req.Site.ID, port: req.Port, srv: srv, done: make(chan struct{})}
	id := "static-" + uuid.NewString()

	s.mu.Lock()
	s.servers[id] = inst
	s.mu.Unlock()

	go func() {
		defer close(inst.done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("static server stopped", "site_id", req.Site.ID, "port", req.Port, "error", err)
		}
		s.mu.Lock()
		if s.servers[id] == inst {
			delete(s.servers, id)
		}
		s.mu.Unlock()
	}()
	s.logger.Info("static site serving", "site_id", req.Site.ID, "port", req.Port, "dir", req.Artifact.Dir)
	return domain.RuntimePointer{Variant: domain.VariantStatic, InstanceID: id, Port: req.Port}, nil
}

// Stop gracefully shuts the instance's server down.
func (s *Static) Stop(ctx context.Context, _ string, ptr domain.RuntimePointer) error {
	s.mu.Lock()
	inst, ok := s.servers[ptr.InstanceID]
	delete(s.servers, ptr.InstanceID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := inst.srv.Shutdown(ctx); err != nil {
		_ = inst.srv.Close()
		return fmt.Errorf("shutdown static server: %w", err)
	}
	<-inst.done
	return nil
}

// Alive implements Driver.
func (s *Static) Alive(_ context.Context, _ string, ptr domain.RuntimePointer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.servers[ptr.InstanceID]
	return ok && inst.port == ptr.Port, nil
}

// Shutdown stops every static server.
func (s *Static) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make(map[string]*staticServer, len(s.servers))
	for id, inst := range s.servers {
		all[id] = inst
	}
	s.mu.Unlock()
	var errs []error
	for id, inst := range all {
		if err := s.Stop(ctx, inst.siteID, domain.RuntimePointer{InstanceID: id, Port: inst.port}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// staticHandler serves dir, answering unknown extensionless paths with index.html so
// client-side routers work.
func staticHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)
	r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
		clean := path.Clean("/" + req.URL.Path)
		target := filepath.Join(dir, filepath.FromSlash(clean))
		if _, err := os.Stat(target); err != nil && path.Ext(clean) == "" {
			http.ServeFile(w, req, filepath.Join(dir, "index.html"))
			return
		}
		files.ServeHTTP(w, req)
	})
	return r
}
