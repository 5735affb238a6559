package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/thejerf/suture/v4"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/splax/sitekeeper/internal/app/migrate"
	"github.com/splax/sitekeeper/internal/docker"
	"github.com/splax/sitekeeper/internal/driver"
	"github.com/splax/sitekeeper/internal/events"
	"github.com/splax/sitekeeper/internal/git"
	"github.com/splax/sitekeeper/internal/health"
	httpx "github.com/splax/sitekeeper/internal/http"
	"github.com/splax/sitekeeper/internal/metrics"
	"github.com/splax/sitekeeper/internal/ports"
	"github.com/splax/sitekeeper/internal/repository/sqlite"
	"github.com/splax/sitekeeper/internal/service/deploy"
	"github.com/splax/sitekeeper/internal/service/logs"
	"github.com/splax/sitekeeper/internal/service/routing"
	runtimectl "github.com/splax/sitekeeper/internal/service/runtime"
	"github.com/splax/sitekeeper/internal/service/site"
	"github.com/splax/sitekeeper/internal/service/sleep"
	"github.com/splax/sitekeeper/internal/service/webhook"
	"github.com/splax/sitekeeper/internal/sitelock"
	"github.com/splax/sitekeeper/internal/supervisor"
	"github.com/splax/sitekeeper/internal/workspace"
	"github.com/splax/sitekeeper/internal/ws"
	"github.com/splax/sitekeeper/pkg/config"
	"github.com/splax/sitekeeper/pkg/crypto"
	"github.com/splax/sitekeeper/pkg/logger"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the orchestrator: operator API, public proxy and background loops",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "operator API listen address (overrides API_ADDR)"},
			&cli.StringFlag{Name: "proxy-addr", Usage: "public proxy listen address (overrides PROXY_ADDR)"},
			&cli.StringFlag{Name: "data-dir", Usage: "state directory (overrides DATA_DIR)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides LOG_LEVEL)"},
			&cli.StringSliceFlag{Name: "env-file", Value: []string{".env"}, Usage: "dotenv files loaded before reading the environment"},
		},
		Action: runServe,
	}
}

func loadConfig(cmd *cli.Command) (config.ServerConfig, error) {
	if err := config.LoadDotEnv(cmd.StringSlice("env-file")...); err != nil {
		return config.ServerConfig{}, err
	}
	if dir := cmd.String("data-dir"); dir != "" {
		// derived paths follow the data dir unless set explicitly
		if err := os.Setenv("DATA_DIR", dir); err != nil {
			return config.ServerConfig{}, err
		}
	}
	cfg := config.LoadServerConfig()
	if addr := cmd.String("addr"); addr != "" {
		cfg.Addr = addr
	}
	if addr := cmd.String("proxy-addr"); addr != "" {
		cfg.ProxyAddr = addr
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return config.ServerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.New("sitekeeper", level)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	runner, err := migrate.New(sqlDB, sqlite.Migrations(), log)
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	var cipher *crypto.EnvCipher
	if cfg.EnvEncryptionKey != "" {
		if cipher, err = crypto.NewEnvCipher(cfg.EnvEncryptionKey); err != nil {
			return fmt.Errorf("env cipher: %w", err)
		}
	} else {
		log.Warn("ENV_ENCRYPTION_KEY not set; site environment stored unencrypted")
	}
	repo := sqlite.New(db, cipher)
	defer repo.Close()

	publisher, closeEvents, err := buildPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer closeEvents()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry)

	hub := ws.NewHub()
	defer hub.Close()
	logSvc := logs.New(repo, hub, log)

	locks := sitelock.New()
	prober := health.NewProber()
	pool, err := ports.NewPool(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return err
	}
	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return err
	}
	table := routing.NewTable()

	procs := supervisor.New(supervisor.Config{
		HealthInterval:   cfg.SupervisorHealthInterval,
		HealthTimeout:    5 * time.Second,
		FailureThreshold: cfg.SupervisorFailures,
		StartGrace:       cfg.StartTimeout + cfg.HealthTimeout,
		StopTimeout:      cfg.SupervisorStopTimeout,
		BackoffBase:      cfg.RestartBackoffBase,
		BackoffMax:       cfg.RestartBackoffMax,
		StableAfter:      cfg.RestartStableAfter,
		SampleInterval:   cfg.SampleInterval,
	}, supervisor.NewRegistryGuard(repo), locks, prober, log,
		supervisor.WithLogSink(logSvc),
		supervisor.WithEvents(publisher),
		supervisor.WithMetrics(recorder),
	)

	static := driver.NewStatic(log)
	storageRoot := filepath.Join(cfg.DataDir, "storage")
	drivers := []driver.Driver{
		static,
		driver.NewManagedProcess(procs, storageRoot, log),
		driver.NewPassthrough(procs, storageRoot, log),
	}
	if cfg.DockerEnabled {
		if dockerClient, err := docker.Connect(ctx, cfg.DockerHost, 5*time.Second); err != nil {
			log.Warn("docker unavailable; container runtime disabled", "error", err)
		} else {
			defer dockerClient.Close()
			drivers = append(drivers, driver.NewContainer(dockerClient, cfg.SupervisorStopTimeout, log))
		}
	}
	driverSet := driver.NewSet(drivers...)

	engine := deploy.New(deploy.Config{
		CloneTimeout:           cfg.CloneTimeout,
		BuildTimeout:           cfg.BuildTimeout,
		StartTimeout:           cfg.StartTimeout,
		HealthTimeout:          cfg.HealthTimeout,
		HealthInterval:         cfg.HealthInterval,
		HealthSuccessThreshold: cfg.HealthSuccessThreshold,
		HealthFailureThreshold: cfg.HealthFailureThreshold,
		DrainGrace:             cfg.DrainGrace,
		StopTimeout:            cfg.SupervisorStopTimeout,
	}, deploy.Deps{
		Sites:      repo,
		Ledger:     repo,
		Drivers:    driverSet,
		Workspaces: workspaces,
		Health:     prober,
		Router:     table,
		Locks:      locks,
		Ports:      pool,
	}, log,
		deploy.WithCloner(git.Clone),
		deploy.WithLogSink(logSvc),
		deploy.WithEvents(publisher),
		deploy.WithMetrics(recorder),
	)

	sleeper := sleep.New(sleep.Config{
		SweepInterval:          cfg.SleepSweepInterval,
		DefaultSleepAfter:      cfg.SleepDefaultAfter,
		WakeTimeout:            cfg.WakeTimeout,
		HealthInterval:         cfg.HealthInterval,
		HealthSuccessThreshold: cfg.HealthSuccessThreshold,
		StopTimeout:            cfg.SupervisorStopTimeout,
	}, sleep.Deps{
		Sites:   repo,
		Ledger:  repo,
		Drivers: driverSet,
		Health:  prober,
		Router:  table,
		Locks:   locks,
		Ports:   pool,
	}, log,
		sleep.WithEvents(publisher),
		sleep.WithMetrics(recorder),
	)

	reconciler := runtimectl.New(runtimectl.Config{
		Interval:      cfg.ReconcileInterval,
		LogRetention:  cfg.LogRetention,
		HealthTimeout: cfg.HealthTimeout,
		StopTimeout:   cfg.SupervisorStopTimeout,
	}, runtimectl.Deps{
		Sites:   repo,
		Ledger:  repo,
		Logs:    repo,
		Drivers: driverSet,
		Health:  prober,
		Router:  table,
		Locks:   locks,
		Ports:   pool,
	}, publisher, log)

	sites := site.New(site.Deps{
		Store:      repo,
		Drivers:    driverSet,
		Router:     table,
		Locks:      locks,
		Procs:      procs,
		Ports:      pool,
		Workspaces: workspaces,
	}, log)
	hooks := webhook.New(cfg.WebhookSecret, repo, engine.Trigger, log)

	api := httpx.NewRouter(httpx.Deps{
		Sites:           sites,
		Deployer:        engine,
		Deployments:     repo,
		Sleep:           sleeper,
		Processes:       procs,
		Logs:            logSvc,
		Webhooks:        hooks,
		AdminToken:      cfg.AdminToken,
		DBHealth:        sqlDB.PingContext,
		Registry:        registry,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, log)
	defer api.Close()
	proxy := routing.NewProxy(table, repo, sleeper, cfg.DomainSuffix, httpx.WakeStatus, log)

	// adopt what survived the last run before serving traffic
	if err := reconciler.Reconcile(ctx); err != nil {
		log.Error("startup reconcile failed", "error", err)
	}

	tree := suture.New("sitekeeper", suture.Spec{
		EventHook: func(ev suture.Event) {
			log.Warn("background service event", "event", ev.String())
		},
		Timeout: cfg.ShutdownTimeout,
	})
	tree.Add(&httpService{name: "api", addr: cfg.Addr, handler: api, timeout: cfg.ShutdownTimeout, log: log})
	tree.Add(&httpService{name: "proxy", addr: cfg.ProxyAddr, handler: proxy, timeout: cfg.ShutdownTimeout, log: log})
	tree.Add(sleeper)
	tree.Add(reconciler)
	tree.Add(procs)

	log.Info("sitekeeper started",
		"api_addr", cfg.Addr, "proxy_addr", cfg.ProxyAddr, "data_dir", cfg.DataDir,
		"environment", cfg.Environment, "version", buildVersion)
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("service tree stopped", "error", err)
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error { return engine.Shutdown(shutdownCtx) })
	g.Go(func() error { return static.Shutdown(shutdownCtx) })
	if err := g.Wait(); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}
	if err := procs.ShutdownAll(cfg.ShutdownTimeout); err != nil {
		log.Error("stop supervised processes", "error", err)
	}
	log.Info("sitekeeper stopped")
	return nil
}

// buildPublisher assembles the configured event sinks. The returned func releases them.
func buildPublisher(cfg config.ServerConfig, log *slog.Logger) (events.Publisher, func(), error) {
	var (
		sinks   events.Fanout
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	natsURL := cfg.NATSURL
	if cfg.NATSEmbedded {
		srv, err := events.StartEmbedded(cfg.NATSPort, filepath.Join(cfg.DataDir, "nats"))
		if err != nil {
			return nil, closeAll, fmt.Errorf("start embedded nats: %w", err)
		}
		closers = append(closers, srv.Shutdown)
		natsURL = srv.ClientURL()
		log.Info("embedded nats started", "url", natsURL)
	}
	if natsURL != "" {
		conn, err := events.ConnectNATS(natsURL, log)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, func() { _ = conn.Close() })
		sinks = append(sinks, conn)
	}
	if cfg.NotifyURL != "" {
		notifier, err := events.NewNotifier(cfg.NotifyURL, cfg.NotifyToken, &http.Client{Timeout: 10 * time.Second})
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, notifier)
	}
	if len(sinks) == 0 {
		return events.Nop{}, closeAll, nil
	}
	return sinks, closeAll, nil
}

// httpService runs one listener under the service tree.
type httpService struct {
	name    string
	addr    string
	handler http.Handler
	timeout time.Duration
	log     *slog.Logger
}

func (s *httpService) String() string { return s.name + " http server" }

func (s *httpService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", "server", s.name, "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("graceful shutdown failed", "server", s.name, "error", err)
		}
		s.log.Info("http server stopped", "server", s.name)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
