// Package httpx serves the operator API.
package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/service/logs"
	"github.com/splax/sitekeeper/internal/service/site"
	"github.com/splax/sitekeeper/internal/service/webhook"
	"github.com/splax/sitekeeper/internal/ws"
)

const (
	maxBodyBytes       = 1 << 20
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	defaultShutdown    = 20 * time.Second
)

// SiteService is the Site Registry service.
type SiteService interface {
	Create(ctx context.Context, input site.CreateInput) (*domain.Site, error)
	Get(ctx context.Context, idOrName string) (*domain.Site, error)
	List(ctx context.Context) ([]domain.Site, error)
	Update(ctx context.Context, id string, input site.UpdateInput) (*domain.Site, error)
	Delete(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) (*domain.Site, error)
	Restart(ctx context.Context, id string) error
}

// Deployer starts deployments.
type Deployer interface {
	Trigger(ctx context.Context, siteID, ref string) (string, error)
}

// DeploymentReader reads the Deployment Ledger.
type DeploymentReader interface {
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsBySite(ctx context.Context, siteID string, limit int) ([]domain.Deployment, error)
	ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error)
}

// SleepService puts sites to sleep and wakes them.
type SleepService interface {
	Sleep(ctx context.Context, siteID string) error
	Wake(ctx context.Context, siteID string) (domain.Site, error)
}

// ProcessTable is the supervisor's view of running processes.
type ProcessTable interface {
	Snapshot() []domain.ProcessSnapshot
	Get(siteID string) []domain.ProcessSnapshot
	ShutdownAll(timeout time.Duration) error
}

// LogService lists stored logs and exposes the live hub.
type LogService interface {
	List(ctx context.Context, siteID string, limit int) ([]domain.LogEntry, error)
	Hub() *ws.Hub
}

// WebhookHandler verifies push deliveries.
type WebhookHandler interface {
	HandlePush(ctx context.Context, siteID string, payload []byte, signature string) (webhook.Result, error)
}

// Deps wires the router to services.
type Deps struct {
	Sites           SiteService
	Deployer        Deployer
	Deployments     DeploymentReader
	Sleep           SleepService
	Processes       ProcessTable
	Logs            LogService
	Webhooks        WebhookHandler
	AdminToken      string
	DBHealth        func(context.Context) error
	Registry        *prometheus.Registry
	ShutdownTimeout time.Duration
	Limiter         RateLimiter
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux             chi.Router
	logger          *slog.Logger
	sites           SiteService
	deployer        Deployer
	deployments     DeploymentReader
	sleep           SleepService
	processes       ProcessTable
	logs            LogService
	webhooks        WebhookHandler
	adminToken      string
	dbHealth        func(context.Context) error
	shutdownTimeout time.Duration
	upgrader        websocket.Upgrader
	requestTotal    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	limiter         RateLimiter
}

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:             chi.NewRouter(),
		logger:          logger.With("component", "http"),
		sites:           deps.Sites,
		deployer:        deps.Deployer,
		deployments:     deps.Deployments,
		sleep:           deps.Sleep,
		processes:       deps.Processes,
		logs:            deps.Logs,
		webhooks:        deps.Webhooks,
		adminToken:      strings.TrimSpace(deps.AdminToken),
		dbHealth:        deps.DBHealth,
		shutdownTimeout: deps.ShutdownTimeout,
		limiter:         deps.Limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if r.shutdownTimeout <= 0 {
		r.shutdownTimeout = defaultShutdown
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if deps.Registry != nil {
		reg, gatherer = deps.Registry, deps.Registry
	}
	r.initMetrics(reg)
	r.register(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// Close releases background resources held by the router.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

// ServeHTTP delegates to the chi mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register(metricsHandler http.Handler) {
	m := r.mux
	m.Use(middleware.RequestID, middleware.Recoverer, r.audit)
	m.NotFound(func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) })
	m.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { r.methodNotAllowed(w) })

	m.Get("/healthz", r.handleHealthz)
	m.Method(http.MethodGet, "/metrics", metricsHandler)
	m.With(r.withRateLimit("webhook", rateLimitWebhook, nil)).Post("/webhooks/git/{id}", r.handleWebhook)

	m.Route("/api", func(api chi.Router) {
		api.Use(r.requireAdmin)
		api.Route("/sites", func(sr chi.Router) {
			sr.Get("/", r.handleListSites)
			sr.Post("/", r.handleCreateSite)
			sr.Route("/{id}", func(one chi.Router) {
				one.Get("/", r.handleGetSite)
				one.Patch("/", r.handleUpdateSite)
				one.Delete("/", r.handleDeleteSite)
				one.With(r.withRateLimit("deploy", rateLimitDeploy, rateLimitKeySite)).Post("/deploy", r.handleDeploy)
				one.Get("/deployments", r.handleSiteDeployments)
				one.Post("/stop", r.handleStop)
				one.Post("/restart", r.handleRestart)
				one.Post("/sleep", r.handleSleep)
				one.Post("/wake", r.handleWake)
				one.Get("/logs", r.handleLogs)
				one.Get("/logs/stream", r.handleLogsWS)
				one.Get("/logs/events", r.handleLogsSSE)
			})
		})
		api.Get("/deployments", r.handleActiveDeployments)
		api.Get("/deployments/{id}", r.handleGetDeployment)
		api.Get("/processes", r.handleProcesses)
		api.Get("/processes/{siteID}", r.handleSiteProcesses)
		api.Post("/processes/shutdown", r.handleShutdownProcesses)
	})
}

// resolveSite loads the {id} path parameter, which may be a site id or name.
func (r *Router) resolveSite(w http.ResponseWriter, req *http.Request) (*domain.Site, bool) {
	s, err := r.sites.Get(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return s, true
}

func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryLimit(req *http.Request, fallback int) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func (r *Router) handleListSites(w http.ResponseWriter, req *http.Request) {
	sites, err := r.sites.List(req.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalSites(sites))
}

func (r *Router) handleCreateSite(w http.ResponseWriter, req *http.Request) {
	var payload sitePayload
	if !decodeJSON(w, req, &payload) {
		return
	}
	created, err := r.sites.Create(req.Context(), payload.createInput())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, marshalSite(*created))
}

func (r *Router) handleGetSite(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, marshalSite(*s))
}

func (r *Router) handleUpdateSite(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	var payload sitePayload
	if !decodeJSON(w, req, &payload) {
		return
	}
	input, err := payload.updateInput(*s)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	updated, err := r.sites.Update(req.Context(), s.ID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalSite(*updated))
}

func (r *Router) handleDeleteSite(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	if err := r.sites.Delete(req.Context(), s.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	var payload struct {
		Ref string `json:"ref"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	id, err := r.deployer.Trigger(req.Context(), s.ID, strings.TrimSpace(payload.Ref))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	dep, err := r.deployments.GetDeploymentByID(req.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "site_id": s.ID, "status": domain.DeploymentPending})
		return
	}
	writeJSON(w, http.StatusAccepted, marshalDeployment(*dep))
}

func (r *Router) handleSiteDeployments(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	list, err := r.deployments.ListDeploymentsBySite(req.Context(), s.ID, queryLimit(req, 20))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalDeployments(list))
}

// handleActiveDeployments lists non-terminal deployments; the ledger keeps history per site.
func (r *Router) handleActiveDeployments(w http.ResponseWriter, req *http.Request) {
	list, err := r.deployments.ListActiveDeployments(req.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalDeployments(list))
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	dep, err := r.deployments.GetDeploymentByID(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalDeployment(*dep))
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	stopped, err := r.sites.Stop(req.Context(), s.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, marshalSite(*stopped))
}

func (r *Router) handleRestart(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	if err := r.sites.Restart(req.Context(), s.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (r *Router) handleSleep(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	if err := r.sleep.Sleep(req.Context(), s.ID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.SiteStatusSleeping)})
}

func (r *Router) handleWake(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	woken, err := r.sleep.Wake(req.Context(), s.ID)
	if err != nil {
		if status := WakeStatus(err); status == http.StatusConflict {
			writeServiceError(w, err)
		} else {
			writeError(w, status, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, marshalSite(woken))
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	entries, err := r.logs.List(req.Context(), s.ID, queryLimit(req, 200))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if raw, err := logs.MarshalEntry(e); err == nil {
			out = append(out, raw)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.logs.Hub()
	hub.Register(s.ID, client)
	go func() {
		defer func() {
			hub.Unregister(s.ID, client)
			client.Close()
		}()
		client.DrainReads()
	}()
}

func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request) {
	s, ok := r.resolveSite(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	hub := r.logs.Hub()
	hub.Register(s.ID, client)
	defer hub.Unregister(s.ID, client)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleProcesses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, marshalProcesses(r.processes.Snapshot()))
}

func (r *Router) handleSiteProcesses(w http.ResponseWriter, req *http.Request) {
	siteID := chi.URLParam(req, "siteID")
	if s, err := r.sites.Get(req.Context(), siteID); err == nil {
		siteID = s.ID
	}
	writeJSON(w, http.StatusOK, marshalProcesses(r.processes.Get(siteID)))
}

func (r *Router) handleShutdownProcesses(w http.ResponseWriter, _ *http.Request) {
	if err := r.processes.ShutdownAll(r.shutdownTimeout); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if event := req.Header.Get("X-GitHub-Event"); event == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}
	result, err := r.webhooks.HandlePush(req.Context(), chi.URLParam(req, "id"), body, req.Header.Get("X-Hub-Signature-256"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if result.Triggered {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
