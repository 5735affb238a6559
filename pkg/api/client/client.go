package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the sitekeeper operator API for the CLI.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the admin bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:7070"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

// Retryable reports whether the server asked the caller to retry later.
func (e APIError) Retryable() bool {
	return e.Status == http.StatusConflict || e.Status == http.StatusServiceUnavailable
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Instance is a runtime pointer as rendered by the API.
type Instance struct {
	Variant    string `json:"variant"`
	InstanceID string `json:"instance_id"`
	Port       int    `json:"port"`
}

// Site reflects site payloads.
type Site struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	GitURL            string     `json:"git_url"`
	Branch            string     `json:"branch"`
	Kind              string     `json:"kind"`
	Runtime           string     `json:"runtime"`
	BuildCommand      string     `json:"build_command"`
	StartCommand      string     `json:"start_command"`
	OutputDir         string     `json:"output_dir"`
	HealthPath        string     `json:"health_path"`
	ContainerPort     int        `json:"container_port"`
	Visibility        string     `json:"visibility"`
	Status            string     `json:"status"`
	EnvKeys           []string   `json:"env_keys"`
	Instance          *Instance  `json:"instance"`
	PersistentStorage bool       `json:"persistent_storage"`
	Autodeploy        bool       `json:"autodeploy"`
	SleepEnabled      bool       `json:"sleep_enabled"`
	SleepAfterMinutes *int       `json:"sleep_after_minutes"`
	LastRequestAt     *time.Time `json:"last_request_at"`
	LastDeployedAt    *time.Time `json:"last_deployed_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CreateSiteInput captures the payload for site creation.
type CreateSiteInput struct {
	Name              string            `json:"name"`
	GitURL            string            `json:"git_url,omitempty"`
	Branch            string            `json:"branch,omitempty"`
	Kind              string            `json:"kind,omitempty"`
	Runtime           string            `json:"runtime,omitempty"`
	BuildCommand      string            `json:"build_command,omitempty"`
	StartCommand      string            `json:"start_command,omitempty"`
	OutputDir         string            `json:"output_dir,omitempty"`
	HealthPath        string            `json:"health_path,omitempty"`
	ContainerPort     int               `json:"container_port,omitempty"`
	Visibility        string            `json:"visibility,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Autodeploy        bool              `json:"autodeploy,omitempty"`
	SleepEnabled      bool              `json:"sleep_enabled,omitempty"`
	SleepAfterMinutes *int              `json:"sleep_after_minutes,omitempty"`
}

func sitePath(idOrName string, suffix string) string {
	return "/api/sites/" + url.PathEscape(idOrName) + suffix
}

// ListSites returns every site.
func (c *Client) ListSites(ctx context.Context) ([]Site, error) {
	var sites []Site
	if err := c.do(ctx, http.MethodGet, "/api/sites", nil, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// GetSite fetches a site by id or name.
func (c *Client) GetSite(ctx context.Context, idOrName string) (Site, error) {
	var site Site
	if err := c.do(ctx, http.MethodGet, sitePath(idOrName, ""), nil, &site); err != nil {
		return Site{}, err
	}
	return site, nil
}

// CreateSite registers a new site.
func (c *Client) CreateSite(ctx context.Context, input CreateSiteInput) (Site, error) {
	var site Site
	if err := c.do(ctx, http.MethodPost, "/api/sites", input, &site); err != nil {
		return Site{}, err
	}
	return site, nil
}

// DeleteSite removes a site and its instance.
func (c *Client) DeleteSite(ctx context.Context, idOrName string) error {
	return c.do(ctx, http.MethodDelete, sitePath(idOrName, ""), nil, nil)
}

// StopSite takes a site offline.
func (c *Client) StopSite(ctx context.Context, idOrName string) (Site, error) {
	var site Site
	if err := c.do(ctx, http.MethodPost, sitePath(idOrName, "/stop"), nil, &site); err != nil {
		return Site{}, err
	}
	return site, nil
}

// RestartSite recycles the supervised process of a process-backed site.
func (c *Client) RestartSite(ctx context.Context, idOrName string) error {
	return c.do(ctx, http.MethodPost, sitePath(idOrName, "/restart"), nil, nil)
}

// SleepSite puts a running site to sleep.
func (c *Client) SleepSite(ctx context.Context, idOrName string) error {
	return c.do(ctx, http.MethodPost, sitePath(idOrName, "/sleep"), nil, nil)
}

// WakeSite wakes a sleeping site and blocks until it serves traffic or the server gives up.
func (c *Client) WakeSite(ctx context.Context, idOrName string) (Site, error) {
	var site Site
	if err := c.do(ctx, http.MethodPost, sitePath(idOrName, "/wake"), nil, &site); err != nil {
		return Site{}, err
	}
	return site, nil
}

// Deployment represents API deployment payloads.
type Deployment struct {
	ID            string     `json:"id"`
	SiteID        string     `json:"site_id"`
	Status        string     `json:"status"`
	Ref           string     `json:"ref"`
	CommitSHA     string     `json:"commit_sha"`
	CommitMessage string     `json:"commit_message"`
	OldRuntime    *Instance  `json:"old_runtime"`
	NewRuntime    *Instance  `json:"new_runtime"`
	Error         string     `json:"error"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// Terminal reports whether the deployment has finished.
func (d Deployment) Terminal() bool {
	switch d.Status {
	case "completed", "failed", "rolled_back":
		return true
	}
	return false
}

// Deploy requests a new deployment of ref, or the site's branch when ref is empty.
func (c *Client) Deploy(ctx context.Context, idOrName, ref string) (Deployment, error) {
	body := map[string]string{}
	if strings.TrimSpace(ref) != "" {
		body["ref"] = strings.TrimSpace(ref)
	}
	var deployment Deployment
	if err := c.do(ctx, http.MethodPost, sitePath(idOrName, "/deploy"), body, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// GetDeployment fetches one ledger row.
func (c *Client) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	var deployment Deployment
	if err := c.do(ctx, http.MethodGet, "/api/deployments/"+url.PathEscape(id), nil, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// ListDeployments fetches recent deployments for a site.
func (c *Client) ListDeployments(ctx context.Context, idOrName string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, sitePath(idOrName, "/deployments"+query), nil, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// ActiveDeployments lists deployments that have not reached a terminal status.
func (c *Client) ActiveDeployments(ctx context.Context) ([]Deployment, error) {
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, "/api/deployments?active=true", nil, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// Process reflects a supervisor snapshot.
type Process struct {
	SiteID        string     `json:"site_id"`
	SiteName      string     `json:"site_name"`
	Port          int        `json:"port"`
	PID           int        `json:"pid"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	RestartCount  int        `json:"restart_count"`
	CPUPercent    *float64   `json:"cpu_percent"`
	MemoryBytes   *uint64    `json:"memory_bytes"`
	LastExitError string     `json:"last_exit_error"`
	NextRestartAt *time.Time `json:"next_restart_at"`
}

// Processes returns every supervised process.
func (c *Client) Processes(ctx context.Context) ([]Process, error) {
	var procs []Process
	if err := c.do(ctx, http.MethodGet, "/api/processes", nil, &procs); err != nil {
		return nil, err
	}
	return procs, nil
}

// LogEntry models a site log line.
type LogEntry struct {
	ID           int64     `json:"id"`
	SiteID       string    `json:"site_id"`
	DeploymentID string    `json:"deployment_id"`
	Source       string    `json:"source"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// FetchLogs returns recent logs for the site.
func (c *Client) FetchLogs(ctx context.Context, idOrName string, limit int) ([]LogEntry, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	var logs []LogEntry
	if err := c.do(ctx, http.MethodGet, sitePath(idOrName, "/logs"+query), nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
