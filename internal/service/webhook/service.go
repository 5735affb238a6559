package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/sitekeeper/internal/domain"
)

const signaturePrefix = "sha256="

var (
	// ErrInvalidSignature indicates a missing or mismatched X-Hub-Signature-256 header.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrNotConfigured indicates no webhook secret was set on the server.
	ErrNotConfigured = errors.New("webhook: secret not configured")
)

// SiteReader loads the target site.
type SiteReader interface {
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
}

// DeployFunc starts a deployment and returns its id.
type DeployFunc func(ctx context.Context, siteID, ref string) (string, error)

// PushEvent is the subset of a git host push payload the service reads.
type PushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// Result reports what a delivery did.
type Result struct {
	Triggered    bool   `json:"triggered"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Service verifies push deliveries and triggers autodeploys.
type Service struct {
	secret []byte
	sites  SiteReader
	deploy DeployFunc
	logger *slog.Logger
}

// New constructs a webhook service.
func New(secret string, sites SiteReader, deploy DeployFunc, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		secret: []byte(strings.TrimSpace(secret)),
		sites:  sites,
		deploy: deploy,
		logger: logger.With("component", "webhook"),
	}
}

// ValidateSignature checks the HMAC-SHA256 of payload against the provided header value.
func (s Service) ValidateSignature(payload []byte, provided string) error {
	if len(s.secret) == 0 {
		return ErrNotConfigured
	}
	provided = strings.TrimSpace(provided)
	if !strings.HasPrefix(provided, signaturePrefix) {
		return fmt.Errorf("%w: missing %s prefix", ErrInvalidSignature, signaturePrefix)
	}
	hasher := hmac.New(sha256.New, s.secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.TrimPrefix(provided, signaturePrefix)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// HandlePush verifies a delivery for siteID and deploys when the push targets the site's branch.
func (s Service) HandlePush(ctx context.Context, siteID string, payload []byte, signature string) (Result, error) {
	if err := s.ValidateSignature(payload, signature); err != nil {
		return Result{}, err
	}
	var push PushEvent
	if err := json.Unmarshal(payload, &push); err != nil {
		return Result{}, &domain.ConfigurationError{SiteID: siteID, Field: "payload", Reason: "malformed push event"}
	}
	site, err := s.sites.GetSiteByID(ctx, siteID)
	if err != nil {
		return Result{}, err
	}
	if !site.Autodeploy {
		return Result{Reason: "autodeploy disabled"}, nil
	}
	branch, ok := strings.CutPrefix(push.Ref, "refs/heads/")
	if !ok || branch == "" {
		return Result{Reason: "not a branch push"}, nil
	}
	if site.Branch != "" && branch != site.Branch {
		return Result{Reason: fmt.Sprintf("push to %s ignored; site tracks %s", branch, site.Branch)}, nil
	}
	id, err := s.deploy(ctx, site.ID, branch)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("autodeploy triggered", "site", site.Name, "branch", branch, "commit", push.After, "deployment_id", id)
	return Result{Triggered: true, DeploymentID: id}, nil
}
