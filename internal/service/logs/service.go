// Package logs persists build and runtime output and streams it to live subscribers.
package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/repository"
	"github.com/splax/sitekeeper/internal/ws"
)

const maxMessageLen = 8 << 10

// Service handles log persistence and streaming.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a log service. hub may be nil when nothing streams.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, hub: hub, logger: logger.With("component", "logs"), now: time.Now}
}

// Append stores and broadcasts a log entry.
func (s *Service) Append(ctx context.Context, entry domain.LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if entry.Level == "" {
		entry.Level = "info"
	}
	if entry.Source == "" {
		entry.Source = domain.LogSourceSystem
	}
	entry.Message = strings.TrimRight(entry.Message, "\r\n")
	if len(entry.Message) > maxMessageLen {
		entry.Message = entry.Message[:maxMessageLen] + "…"
	}
	if err := s.repo.AppendLog(ctx, &entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// List returns the most recent logs for a site, oldest first.
func (s *Service) List(ctx context.Context, siteID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	return s.repo.ListLogsBySite(ctx, siteID, limit)
}

func (s *Service) broadcast(entry domain.LogEntry) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	if !s.hub.Broadcast(entry.SiteID, data) {
		s.logger.Debug("log broadcast dropped", "site_id", entry.SiteID)
	}
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEntry formats a site log for streaming payloads.
func MarshalEntry(entry domain.LogEntry) ([]byte, error) {
	payload := map[string]any{
		"id":         entry.ID,
		"site_id":    entry.SiteID,
		"source":     entry.Source,
		"level":      entry.Level,
		"message":    entry.Message,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	}
	if entry.DeploymentID != "" {
		payload["deployment_id"] = entry.DeploymentID
	}
	return json.Marshal(payload)
}
