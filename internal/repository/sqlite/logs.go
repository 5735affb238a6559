package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
)

type logRow struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	SiteID       string
	DeploymentID string
	Source       string
	Level        string
	Message      string
	CreatedAt    time.Time
}

func (logRow) TableName() string { return "site_logs" }

// AppendLog persists a log line.
func (r *Repository) AppendLog(ctx context.Context, entry *domain.LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	row := logRow{
		SiteID:       entry.SiteID,
		DeploymentID: entry.DeploymentID,
		Source:       entry.Source,
		Level:        entry.Level,
		Message:      entry.Message,
		CreatedAt:    entry.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	entry.ID = row.ID
	return nil
}

// ListLogsBySite returns the latest lines for a site in chronological order.
func (r *Repository) ListLogsBySite(ctx context.Context, siteID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []logRow
	if err := r.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	out := make([]domain.LogEntry, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = domain.LogEntry{
			ID:           row.ID,
			SiteID:       row.SiteID,
			DeploymentID: row.DeploymentID,
			Source:       row.Source,
			Level:        row.Level,
			Message:      row.Message,
			CreatedAt:    row.CreatedAt,
		}
	}
	return out, nil
}

// PruneLogsBefore deletes lines older than the cutoff.
func (r *Repository) PruneLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&logRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
