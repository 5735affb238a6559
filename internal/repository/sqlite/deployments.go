package sqlite

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/repository"
)

type artifactColumns struct {
	Variant string
	Ref     string
	Dir     string
	Command string
}

type deploymentRow struct {
	ID            string `gorm:"primaryKey"`
	SiteID        string
	Status        string
	Ref           string
	CommitSHA     string `gorm:"column:commit_sha"`
	CommitMessage string
	OldRuntime    pointerColumns  `gorm:"embedded;embeddedPrefix:old_runtime_"`
	NewRuntime    pointerColumns  `gorm:"embedded;embeddedPrefix:new_runtime_"`
	Artifact      artifactColumns `gorm:"embedded;embeddedPrefix:artifact_"`
	ErrorMessage  string
	StartedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

func (deploymentRow) TableName() string { return "deployments" }

func terminalStatuses() []string {
	out := make([]string, 0, len(domain.TerminalDeploymentStatuses))
	for _, s := range domain.TerminalDeploymentStatuses {
		out = append(out, string(s))
	}
	return out
}

func toDeploymentRow(d *domain.Deployment) deploymentRow {
	return deploymentRow{
		ID:            d.ID,
		SiteID:        d.SiteID,
		Status:        string(d.Status),
		Ref:           d.Ref,
		CommitSHA:     d.CommitSHA,
		CommitMessage: d.CommitMessage,
		OldRuntime:    columnsFromPointer(d.OldRuntime),
		NewRuntime:    columnsFromPointer(d.NewRuntime),
		Artifact: artifactColumns{
			Variant: string(d.Artifact.Variant),
			Ref:     d.Artifact.Ref,
			Dir:     d.Artifact.Dir,
			Command: d.Artifact.Command,
		},
		ErrorMessage: d.ErrorMessage,
		StartedAt:    d.StartedAt,
		UpdatedAt:    d.UpdatedAt,
		CompletedAt:  d.CompletedAt,
	}
}

func toDeployment(row deploymentRow) domain.Deployment {
	return domain.Deployment{
		ID:            row.ID,
		SiteID:        row.SiteID,
		Status:        domain.DeploymentStatus(row.Status),
		Ref:           row.Ref,
		CommitSHA:     row.CommitSHA,
		CommitMessage: row.CommitMessage,
		OldRuntime:    pointerFromColumns(row.OldRuntime),
		NewRuntime:    pointerFromColumns(row.NewRuntime),
		Artifact: domain.Artifact{
			Variant: domain.Variant(row.Artifact.Variant),
			Ref:     row.Artifact.Ref,
			Dir:     row.Artifact.Dir,
			Command: row.Artifact.Command,
		},
		ErrorMessage: row.ErrorMessage,
		StartedAt:    row.StartedAt,
		UpdatedAt:    row.UpdatedAt,
		CompletedAt:  row.CompletedAt,
	}
}

// BeginDeployment inserts a pending deployment unless the site already has an active one.
func (r *Repository) BeginDeployment(ctx context.Context, d *domain.Deployment) error {
	if d.Status == "" {
		d.Status = domain.DeploymentPending
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&deploymentRow{}).
			Where("site_id = ? AND status NOT IN ?", d.SiteID, terminalStatuses()).
			Count(&active).Error; err != nil {
			return fmt.Errorf("count active deployments: %w", err)
		}
		if active > 0 {
			return repository.ErrActiveDeployment
		}
		row := toDeploymentRow(d)
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return repository.ErrActiveDeployment
			}
			return fmt.Errorf("insert deployment: %w", err)
		}
		d.UpdatedAt = row.UpdatedAt
		return nil
	})
}

// GetDeploymentByID fetches a single deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	var row deploymentRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	d := toDeployment(row)
	return &d, nil
}

// ListDeploymentsBySite returns the newest deployments for a site first.
func (r *Repository) ListDeploymentsBySite(ctx context.Context, siteID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []deploymentRow
	if err := r.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return toDeployments(rows), nil
}

// ListActiveDeployments returns every non-terminal deployment across sites.
func (r *Repository) ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	var rows []deploymentRow
	if err := r.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses()).
		Order("started_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list active deployments: %w", err)
	}
	return toDeployments(rows), nil
}

// GetActiveDeployment returns the site's non-terminal deployment or ErrNotFound.
func (r *Repository) GetActiveDeployment(ctx context.Context, siteID string) (*domain.Deployment, error) {
	var row deploymentRow
	if err := r.db.WithContext(ctx).
		Where("site_id = ? AND status NOT IN ?", siteID, terminalStatuses()).
		First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	d := toDeployment(row)
	return &d, nil
}

// GetLatestCompletedDeployment returns the most recent successful deployment for a site.
func (r *Repository) GetLatestCompletedDeployment(ctx context.Context, siteID string) (*domain.Deployment, error) {
	var row deploymentRow
	if err := r.db.WithContext(ctx).
		Where("site_id = ? AND status = ?", siteID, string(domain.DeploymentCompleted)).
		Order("completed_at DESC").
		First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	d := toDeployment(row)
	return &d, nil
}

// TransitionDeployment atomically advances a deployment's status.
func (r *Repository) TransitionDeployment(ctx context.Context, id string, next domain.DeploymentStatus, fn func(*domain.Deployment)) (*domain.Deployment, error) {
	var out domain.Deployment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row deploymentRow
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return notFound(err)
		}
		current := domain.DeploymentStatus(row.Status)
		if !current.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, current, next)
		}
		d := toDeployment(row)
		if fn != nil {
			fn(&d)
		}
		d.ID = row.ID
		d.SiteID = row.SiteID
		d.StartedAt = row.StartedAt
		d.Status = next
		if next.Terminal() && d.CompletedAt == nil {
			now := time.Now().UTC()
			d.CompletedAt = &now
		}
		updated := toDeploymentRow(&d)
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("save deployment: %w", err)
		}
		d.UpdatedAt = updated.UpdatedAt
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func toDeployments(rows []deploymentRow) []domain.Deployment {
	out := make([]domain.Deployment, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDeployment(row))
	}
	return out
}
