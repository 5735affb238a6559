package repository

import (
	"context"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
)

// SiteRepository is the Site Registry.
type SiteRepository interface {
	CreateSite(ctx context.Context, site *domain.Site) error
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
	GetSiteByName(ctx context.Context, name string) (*domain.Site, error)
	ListSites(ctx context.Context) ([]domain.Site, error)
	UpdateSite(ctx context.Context, site *domain.Site) error
	DeleteSite(ctx context.Context, id string) error
	// MutateSite loads the row, applies fn and writes it back in one transaction.
	// Returning an error from fn aborts without writing.
	MutateSite(ctx context.Context, id string, fn func(*domain.Site) error) (*domain.Site, error)
	TouchSite(ctx context.Context, id string, at time.Time) error
}

// DeploymentRepository is the Deployment Ledger.
type DeploymentRepository interface {
	// BeginDeployment inserts a pending row, failing with ErrActiveDeployment when the
	// site already has a non-terminal one.
	BeginDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeploymentsBySite(ctx context.Context, siteID string, limit int) ([]domain.Deployment, error)
	ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error)
	GetActiveDeployment(ctx context.Context, siteID string) (*domain.Deployment, error)
	GetLatestCompletedDeployment(ctx context.Context, siteID string) (*domain.Deployment, error)
	// TransitionDeployment moves a row to next after applying fn, atomically. Illegal moves
	// return ErrInvalidTransition.
	TransitionDeployment(ctx context.Context, id string, next domain.DeploymentStatus, fn func(*domain.Deployment)) (*domain.Deployment, error)
}

// LogRepository handles log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, entry *domain.LogEntry) error
	ListLogsBySite(ctx context.Context, siteID string, limit int) ([]domain.LogEntry, error)
	PruneLogsBefore(ctx context.Context, before time.Time) (int64, error)
}
