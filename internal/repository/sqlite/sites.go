package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/repository"
)

type pointerColumns struct {
	Variant    string
	InstanceID string
	Port       int
}

func pointerFromColumns(c pointerColumns) *domain.RuntimePointer {
	if c.Variant == "" {
		return nil
	}
	return &domain.RuntimePointer{Variant: domain.Variant(c.Variant), InstanceID: c.InstanceID, Port: c.Port}
}

func columnsFromPointer(p *domain.RuntimePointer) pointerColumns {
	if p == nil {
		return pointerColumns{}
	}
	return pointerColumns{Variant: string(p.Variant), InstanceID: p.InstanceID, Port: p.Port}
}

type siteRow struct {
	ID                string `gorm:"primaryKey"`
	Name              string
	GitURL            string `gorm:"column:git_url"`
	Branch            string
	Kind              string
	PreferredRuntime  string
	BuildCommand      string
	StartCommand      string
	OutputDir         string
	HealthPath        string
	ContainerPort     int
	Visibility        string
	Status            string
	Runtime           pointerColumns `gorm:"embedded;embeddedPrefix:runtime_"`
	EnvSealed         []byte
	PersistentStorage bool
	Autodeploy        bool
	SleepEnabled      bool
	SleepAfterMinutes *int
	LastRequestAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastDeployedAt    *time.Time
}

func (siteRow) TableName() string { return "sites" }

func (r *Repository) sealEnv(env map[string]string) ([]byte, error) {
	if r.env != nil {
		return r.env.SealEnv(env)
	}
	if len(env) == 0 {
		return nil, nil
	}
	return json.Marshal(env)
}

func (r *Repository) openEnv(payload []byte) (map[string]string, error) {
	if r.env != nil {
		return r.env.OpenEnv(payload)
	}
	env := map[string]string{}
	if len(payload) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return env, nil
}

func (r *Repository) toSiteRow(site *domain.Site) (siteRow, error) {
	sealed, err := r.sealEnv(site.Env)
	if err != nil {
		return siteRow{}, err
	}
	return siteRow{
		ID:                site.ID,
		Name:              site.Name,
		GitURL:            site.GitURL,
		Branch:            site.Branch,
		Kind:              string(site.Kind),
		PreferredRuntime:  string(site.Preferred),
		BuildCommand:      site.BuildCommand,
		StartCommand:      site.StartCommand,
		OutputDir:         site.OutputDir,
		HealthPath:        site.HealthPath,
		ContainerPort:     site.ContainerPort,
		Visibility:        string(site.Visibility),
		Status:            string(site.Status),
		Runtime:           columnsFromPointer(site.Runtime),
		EnvSealed:         sealed,
		PersistentStorage: site.PersistentStorage,
		Autodeploy:        site.Autodeploy,
		SleepEnabled:      site.SleepEnabled,
		SleepAfterMinutes: site.SleepAfterMinutes,
		LastRequestAt:     site.LastRequestAt,
		CreatedAt:         site.CreatedAt,
		UpdatedAt:         site.UpdatedAt,
		LastDeployedAt:    site.LastDeployedAt,
	}, nil
}

func (r *Repository) toSite(row siteRow) (*domain.Site, error) {
	env, err := r.openEnv(row.EnvSealed)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", row.ID, err)
	}
	return &domain.Site{
		ID:                row.ID,
		Name:              row.Name,
		GitURL:            row.GitURL,
		Branch:            row.Branch,
		Kind:              domain.SiteKind(row.Kind),
		Preferred:         domain.Variant(row.PreferredRuntime),
		BuildCommand:      row.BuildCommand,
		StartCommand:      row.StartCommand,
		OutputDir:         row.OutputDir,
		HealthPath:        row.HealthPath,
		ContainerPort:     row.ContainerPort,
		Visibility:        domain.Visibility(row.Visibility),
		Status:            domain.SiteStatus(row.Status),
		Runtime:           pointerFromColumns(row.Runtime),
		Env:               env,
		PersistentStorage: row.PersistentStorage,
		Autodeploy:        row.Autodeploy,
		SleepEnabled:      row.SleepEnabled,
		SleepAfterMinutes: row.SleepAfterMinutes,
		LastRequestAt:     row.LastRequestAt,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		LastDeployedAt:    row.LastDeployedAt,
	}, nil
}

// CreateSite inserts a site.
func (r *Repository) CreateSite(ctx context.Context, site *domain.Site) error {
	row, err := r.toSiteRow(site)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicateName
		}
		return fmt.Errorf("insert site: %w", err)
	}
	site.CreatedAt = row.CreatedAt
	site.UpdatedAt = row.UpdatedAt
	return nil
}

// GetSiteByID fetches a site by identifier.
func (r *Repository) GetSiteByID(ctx context.Context, id string) (*domain.Site, error) {
	var row siteRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return r.toSite(row)
}

// GetSiteByName fetches a site by its unique name.
func (r *Repository) GetSiteByName(ctx context.Context, name string) (*domain.Site, error) {
	var row siteRow
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return r.toSite(row)
}

// ListSites returns every site ordered by name.
func (r *Repository) ListSites(ctx context.Context) ([]domain.Site, error) {
	var rows []siteRow
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	sites := make([]domain.Site, 0, len(rows))
	for _, row := range rows {
		site, err := r.toSite(row)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, nil
}

// UpdateSite overwrites every column of an existing site.
func (r *Repository) UpdateSite(ctx context.Context, site *domain.Site) error {
	_, err := r.MutateSite(ctx, site.ID, func(current *domain.Site) error {
		*current = *site
		return nil
	})
	return err
}

// DeleteSite removes a site and, through the foreign key, its history.
func (r *Repository) DeleteSite(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&siteRow{})
	if res.Error != nil {
		return fmt.Errorf("delete site: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MutateSite performs a single-row read-modify-write inside a transaction.
func (r *Repository) MutateSite(ctx context.Context, id string, fn func(*domain.Site) error) (*domain.Site, error) {
	var out *domain.Site
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row siteRow
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return notFound(err)
		}
		site, err := r.toSite(row)
		if err != nil {
			return err
		}
		if err := fn(site); err != nil {
			return err
		}
		site.ID = row.ID
		site.CreatedAt = row.CreatedAt
		next, err := r.toSiteRow(site)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			if isUniqueViolation(err) {
				return repository.ErrDuplicateName
			}
			return fmt.Errorf("save site: %w", err)
		}
		site.UpdatedAt = next.UpdatedAt
		out = site
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TouchSite records the time of the latest inbound request.
func (r *Repository) TouchSite(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&siteRow{}).Where("id = ?", id).UpdateColumn("last_request_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("touch site: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return repository.ErrNotFound
	}
	return nil
}
