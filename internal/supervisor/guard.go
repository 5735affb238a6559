package supervisor

import (
	"context"
	"errors"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/repository"
)

// SiteReader is the slice of the site registry the guard needs.
type SiteReader interface {
	GetSiteByID(ctx context.Context, id string) (*domain.Site, error)
}

// RegistryGuard allows a restart only while the registry still points at the exited instance.
type RegistryGuard struct {
	sites SiteReader
}

// NewRegistryGuard wraps a site reader.
func NewRegistryGuard(sites SiteReader) *RegistryGuard {
	return &RegistryGuard{sites: sites}
}

// ShouldRevive implements Guard.
func (g *RegistryGuard) ShouldRevive(ctx context.Context, siteID string, port int) (bool, error) {
	site, err := g.sites.GetSiteByID(ctx, siteID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if site.Status != domain.SiteStatusRunning || site.Runtime == nil {
		return false, nil
	}
	return site.Runtime.Port == port && site.Runtime.Variant.ProcessBacked(), nil
}
