package httpx

import (
	"strings"

	"github.com/splax/sitekeeper/internal/domain"
	"github.com/splax/sitekeeper/internal/service/site"
)

// sitePayload is the JSON body of site create and update requests.
type sitePayload struct {
	Name              *string           `json:"name"`
	GitURL            *string           `json:"git_url"`
	Branch            *string           `json:"branch"`
	Kind              *string           `json:"kind"`
	Runtime           *string           `json:"runtime"`
	BuildCommand      *string           `json:"build_command"`
	StartCommand      *string           `json:"start_command"`
	OutputDir         *string           `json:"output_dir"`
	HealthPath        *string           `json:"health_path"`
	ContainerPort     *int              `json:"container_port"`
	Visibility        *string           `json:"visibility"`
	Env               map[string]string `json:"env"`
	PersistentStorage *bool             `json:"persistent_storage"`
	Autodeploy        *bool             `json:"autodeploy"`
	SleepEnabled      *bool             `json:"sleep_enabled"`
	SleepAfterMinutes *int              `json:"sleep_after_minutes"`
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func flag(p *bool) bool {
	return p != nil && *p
}

func (p sitePayload) createInput() site.CreateInput {
	in := site.CreateInput{
		Name:              str(p.Name),
		GitURL:            str(p.GitURL),
		Branch:            str(p.Branch),
		Kind:              domain.SiteKind(strings.TrimSpace(str(p.Kind))),
		Runtime:           domain.Variant(strings.TrimSpace(str(p.Runtime))),
		BuildCommand:      str(p.BuildCommand),
		StartCommand:      str(p.StartCommand),
		OutputDir:         str(p.OutputDir),
		HealthPath:        str(p.HealthPath),
		Visibility:        domain.Visibility(strings.TrimSpace(str(p.Visibility))),
		Env:               p.Env,
		PersistentStorage: flag(p.PersistentStorage),
		Autodeploy:        flag(p.Autodeploy),
		SleepEnabled:      flag(p.SleepEnabled),
		SleepAfterMinutes: p.SleepAfterMinutes,
	}
	if p.ContainerPort != nil {
		in.ContainerPort = *p.ContainerPort
	}
	return in
}

// updateInput rejects changes to immutable fields. The name is the routing key and the kind
// decides which driver family owns the site.
func (p sitePayload) updateInput(current domain.Site) (site.UpdateInput, error) {
	if p.Name != nil && strings.ToLower(strings.TrimSpace(*p.Name)) != current.Name {
		return site.UpdateInput{}, &domain.ConfigurationError{SiteID: current.ID, Field: "name", Reason: "cannot be changed"}
	}
	if p.Kind != nil && domain.SiteKind(strings.TrimSpace(*p.Kind)) != current.Kind {
		return site.UpdateInput{}, &domain.ConfigurationError{SiteID: current.ID, Field: "kind", Reason: "cannot be changed"}
	}
	in := site.UpdateInput{
		GitURL:            p.GitURL,
		Branch:            p.Branch,
		BuildCommand:      p.BuildCommand,
		StartCommand:      p.StartCommand,
		OutputDir:         p.OutputDir,
		HealthPath:        p.HealthPath,
		ContainerPort:     p.ContainerPort,
		Env:               p.Env,
		PersistentStorage: p.PersistentStorage,
		Autodeploy:        p.Autodeploy,
		SleepEnabled:      p.SleepEnabled,
		SleepAfterMinutes: p.SleepAfterMinutes,
	}
	if p.Runtime != nil {
		v := domain.Variant(strings.TrimSpace(*p.Runtime))
		in.Runtime = &v
	}
	if p.Visibility != nil {
		v := domain.Visibility(strings.TrimSpace(*p.Visibility))
		in.Visibility = &v
	}
	return in, nil
}
