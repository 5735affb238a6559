package httpx

import (
	"sort"
	"time"

	"github.com/splax/sitekeeper/internal/domain"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func putTime(out map[string]any, key string, t *time.Time) {
	if t != nil {
		out[key] = formatTime(*t)
	}
}

func marshalPointer(p *domain.RuntimePointer) map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"variant":     p.Variant,
		"instance_id": p.InstanceID,
		"port":        p.Port,
	}
}

// marshalSite renders a site. Env values are never returned, only the variable names.
func marshalSite(s domain.Site) map[string]any {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := map[string]any{
		"id":                 s.ID,
		"name":               s.Name,
		"git_url":            s.GitURL,
		"branch":             s.Branch,
		"kind":               s.Kind,
		"runtime":            s.Preferred,
		"build_command":      s.BuildCommand,
		"start_command":      s.StartCommand,
		"output_dir":         s.OutputDir,
		"health_path":        s.HealthPath,
		"container_port":     s.ContainerPort,
		"visibility":         s.Visibility,
		"status":             s.Status,
		"env_keys":           keys,
		"persistent_storage": s.PersistentStorage,
		"autodeploy":         s.Autodeploy,
		"sleep_enabled":      s.SleepEnabled,
		"created_at":         formatTime(s.CreatedAt),
		"updated_at":         formatTime(s.UpdatedAt),
	}
	if s.Runtime != nil {
		out["instance"] = marshalPointer(s.Runtime)
	}
	if s.SleepAfterMinutes != nil {
		out["sleep_after_minutes"] = *s.SleepAfterMinutes
	}
	putTime(out, "last_request_at", s.LastRequestAt)
	putTime(out, "last_deployed_at", s.LastDeployedAt)
	return out
}

func marshalSites(sites []domain.Site) []map[string]any {
	out := make([]map[string]any, 0, len(sites))
	for _, s := range sites {
		out = append(out, marshalSite(s))
	}
	return out
}

func marshalDeployment(d domain.Deployment) map[string]any {
	out := map[string]any{
		"id":         d.ID,
		"site_id":    d.SiteID,
		"status":     d.Status,
		"ref":        d.Ref,
		"commit_sha": d.CommitSHA,
		"started_at": formatTime(d.StartedAt),
		"updated_at": formatTime(d.UpdatedAt),
	}
	if d.CommitMessage != "" {
		out["commit_message"] = d.CommitMessage
	}
	if d.OldRuntime != nil {
		out["old_runtime"] = marshalPointer(d.OldRuntime)
	}
	if d.NewRuntime != nil {
		out["new_runtime"] = marshalPointer(d.NewRuntime)
	}
	if !d.Artifact.Empty() {
		out["artifact"] = map[string]any{"variant": d.Artifact.Variant, "ref": d.Artifact.Ref}
	}
	if d.ErrorMessage != "" {
		out["error"] = d.ErrorMessage
	}
	putTime(out, "completed_at", d.CompletedAt)
	return out
}

func marshalDeployments(list []domain.Deployment) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, d := range list {
		out = append(out, marshalDeployment(d))
	}
	return out
}

func marshalProcesses(list []domain.ProcessSnapshot) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, p := range list {
		item := map[string]any{
			"site_id":            p.SiteID,
			"site_name":          p.SiteName,
			"port":               p.Port,
			"pid":                p.PID,
			"status":             p.Status,
			"started_at":         formatTime(p.StartedAt),
			"uptime_seconds":     int64(p.Uptime / time.Second),
			"restart_count":      p.RestartCount,
			"health_checks":      p.HealthChecks,
			"failed_checks":      p.FailedChecks,
			"consecutive_failed": p.ConsecutiveFailed,
		}
		if p.CPUPercent != nil {
			item["cpu_percent"] = *p.CPUPercent
		}
		if p.MemoryBytes != nil {
			item["memory_bytes"] = *p.MemoryBytes
		}
		if p.LastExitError != "" {
			item["last_exit_error"] = p.LastExitError
		}
		putTime(item, "last_sampled_at", p.LastSampledAt)
		putTime(item, "next_restart_at", p.NextRestartAt)
		out = append(out, item)
	}
	return out
}
