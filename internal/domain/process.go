package domain

import "time"

// ProcessStatus is the supervisor-side state of a live process entry.
type ProcessStatus string

const (
	ProcessStarting  ProcessStatus = "starting"
	ProcessRunning   ProcessStatus = "running"
	ProcessUnhealthy ProcessStatus = "unhealthy"
	ProcessStopped   ProcessStatus = "stopped"
	ProcessFailed    ProcessStatus = "failed"
)

// ProcessSnapshot is a point-in-time copy of a supervisor entry.
type ProcessSnapshot struct {
	SiteID            string
	SiteName          string
	Port              int
	PID               int
	Status            ProcessStatus
	StartedAt         time.Time
	Uptime            time.Duration
	RestartCount      int
	HealthChecks      int
	FailedChecks      int
	ConsecutiveFailed int
	CPUPercent        *float64
	MemoryBytes       *uint64
	LastSampledAt     *time.Time
	LastExitError     string
	NextRestartAt     *time.Time
}

// LogEntry is one line of build or runtime output for a site.
type LogEntry struct {
	ID           int64
	SiteID       string
	DeploymentID string
	Source       string
	Level        string
	Message      string
	CreatedAt    time.Time
}

const (
	LogSourceBuild   = "build"
	LogSourceRuntime = "runtime"
	LogSourceSystem  = "system"
)
