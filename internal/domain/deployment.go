package domain

import "time"

// DeploymentStatus is the persisted state of a deployment state machine.
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentCloning    DeploymentStatus = "cloning"
	DeploymentBuilding   DeploymentStatus = "building"
	DeploymentStarting   DeploymentStatus = "starting"
	DeploymentHealthy    DeploymentStatus = "healthy"
	DeploymentSwitching  DeploymentStatus = "switching"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

// TerminalDeploymentStatuses lists statuses after which a row never changes.
var TerminalDeploymentStatuses = []DeploymentStatus{DeploymentCompleted, DeploymentFailed, DeploymentRolledBack}

var deploymentOrder = map[DeploymentStatus]int{
	DeploymentPending:   0,
	DeploymentCloning:   1,
	DeploymentBuilding:  2,
	DeploymentStarting:  3,
	DeploymentHealthy:   4,
	DeploymentSwitching: 5,
	DeploymentCompleted: 6,
}

// Terminal reports whether the status ends the state machine.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed || s == DeploymentRolledBack
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case DeploymentFailed:
		return true
	case DeploymentRolledBack:
		return s == DeploymentSwitching
	}
	from, ok := deploymentOrder[s]
	if !ok {
		return false
	}
	to, ok := deploymentOrder[next]
	if !ok {
		return false
	}
	return to == from+1
}

// Artifact is the output of a build that can be started again without rebuilding.
type Artifact struct {
	Variant Variant
	Ref     string
	Dir     string
	Command string
}

// Empty reports whether no build output was recorded.
func (a Artifact) Empty() bool {
	return a.Variant == ""
}

// Deployment captures a single deployment attempt for a site.
type Deployment struct {
	ID            string
	SiteID        string
	Status        DeploymentStatus
	Ref           string
	CommitSHA     string
	CommitMessage string
	OldRuntime    *RuntimePointer
	NewRuntime    *RuntimePointer
	Artifact      Artifact
	ErrorMessage  string
	StartedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}
