package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrActiveDeployment indicates the site already has a non-terminal deployment.
	ErrActiveDeployment = errors.New("repository: site has an active deployment")
	// ErrInvalidTransition indicates a deployment status change that would move backwards or leave a terminal state.
	ErrInvalidTransition = errors.New("repository: invalid deployment transition")
	// ErrDuplicateName indicates a site name is already taken.
	ErrDuplicateName = errors.New("repository: duplicate site name")
)
