// Package workspace manages per-deployment checkout directories.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns deployment-specific working directories under a common root, laid out as
// <root>/<site id>/<deployment id>.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Path returns the directory for a deployment without touching the filesystem.
func (m *Manager) Path(siteID, deploymentID string) string {
	return filepath.Join(m.root, siteID, deploymentID)
}

// Prepare creates an empty directory for the deployment, discarding leftovers of a previous attempt.
func (m *Manager) Prepare(siteID, deploymentID string) (string, error) {
	if err := validSegment(siteID); err != nil {
		return "", err
	}
	if err := validSegment(deploymentID); err != nil {
		return "", err
	}
	dir := m.Path(siteID, deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a directory inside the root.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupDeployment removes the workspace of one deployment.
func (m *Manager) CleanupDeployment(siteID, deploymentID string) error {
	if siteID == "" || deploymentID == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	return m.Cleanup(m.Path(siteID, deploymentID))
}

// Prune removes every deployment workspace of the site except the ones listed in keep.
func (m *Manager) Prune(siteID string, keep ...string) error {
	if err := validSegment(siteID); err != nil {
		return err
	}
	entries, err := os.ReadDir(filepath.Join(m.root, siteID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list site workspaces: %w", err)
	}
	retained := make(map[string]bool, len(keep))
	for _, id := range keep {
		retained[id] = true
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || retained[entry.Name()] {
			continue
		}
		if err := m.CleanupDeployment(siteID, entry.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveSite deletes every workspace belonging to the site.
func (m *Manager) RemoveSite(siteID string) error {
	if err := validSegment(siteID); err != nil {
		return err
	}
	return m.Cleanup(filepath.Join(m.root, siteID))
}

func validSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid workspace identifier %q", s)
	}
	return nil
}
