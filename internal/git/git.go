// Package git fetches site sources into deployment workspaces.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var shaPattern = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// Commit identifies the revision a clone resolved to.
type Commit struct {
	SHA     string
	Message string
}

// CloneOptions describes one checkout.
type CloneOptions struct {
	URL string
	// Ref is a branch, tag or commit sha.
	Ref string
	// Dest must exist and be empty.
	Dest     string
	Progress io.Writer
}

// Clone fetches Ref into Dest, shallowly where the transport allows it, and reports the
// commit it landed on.
func Clone(ctx context.Context, opts CloneOptions) (Commit, error) {
	if opts.URL == "" {
		return Commit{}, fmt.Errorf("repository URL cannot be empty")
	}
	if opts.Dest == "" {
		return Commit{}, fmt.Errorf("destination cannot be empty")
	}
	ref := strings.TrimSpace(opts.Ref)
	if ref == "" {
		return Commit{}, fmt.Errorf("ref cannot be empty")
	}

	if shaPattern.MatchString(ref) {
		commit, err := cloneAtHash(ctx, opts, ref)
		if err == nil {
			return commit, nil
		}
		// hex-looking branch names exist; fall through to name lookup
		if cerr := clearDir(opts.Dest); cerr != nil {
			return Commit{}, cerr
		}
	}

	repo, err := cloneRef(ctx, opts, plumbing.NewBranchReferenceName(ref))
	if err != nil {
		if ctx.Err() != nil {
			return Commit{}, fmt.Errorf("git clone %s: %w", ref, ctx.Err())
		}
		if cerr := clearDir(opts.Dest); cerr != nil {
			return Commit{}, cerr
		}
		var tagErr error
		repo, tagErr = cloneRef(ctx, opts, plumbing.NewTagReferenceName(ref))
		if tagErr != nil {
			return Commit{}, fmt.Errorf("git clone %s: %w", ref, errors.Join(err, tagErr))
		}
	}
	return headCommit(repo)
}

func cloneRef(ctx context.Context, opts CloneOptions, name plumbing.ReferenceName) (*gogit.Repository, error) {
	co := &gogit.CloneOptions{
		URL:           opts.URL,
		ReferenceName: name,
		SingleBranch:  true,
		Tags:          gogit.NoTags,
		Progress:      opts.Progress,
	}
	if !isLocal(opts.URL) {
		co.Depth = 1
	}
	return gogit.PlainCloneContext(ctx, opts.Dest, false, co)
}

func cloneAtHash(ctx context.Context, opts CloneOptions, sha string) (Commit, error) {
	repo, err := gogit.PlainCloneContext(ctx, opts.Dest, false, &gogit.CloneOptions{
		URL:      opts.URL,
		Progress: opts.Progress,
	})
	if err != nil {
		return Commit{}, err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(sha))
	if err != nil {
		return Commit{}, fmt.Errorf("resolve %s: %w", sha, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return Commit{}, fmt.Errorf("checkout %s: %w", sha, err)
	}
	return headCommit(repo)
}

func headCommit(repo *gogit.Repository) (Commit, error) {
	head, err := repo.Head()
	if err != nil {
		return Commit{}, fmt.Errorf("read HEAD: %w", err)
	}
	obj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Commit{}, fmt.Errorf("read commit %s: %w", head.Hash(), err)
	}
	return Commit{SHA: head.Hash().String(), Message: strings.TrimSpace(obj.Message)}, nil
}

// isLocal reports whether url points at the filesystem, where shallow fetches are not served.
func isLocal(url string) bool {
	if strings.HasPrefix(url, "file://") {
		return true
	}
	if strings.Contains(url, "://") {
		return false
	}
	// scp-style remotes look like user@host:path
	if i := strings.Index(url, ":"); i > 0 && !strings.ContainsAny(url[:i], `/\`) {
		return false
	}
	return true
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reset clone destination: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("reset clone destination: %w", err)
		}
	}
	return nil
}
