package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type fixture struct {
	dir  string
	repo *gogit.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return &fixture{dir: dir, repo: repo}
}

func (f *fixture) commit(t *testing.T, file, content, msg string) plumbing.Hash {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, file), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	wt, err := f.repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add(file); err != nil {
		t.Fatalf("add: %v", err)
	}
	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return hash
}

func (f *fixture) branch(t *testing.T) string {
	t.Helper()
	head, err := f.repo.Head()
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	return head.Name().Short()
}

func TestCloneBranch(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "index.html", "v1", "first")
	second := f.commit(t, "index.html", "v2", "second\n")

	dest := t.TempDir()
	commit, err := Clone(context.Background(), CloneOptions{URL: f.dir, Ref: f.branch(t), Dest: dest})
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if commit.SHA != second.String() {
		t.Fatalf("expected %s, got %s", second, commit.SHA)
	}
	if commit.Message != "second" {
		t.Fatalf("unexpected message %q", commit.Message)
	}
	data, err := os.ReadFile(filepath.Join(dest, "index.html"))
	if err != nil || string(data) != "v2" {
		t.Fatalf("expected checked out file, got %q %v", data, err)
	}
}

func TestCloneTagAndSHA(t *testing.T) {
	f := newFixture(t)
	first := f.commit(t, "app.txt", "one", "first")
	if _, err := f.repo.CreateTag("v1.0.0", first, nil); err != nil {
		t.Fatalf("tag: %v", err)
	}
	f.commit(t, "app.txt", "two", "second")

	commit, err := Clone(context.Background(), CloneOptions{URL: f.dir, Ref: "v1.0.0", Dest: t.TempDir()})
	if err != nil {
		t.Fatalf("clone tag: %v", err)
	}
	if commit.SHA != first.String() {
		t.Fatalf("expected tag to resolve to %s, got %s", first, commit.SHA)
	}

	dest := t.TempDir()
	commit, err = Clone(context.Background(), CloneOptions{URL: f.dir, Ref: first.String()[:12], Dest: dest})
	if err != nil {
		t.Fatalf("clone sha: %v", err)
	}
	if commit.SHA != first.String() {
		t.Fatalf("expected %s, got %s", first, commit.SHA)
	}
	data, _ := os.ReadFile(filepath.Join(dest, "app.txt"))
	if string(data) != "one" {
		t.Fatalf("expected first revision contents, got %q", data)
	}
}

func TestCloneUnknownRef(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "a", "a", "first")
	if _, err := Clone(context.Background(), CloneOptions{URL: f.dir, Ref: "nope", Dest: t.TempDir()}); err == nil {
		t.Fatal("expected unknown ref to fail")
	}
}

func TestIsLocal(t *testing.T) {
	cases := map[string]bool{
		"/srv/repos/app":                  true,
		"file:///srv/repos/app":           true,
		"https://github.com/acme/app.git": false,
		"git@github.com:acme/app.git":     false,
	}
	for url, want := range cases {
		if got := isLocal(url); got != want {
			t.Fatalf("%s: expected %v, got %v", url, want, got)
		}
	}
}
