// Package repo queries the Git checkout holding the library under test.
//
// Git is invoked as the git binary through internal/executor rather than
// through a Git library, so the answers match what the user sees in their
// terminal. Every query runs "git -C <dir> ..." and never changes the
// process working directory.
package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/shinji-kodama/sessionrun/internal/executor"
)

// Info identifies the checkout a run was made from.
type Info struct {
	Root   string `json:"root"`
	Commit string `json:"commit"`
	Branch string `json:"branch"`
}

// Repo runs git queries.
type Repo struct {
	exec executor.Executor
}

// New creates a Repo that runs git through exec.
func New(exec executor.Executor) *Repo {
	return &Repo{exec: exec}
}

// Root returns the top-level directory of the working tree containing dir.
// For a linked worktree this is the worktree's root, not the main checkout.
func (r *Repo) Root(ctx context.Context, dir string) (string, error) {
	return r.git(ctx, dir, "rev-parse", "--show-toplevel")
}

// Commit returns the full hash of HEAD.
func (r *Repo) Commit(ctx context.Context, dir string) (string, error) {
	return r.git(ctx, dir, "rev-parse", "HEAD")
}

// Branch returns the short name of the checked-out branch, or "HEAD" when
// detached.
func (r *Repo) Branch(ctx context.Context, dir string) (string, error) {
	return r.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// Describe collects Root, Commit and Branch for dir.
func (r *Repo) Describe(ctx context.Context, dir string) (*Info, error) {
	root, err := r.Root(ctx, dir)
	if err != nil {
		return nil, err
	}
	commit, err := r.Commit(ctx, root)
	if err != nil {
		return nil, err
	}
	branch, err := r.Branch(ctx, root)
	if err != nil {
		return nil, err
	}
	return &Info{Root: root, Commit: commit, Branch: branch}, nil
}

// git runs "git -C dir args..." and returns its trimmed stdout. Stderr is
// folded into the error.
func (r *Repo) git(ctx context.Context, dir string, args ...string) (string, error) {
	var stderr strings.Builder
	out, err := r.exec.Output(ctx, executor.Command{
		Args:   append([]string{"git", "-C", dir}, args...),
		Stderr: &stderr,
	})
	if err != nil {
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if s := strings.TrimSpace(stderr.String()); s != "" {
			message = fmt.Sprintf("%s: %s", message, s)
		}
		return "", fmt.Errorf("%s: %w", message, err)
	}
	return out, nil
}
