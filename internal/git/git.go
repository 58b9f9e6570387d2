// Package git provisions and removes git worktrees for workspaces.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const commandTimeout = 30 * time.Second

// ErrInvalidBranchName is returned when a branch name fails validation.
var ErrInvalidBranchName = errors.New("invalid branch name")

// CLI invokes the git binary. It exists so callers can depend on an
// interface and substitute a fake in tests.
type CLI struct{}

func (CLI) CreateWorktree(ctx context.Context, repoDir, branch, path string) error {
	return CreateWorktree(ctx, repoDir, branch, path)
}

func (CLI) RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error {
	return RemoveWorktree(ctx, repoDir, path, force)
}

// Worktree describes one entry from `git worktree list --porcelain`.
type Worktree struct {
	Path   string
	Branch string
	Commit string
	Bare   bool
}

// branchNameRe permits the subset of ref names we are willing to pass to
// the git CLI. Stricter than git-check-ref-format, which is fine: these
// names come from HTTP clients.
var branchNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_./-]*$`)

// ValidateBranchName rejects names that could be misparsed as options or
// refer outside refs/heads.
func ValidateBranchName(name string) error {
	if name == "" || len(name) > 200 {
		return ErrInvalidBranchName
	}
	if !branchNameRe.MatchString(name) {
		return ErrInvalidBranchName
	}
	if strings.Contains(name, "..") || strings.HasSuffix(name, ".lock") ||
		strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return ErrInvalidBranchName
	}
	return nil
}

// SanitizeBranchName converts a branch name into a path-safe directory
// component (feature/login-fix -> feature-login-fix).
func SanitizeBranchName(name string) string {
	s := strings.NewReplacer("/", "-", ":", "-", " ", "-").Replace(name)
	s = strings.Trim(s, "-.")
	if s == "" {
		s = "worktree"
	}
	return s
}

// WorktreePath returns the default location for a worktree of the given
// branch: a sibling directory of the repository named after it.
func WorktreePath(repoDir, branch string) string {
	parent := filepath.Dir(repoDir)
	base := filepath.Base(repoDir)
	return filepath.Join(parent, base+"-worktrees", SanitizeBranchName(branch))
}

func run(ctx context.Context, repoDir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	full := append([]string{"-C", repoDir}, args...)
	out, err := exec.CommandContext(ctx, "git", full...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return "", fmt.Errorf("git %s: %w", args[0], err)
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return string(out), nil
}

// IsRepo reports whether dir is inside a git working tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// BranchExists reports whether the local branch exists in repoDir.
func BranchExists(ctx context.Context, repoDir, branch string) (bool, error) {
	if err := ValidateBranchName(branch); err != nil {
		return false, err
	}
	_, err := run(ctx, repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// CreateWorktree adds a worktree for branch at path. The branch is created
// from the current HEAD when it does not exist yet.
func CreateWorktree(ctx context.Context, repoDir, branch, path string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	if !IsRepo(ctx, repoDir) {
		return fmt.Errorf("not a git repository: %s", repoDir)
	}

	exists, err := BranchExists(ctx, repoDir, branch)
	if err != nil {
		return err
	}
	args := []string{"worktree", "add"}
	if !exists {
		args = append(args, "-b", branch)
	}
	args = append(args, path)
	if exists {
		args = append(args, branch)
	}
	_, err = run(ctx, repoDir, args...)
	return err
}

// RemoveWorktree detaches the worktree at path from repoDir. With force,
// uncommitted changes in the worktree are discarded.
func RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := run(ctx, repoDir, args...)
	return err
}

// ListWorktrees returns all worktrees registered with repoDir.
func ListWorktrees(ctx context.Context, repoDir string) ([]Worktree, error) {
	out, err := run(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []Worktree {
	var list []Worktree
	var cur Worktree
	flush := func() {
		if cur.Path != "" {
			list = append(list, cur)
		}
		cur = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			cur.Bare = true
		}
	}
	flush()
	return list
}
