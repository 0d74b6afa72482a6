// Package gitx wraps the git CLI for repository and worktree operations.
//
// Every call shells out to git in a fixed directory with a caller-supplied
// context; there is no libgit2 binding and no shell interpolation of
// arguments.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Repo runs git commands rooted at a working directory.
type Repo struct {
	Dir string
}

// run executes git with args in the repo directory, returning trimmed
// combined output.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		return s, fmt.Errorf("git %s: %w: %s", args[0], err, s)
	}
	return s, nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Head returns the HEAD commit sha.
func (r *Repo) Head(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "HEAD")
}

// RevParse resolves a ref to a sha.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	return r.run(ctx, "rev-parse", "--verify", ref)
}

// ObjectExists reports whether a ref resolves to an object.
func (r *Repo) ObjectExists(ctx context.Context, ref string) bool {
	_, err := r.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{object}")
	return err == nil
}

// HasUncommitted reports whether the worktree has staged, unstaged, or
// untracked changes.
func (r *Repo) HasUncommitted(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// StatusPorcelain returns the raw porcelain status output.
func (r *Repo) StatusPorcelain(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain")
}

// AddAll stages every change, including untracked files.
func (r *Repo) AddAll(ctx context.Context) error {
	_, err := r.run(ctx, "add", "-A")
	return err
}

// Commit records staged changes with the given message.
func (r *Repo) Commit(ctx context.Context, message string) error {
	_, err := r.run(ctx, "commit", "-m", message)
	return err
}

// ChangedFiles lists files changed between two refs.
func (r *Repo) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", from+".."+to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// DiffText returns the textual diff between two refs.
func (r *Repo) DiffText(ctx context.Context, from, to string) (string, error) {
	return r.run(ctx, "diff", from+".."+to)
}

// DiffWorking returns the diff of uncommitted changes against HEAD.
func (r *Repo) DiffWorking(ctx context.Context) (string, error) {
	return r.run(ctx, "diff", "HEAD")
}

// DiffStat returns a summary diff between two refs.
func (r *Repo) DiffStat(ctx context.Context, from, to string) (string, error) {
	return r.run(ctx, "diff", "--stat", from+".."+to)
}

// DiffCheck runs git's conflict-marker and whitespace scan over the range.
// A non-empty result means leftover conflict markers.
func (r *Repo) DiffCheck(ctx context.Context, from, to string) (string, error) {
	out, err := r.run(ctx, "diff", "--check", from+".."+to)
	if err != nil {
		// git diff --check exits 2 when it finds problems; the findings are
		// in the output, not the error.
		if out != "" {
			return out, nil
		}
		return "", err
	}
	return out, nil
}

// DiscardAll hard-resets tracked files and removes untracked ones.
func (r *Repo) DiscardAll(ctx context.Context) error {
	if _, err := r.run(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := r.run(ctx, "clean", "-fd")
	return err
}

// HasRemote reports whether the named remote is configured.
func (r *Repo) HasRemote(ctx context.Context, name string) bool {
	out, err := r.run(ctx, "remote")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true
		}
	}
	return false
}

// Fetch updates the named remote.
func (r *Repo) Fetch(ctx context.Context, remote string) error {
	_, err := r.run(ctx, "fetch", remote)
	return err
}

// IsAncestor reports whether ancestor is reachable from ref.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, ref string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", ancestor, ref)
	cmd.Dir = r.Dir
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base: %w", err)
}

// Rebase replays the current branch onto the given ref.
func (r *Repo) Rebase(ctx context.Context, onto string) error {
	_, err := r.run(ctx, "rebase", onto)
	return err
}

// RebaseContinue resumes a conflicted rebase after resolution.
func (r *Repo) RebaseContinue(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "-c", "core.editor=true", "rebase", "--continue")
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git rebase --continue: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RebaseAbort abandons an in-progress rebase.
func (r *Repo) RebaseAbort(ctx context.Context) error {
	_, err := r.run(ctx, "rebase", "--abort")
	return err
}

// ConflictedFiles lists paths with unresolved merge conflicts.
func (r *Repo) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ShowStage writes the given index stage (1=base, 2=ours, 3=theirs) of a
// conflicted path to dst. Returns false if the stage does not exist.
func (r *Repo) ShowStage(ctx context.Context, stage int, path, dst string) (bool, error) {
	out, err := r.run(ctx, "show", fmt.Sprintf(":%d:%s", stage, path))
	if err != nil {
		return false, nil
	}
	return true, os.WriteFile(dst, []byte(out+"\n"), 0o644)
}

// MergeFileUnion resolves a three-way conflict by keeping both sides.
func (r *Repo) MergeFileUnion(ctx context.Context, current, base, other string) error {
	_, err := r.run(ctx, "merge-file", "--union", current, base, other)
	return err
}

// Checkout switches to the named ref.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "checkout", ref)
	return err
}

// Merge merges the given branch into the current one with a merge commit.
func (r *Repo) Merge(ctx context.Context, branch, message string) error {
	_, err := r.run(ctx, "merge", "--no-ff", "-m", message, branch)
	return err
}

// Push publishes the current branch.
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	_, err := r.run(ctx, "push", remote, branch)
	return err
}

// ForcePushLease force-pushes with a lease, for post-rebase publication.
func (r *Repo) ForcePushLease(ctx context.Context, remote, branch string) error {
	_, err := r.run(ctx, "push", "--force-with-lease", remote, branch)
	return err
}

// CreateWorktree adds a linked worktree at path on a new branch cut from base.
func (r *Repo) CreateWorktree(ctx context.Context, path, branch, base string) error {
	_, err := r.run(ctx, "worktree", "add", "-b", branch, path, base)
	return err
}

// RemoveWorktree detaches and removes a linked worktree.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	_, err := r.run(ctx, "worktree", "remove", "--force", path)
	return err
}

// DeleteBranch removes a fully merged local branch.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "branch", "-d", branch)
	return err
}

// LastCommitMessage returns the subject of the most recent commit.
func (r *Repo) LastCommitMessage(ctx context.Context) (string, error) {
	return r.run(ctx, "log", "-1", "--format=%s")
}

// Log returns recent commit subjects, newest first.
func (r *Repo) Log(ctx context.Context, n int) (string, error) {
	return r.run(ctx, "log", fmt.Sprintf("-%d", n), "--format=%h %s")
}
