// Package mergegate lands finished workstreams on the default branch.
//
// Before a merge the gate runs the full test suite, ensures the branch is
// current with the default branch (rebasing if not), and scans for leftover
// conflict markers. Suite failures feed back into the plan as fix commits
// rather than failing outright, bounded by a per-workstream fix budget.
package mergegate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codr1/conveyor/internal/agent"
	"github.com/codr1/conveyor/internal/config"
	"github.com/codr1/conveyor/internal/engine"
	"github.com/codr1/conveyor/internal/gitx"
	"github.com/codr1/conveyor/internal/lock"
	"github.com/codr1/conveyor/internal/plan"
	"github.com/codr1/conveyor/internal/workstream"
)

// Gate outcomes.
const (
	KindMerged          = "merged"
	KindReady           = "ready"             // every check passed; merge not performed
	KindFixesProposed   = "fixes_proposed"    // suite failed; fix items appended to the plan
	KindFixesExhausted  = "fixes_exhausted"   // suite failed and the fix budget is spent
	KindRebaseFailed    = "rebase_failed"     // could not bring the branch up to date
	KindConflictMarkers = "conflict_markers"  // markers found in the diff
	KindNotReady        = "not_ready"         // pending plan items remain
	KindFatal           = "fatal"
)

// Outcome is the result of one gate evaluation.
type Outcome struct {
	Kind     string
	Detail   string
	MergeSHA string
}

// Gate evaluates and lands one workstream.
type Gate struct {
	Ops     string
	Project config.Project
	Profile config.Profile

	WS       *workstream.Workstream
	Worktree *gitx.Repo // the workstream's worktree
	Main     *gitx.Repo // the primary checkout of the repository

	Locks    *lock.Manager
	Planner  engine.Planner
	RunShell engine.ShellFunc

	Log *slog.Logger
}

// New wires a Gate with real collaborators.
func New(ops string, proj config.Project, prof config.Profile, ws *workstream.Workstream) *Gate {
	return &Gate{
		Ops:      ops,
		Project:  proj,
		Profile:  prof,
		WS:       ws,
		Worktree: &gitx.Repo{Dir: ws.Worktree},
		Main:     &gitx.Repo{Dir: proj.RepoPath},
		Locks:    &lock.Manager{Dir: engine.LockDir(ops)},
		Planner: &agent.Planner{
			Cmd: prof.ImplementerCmd, Dir: ws.Worktree, Timeout: prof.BreakdownTimeout,
		},
		RunShell: agent.ExecShell,
		Log:      slog.Default(),
	}
}

// Run evaluates the gate and, if everything passes, merges the workstream
// branch into the default branch and archives the workstream.
func (g *Gate) Run(ctx context.Context) Outcome {
	handle, err := g.Locks.Acquire(g.WS.ID, g.Profile.LockTimeout)
	if err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("acquire lock: %v", err)}
	}
	defer handle.Release()

	out, ok := g.evaluate(ctx)
	if !ok {
		return out
	}
	return g.merge(ctx)
}

// Evaluate runs every gate check without merging. The cycle engine calls this
// as soon as a plan runs out of pending items, so suite failures surface and
// fix items land before any human asks for the merge.
func (g *Gate) Evaluate(ctx context.Context) Outcome {
	handle, err := g.Locks.Acquire(g.WS.ID, g.Profile.LockTimeout)
	if err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("acquire lock: %v", err)}
	}
	defer handle.Release()

	out, _ := g.evaluate(ctx)
	return out
}

func (g *Gate) evaluate(ctx context.Context) (Outcome, bool) {
	items, err := plan.Parse(g.WS.PlanPath())
	if err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("read plan: %v", err)}, false
	}
	if pending := plan.NextPending(items); pending != nil {
		return Outcome{Kind: KindNotReady, Detail: fmt.Sprintf("pending item %s", pending.ID)}, false
	}
	if dirty, err := g.Worktree.HasUncommitted(ctx); err != nil || dirty {
		return Outcome{Kind: KindFatal, Detail: "worktree has uncommitted changes"}, false
	}

	// Full suite first; the per-item runs only covered increments.
	if out, ok := g.runSuite(ctx, items); !ok {
		return out, false
	}

	// The branch must contain the tip of the default branch before merging.
	rebased, out, ok := g.ensureCurrent(ctx)
	if !ok {
		return out, false
	}
	if rebased {
		// The rebase produced new trees; the earlier suite run proved
		// nothing about them.
		if out, ok := g.runSuite(ctx, items); !ok {
			return out, false
		}
	}

	// Leftover conflict markers in the whole branch diff are a hard stop.
	base, err := g.Worktree.RevParse(ctx, g.Project.DefaultBranch)
	if err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("resolve %s: %v", g.Project.DefaultBranch, err)}, false
	}
	if findings, err := g.Worktree.DiffCheck(ctx, base, "HEAD"); err == nil && findings != "" {
		if strings.Contains(findings, "conflict") || strings.Contains(findings, "<<<") {
			return Outcome{Kind: KindConflictMarkers, Detail: findings}, false
		}
	}

	stat, _ := g.Worktree.DiffStat(ctx, base, "HEAD")
	return Outcome{Kind: KindReady, Detail: stat}, true
}

// runSuite runs the merge-gate test command and, on failure, asks the agent
// for fix items and appends them to the plan.
func (g *Gate) runSuite(ctx context.Context, items []plan.Item) (Outcome, bool) {
	cmd := g.Profile.MergeGateTestCmd()
	if cmd == "" {
		return Outcome{}, true
	}
	res, err := g.RunShell(ctx, g.Worktree.Dir, cmd, g.Profile.TestTimeout)
	if err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("run suite: %v", err)}, false
	}
	if res.ExitCode == 0 {
		return Outcome{}, true
	}
	failOutput := res.Stdout + res.Stderr

	rounds, err := g.fixRounds()
	if err != nil {
		return Outcome{Kind: KindFatal, Detail: err.Error()}, false
	}
	if rounds >= g.Profile.MaxFixRounds {
		g.WS.SetBlocked(fmt.Sprintf("suite still failing after %d fix rounds", rounds))
		return Outcome{Kind: KindFixesExhausted,
			Detail: fmt.Sprintf("fix budget of %d rounds spent", g.Profile.MaxFixRounds)}, false
	}

	prompt := agent.FixPrompt(g.Project.Name, g.WS.ID, failOutput)
	fixes, err := g.Planner.ProposeFixes(ctx, prompt)
	if err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("propose fixes: %v", err)}, false
	}
	wsTag := strings.ToUpper(g.WS.ID)
	n := plan.NextFixNumber(items, wsTag)
	for i, f := range fixes {
		if err := plan.Append(g.WS.PlanPath(), plan.FormatFixEntry(wsTag, n+i, f.Title, f.Body)); err != nil {
			return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("append fix item: %v", err)}, false
		}
	}
	if err := g.setFixRounds(rounds + 1); err != nil {
		return Outcome{Kind: KindFatal, Detail: err.Error()}, false
	}
	g.WS.SetStatus(workstream.StatusActive)
	g.Log.Info("suite failed at merge gate; fix items appended",
		"workstream", g.WS.ID, "fixes", len(fixes), "round", rounds+1)
	return Outcome{Kind: KindFixesProposed,
		Detail: fmt.Sprintf("%d fix item(s) appended, round %d of %d", len(fixes), rounds+1, g.Profile.MaxFixRounds)}, false
}

// ensureCurrent rebases the branch onto the default branch tip if it has
// moved, resolving conflicted files by keeping both sides. The first return
// reports whether a rebase actually ran.
func (g *Gate) ensureCurrent(ctx context.Context) (bool, Outcome, bool) {
	if g.Main.HasRemote(ctx, "origin") {
		if err := g.Main.Fetch(ctx, "origin"); err != nil {
			g.Log.Warn("fetch failed; gating against local state", "err", err)
		}
	}
	tip, err := g.Worktree.RevParse(ctx, g.Project.DefaultBranch)
	if err != nil {
		return false, Outcome{Kind: KindFatal, Detail: fmt.Sprintf("resolve %s: %v", g.Project.DefaultBranch, err)}, false
	}
	current, err := g.Worktree.IsAncestor(ctx, tip, "HEAD")
	if err != nil {
		return false, Outcome{Kind: KindFatal, Detail: err.Error()}, false
	}
	if current {
		return false, Outcome{}, true
	}

	if err := g.Worktree.Rebase(ctx, g.Project.DefaultBranch); err != nil {
		if out, rerr := g.resolveRebase(ctx); rerr != nil {
			g.Worktree.RebaseAbort(ctx)
			return true, Outcome{Kind: KindRebaseFailed, Detail: rerr.Error()}, false
		} else if out != "" {
			g.Log.Info("rebase conflicts auto-resolved", "workstream", g.WS.ID, "files", out)
		}
	}
	// A rebase rewrites the branch; a previously published copy on the
	// remote must be replaced, never the default branch.
	if g.Main.HasRemote(ctx, "origin") {
		if err := g.Worktree.ForcePushLease(ctx, "origin", g.WS.Branch); err != nil {
			g.Log.Warn("could not republish rebased branch", "branch", g.WS.Branch, "err", err)
		}
	}
	return true, Outcome{}, true
}

// resolveRebase union-merges every conflicted file and continues the rebase.
// Union resolution keeps both sides; the suite re-run after rebase is what
// validates the result.
func (g *Gate) resolveRebase(ctx context.Context) (string, error) {
	var resolved []string
	for {
		conflicted, err := g.Worktree.ConflictedFiles(ctx)
		if err != nil {
			return "", err
		}
		if len(conflicted) == 0 {
			break
		}
		for _, path := range conflicted {
			if err := g.unionResolve(ctx, path); err != nil {
				return "", fmt.Errorf("resolve %s: %w", path, err)
			}
			resolved = append(resolved, path)
		}
		if err := g.Worktree.AddAll(ctx); err != nil {
			return "", err
		}
		if err := g.Worktree.RebaseContinue(ctx); err != nil {
			// More commits may conflict; loop again only if new conflicts
			// appeared, otherwise give up.
			next, cerr := g.Worktree.ConflictedFiles(ctx)
			if cerr != nil || len(next) == 0 {
				return "", err
			}
		}
	}
	return strings.Join(resolved, ","), nil
}

// unionResolve rewrites one conflicted path keeping both sides.
func (g *Gate) unionResolve(ctx context.Context, path string) error {
	tmp, err := os.MkdirTemp("", "conveyor-merge-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	base := filepath.Join(tmp, "base")
	ours := filepath.Join(tmp, "ours")
	theirs := filepath.Join(tmp, "theirs")
	if ok, err := g.Worktree.ShowStage(ctx, 1, path, base); err != nil {
		return err
	} else if !ok {
		// No common base (both added); an empty base unions cleanly.
		if err := os.WriteFile(base, nil, 0o644); err != nil {
			return err
		}
	}
	if ok, err := g.Worktree.ShowStage(ctx, 2, path, ours); err != nil || !ok {
		return fmt.Errorf("missing our side of %s", path)
	}
	if ok, err := g.Worktree.ShowStage(ctx, 3, path, theirs); err != nil || !ok {
		return fmt.Errorf("missing their side of %s", path)
	}
	if err := g.Worktree.MergeFileUnion(ctx, ours, base, theirs); err != nil {
		return err
	}
	data, err := os.ReadFile(ours)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.Worktree.Dir, path), data, 0o644)
}

// merge lands the branch under the global repository lock and retires the
// workstream.
func (g *Gate) merge(ctx context.Context) Outcome {
	handle, err := g.Locks.Acquire(lock.GlobalScope, g.Profile.GlobalLockTimeout)
	if err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("acquire global lock: %v", err)}
	}
	defer handle.Release()

	if err := g.Main.Checkout(ctx, g.Project.DefaultBranch); err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("checkout %s: %v", g.Project.DefaultBranch, err)}
	}
	msg := fmt.Sprintf("Merge %s: %s", g.WS.Branch, g.WS.Title)
	if err := g.Main.Merge(ctx, g.WS.Branch, msg); err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("merge: %v", err)}
	}
	sha, err := g.Main.Head(ctx)
	if err != nil {
		return Outcome{Kind: KindFatal, Detail: fmt.Sprintf("resolve merge sha: %v", err)}
	}
	if g.Main.HasRemote(ctx, "origin") {
		if err := g.Main.Push(ctx, "origin", g.Project.DefaultBranch); err != nil {
			g.Log.Warn("push failed; merge is local only", "err", err)
		}
	}

	g.WS.SetStatus(workstream.StatusMerged)
	if err := g.retire(ctx); err != nil {
		g.Log.Warn("cleanup after merge failed", "workstream", g.WS.ID, "err", err)
	}
	g.Log.Info("workstream merged", "workstream", g.WS.ID, "sha", sha)
	return Outcome{Kind: KindMerged, MergeSHA: sha}
}

// retire removes the worktree and branch and archives the state directory.
func (g *Gate) retire(ctx context.Context) error {
	if g.WS.Worktree != "" && g.WS.Worktree != g.Main.Dir {
		if err := g.Main.RemoveWorktree(ctx, g.WS.Worktree); err != nil {
			return err
		}
		if err := g.Main.DeleteBranch(ctx, g.WS.Branch); err != nil {
			return err
		}
	}
	return g.WS.Archive(g.Ops)
}

func (g *Gate) metaPath() string { return filepath.Join(g.WS.Dir(), "meta.env") }

func (g *Gate) fixRounds() (int, error) {
	env, err := config.LoadEnv(g.metaPath())
	if err != nil {
		return 0, err
	}
	v := env["MERGE_FIX_ROUNDS"]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("MERGE_FIX_ROUNDS: invalid value %q", v)
	}
	return n, nil
}

func (g *Gate) setFixRounds(n int) error {
	return g.WS.UpdateMeta(map[string]*string{
		"MERGE_FIX_ROUNDS": config.String(strconv.Itoa(n)),
	})
}
