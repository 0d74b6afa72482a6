// Package engine runs the per-workstream delivery cycle: pick the next plan
// item, implement it with the coding agent, test, review, and gate on a human
// where the autonomy level demands one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codr1/conveyor/internal/agent"
	"github.com/codr1/conveyor/internal/clarify"
	"github.com/codr1/conveyor/internal/config"
	"github.com/codr1/conveyor/internal/gitx"
	"github.com/codr1/conveyor/internal/lock"
	"github.com/codr1/conveyor/internal/metrics"
	"github.com/codr1/conveyor/internal/plan"
	"github.com/codr1/conveyor/internal/runlog"
	"github.com/codr1/conveyor/internal/workstream"
)

// Implementer is the coding agent surface the engine needs.
type Implementer interface {
	Implement(ctx context.Context, req agent.ImplementRequest) (*agent.ImplementResult, error)
}

// Reviewer is the review agent surface the engine needs.
type Reviewer interface {
	Review(ctx context.Context, prompt string) (*agent.Verdict, error)
}

// Planner produces plan items from stories and test failures.
type Planner interface {
	Breakdown(ctx context.Context, prompt string) ([]agent.PlanItem, error)
	ProposeFixes(ctx context.Context, prompt string) ([]agent.PlanItem, error)
}

// ShellFunc runs a configured command line in a directory.
type ShellFunc func(ctx context.Context, dir, command string, timeout time.Duration) (agent.ExecResult, error)

// Engine executes cycles for one workstream.
type Engine struct {
	Ops     string
	Project config.Project
	Profile config.Profile
	Meta    config.Meta

	WS      *workstream.Workstream
	Repo    *gitx.Repo // the workstream's worktree
	Clarify *clarify.Store
	Locks   *lock.Manager

	Implementer Implementer
	Reviewer    Reviewer
	Planner     Planner
	RunShell    ShellFunc

	Metrics *metrics.Recorder
	Log     *slog.Logger
}

// New wires an Engine from loaded configuration, with real agents.
func New(ops string, proj config.Project, prof config.Profile, meta config.Meta, ws *workstream.Workstream) *Engine {
	return &Engine{
		Ops:     ops,
		Project: proj,
		Profile: prof,
		Meta:    meta,
		WS:      ws,
		Repo:    &gitx.Repo{Dir: ws.Worktree},
		Clarify: &clarify.Store{Dir: ws.ClarificationsDir()},
		Locks:   &lock.Manager{Dir: lockDir(ops)},
		Implementer: &agent.Implementer{
			Cmd: prof.ImplementerCmd, Dir: ws.Worktree, Timeout: prof.ImplementTimeout,
		},
		Reviewer: &agent.Reviewer{
			Cmd: prof.ReviewerCmd, Dir: ws.Worktree, Timeout: prof.ReviewTimeout,
		},
		Planner: &agent.Planner{
			Cmd: prof.ImplementerCmd, Dir: ws.Worktree, Timeout: prof.BreakdownTimeout,
		},
		RunShell: agent.ExecShell,
		Log:      slog.Default(),
	}
}

func lockDir(ops string) string { return ops + "/locks" }

// LockDir returns the lock directory under an ops dir.
func LockDir(ops string) string { return lockDir(ops) }

// RunOnce executes one full cycle and returns its outcome. All failure paths
// are folded into the outcome; nothing escapes as an error.
func (e *Engine) RunOnce(ctx context.Context) Outcome {
	run, err := runlog.New(e.Ops, e.Project.Name, e.WS.ID)
	if err != nil {
		return fatal(StageLoad, fmt.Sprintf("create run dir: %v", err))
	}
	out := e.cycle(ctx, run)

	if err := run.Finish(runlog.Result{
		Workstream: e.WS.ID,
		ItemID:     out.ItemID,
		Kind:       resultKind(out.Kind),
		Detail:     out.Detail,
		Attempts:   out.Attempts,
		CommitSHA:  out.CommitSHA,
	}); err != nil {
		e.Log.Error("write run result", "run", run.ID, "err", err)
	}
	e.WS.UpdateMeta(map[string]*string{"LAST_RUN_ID": config.String(run.ID)})
	if ix, err := runlog.OpenIndex(e.Ops); err == nil {
		if res, err := runlog.LoadResult(e.Ops, run.ID); err == nil {
			ix.Insert(*res)
		}
		ix.Close()
	}
	e.Metrics.Cycle(ctx, e.WS.ID, out.Kind)
	e.Log.Info("cycle finished",
		"workstream", e.WS.ID, "run", run.ID, "kind", out.Kind,
		"item", out.ItemID, "detail", out.Detail)
	return out
}

// resultKind maps outcome kinds onto runlog result kinds; lock timeouts are
// recorded as fatal since the cycle never ran.
func resultKind(kind string) string {
	if kind == KindLockTimeout {
		return runlog.ResultFatal
	}
	return kind
}

func (e *Engine) cycle(ctx context.Context, run *runlog.Run) Outcome {
	handle, err := e.Locks.Acquire(e.WS.ID, e.Profile.LockTimeout)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return Outcome{Kind: KindLockTimeout, Stage: StageLoad, Detail: err.Error()}
		}
		return fatal(StageLoad, fmt.Sprintf("acquire lock: %v", err))
	}
	e.Metrics.LockDelta(ctx, 1)
	defer func() {
		handle.Release()
		e.Metrics.LockDelta(ctx, -1)
	}()
	if held, err := e.Locks.CountHeld(); err == nil && held > 3 {
		e.Log.Warn("many workstreams active at once", "held_locks", held)
	}

	// LOAD
	start := time.Now()
	items, err := plan.Parse(e.WS.PlanPath())
	if err != nil {
		return fatal(StageLoad, fmt.Sprintf("read plan: %v", err))
	}
	branch, err := e.Repo.CurrentBranch(ctx)
	if err != nil {
		return fatal(StageLoad, fmt.Sprintf("inspect worktree: %v", err))
	}
	if e.WS.Branch != "" && branch != e.WS.Branch {
		return fatal(StageLoad, fmt.Sprintf("worktree is on %s, expected %s", branch, e.WS.Branch))
	}
	if e.WS.BaseSHA != "" && !e.Repo.ObjectExists(ctx, e.WS.BaseSHA) {
		return fatal(StageLoad, fmt.Sprintf("base revision %s not found in worktree", e.WS.BaseSHA))
	}
	resume, err := e.loadResume(ctx)
	if err != nil {
		return fatal(StageLoad, err.Error())
	}
	run.RecordStage(StageLoad, 0, "ok", time.Since(start))

	// A paused workstream moves only on a stored human verdict.
	if e.WS.Status == workstream.StatusAwaitingReview {
		return e.resumeFromHumanGate(ctx, run, items)
	}

	// CLARIFICATION_CHECK (pre): blocked stays blocked until questions are
	// answered, then re-activates.
	blocking, err := e.Clarify.Blocking()
	if err != nil {
		return fatal(StageClarify, fmt.Sprintf("read clarifications: %v", err))
	}
	if len(blocking) > 0 {
		reason := fmt.Sprintf("%d blocking question(s), first: %s", len(blocking), blocking[0].ID)
		e.WS.SetBlocked(reason)
		return blocked("", reason)
	}
	if e.WS.Status == workstream.StatusBlocked {
		e.WS.SetStatus(workstream.StatusActive)
	}

	// BREAKDOWN: an empty plan gets split into micro-commits first.
	if len(items) == 0 {
		var out *Outcome
		if items, out = e.breakdown(ctx, run); out != nil {
			return *out
		}
	}

	// SELECT
	item := plan.NextPending(items)
	if item == nil {
		e.WS.SetStatus(workstream.StatusDone)
		return planEmpty()
	}
	run.Logf(StageSelect, "selected %s: %s", item.ID, item.Title)

	return e.attemptLoop(ctx, run, item, resume)
}

// breakdown fills an empty plan from the story text.
func (e *Engine) breakdown(ctx context.Context, run *runlog.Run) ([]plan.Item, *Outcome) {
	start := time.Now()
	story, err := plan.Preamble(e.WS.PlanPath())
	if err != nil || strings.TrimSpace(story) == "" {
		out := fatal(StageBreakdown, "plan has no items and no story text to break down")
		return nil, &out
	}
	prompt := agent.BreakdownPrompt(e.Project.Name, e.WS.ID, story, e.projectContext())
	proposed, err := e.Planner.Breakdown(ctx, prompt)
	if err != nil {
		e.Metrics.AgentCall(ctx, "planner", "error")
		out := e.failureFromError(StageBreakdown, "", err, 0)
		return nil, &out
	}
	e.Metrics.AgentCall(ctx, "planner", "ok")
	for i, p := range proposed {
		block := fmt.Sprintf("\n### COMMIT-%s-%03d: %s\n\n%s\n\nDone: [ ]\n",
			strings.ToUpper(e.WS.ID), i+1, p.Title, p.Body)
		if err := plan.Append(e.WS.PlanPath(), block); err != nil {
			out := fatal(StageBreakdown, fmt.Sprintf("append plan item: %v", err))
			return nil, &out
		}
	}
	run.RecordStage(StageBreakdown, 0, fmt.Sprintf("%d items", len(proposed)), time.Since(start))
	items, err := plan.Parse(e.WS.PlanPath())
	if err != nil {
		out := fatal(StageBreakdown, fmt.Sprintf("reread plan: %v", err))
		return nil, &out
	}
	return items, nil
}

// failureFromError turns an agent/subprocess error into the matching outcome.
func (e *Engine) failureFromError(stage, itemID string, err error, attempts int) Outcome {
	switch classifyError(err) {
	case ClassInfra:
		return infraFailure(stage, itemID, err.Error(), attempts)
	default:
		return fatal(stage, err.Error())
	}
}

func (e *Engine) projectContext() string {
	var b strings.Builder
	if e.Meta.Description != "" {
		fmt.Fprintf(&b, "%s\n", e.Meta.Description)
	}
	if e.Meta.Tech.Preferred != "" {
		fmt.Fprintf(&b, "Preferred tech: %s\n", e.Meta.Tech.Preferred)
	}
	if e.Meta.Tech.Acceptable != "" {
		fmt.Fprintf(&b, "Acceptable tech: %s\n", e.Meta.Tech.Acceptable)
	}
	if e.Meta.Tech.Avoid != "" {
		fmt.Fprintf(&b, "Avoid: %s\n", e.Meta.Tech.Avoid)
	}
	return strings.TrimSpace(b.String())
}
