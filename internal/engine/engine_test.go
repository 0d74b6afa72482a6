package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codr1/conveyor/internal/agent"
	"github.com/codr1/conveyor/internal/clarify"
	"github.com/codr1/conveyor/internal/config"
	"github.com/codr1/conveyor/internal/gitx"
	"github.com/codr1/conveyor/internal/lock"
	"github.com/codr1/conveyor/internal/plan"
	"github.com/codr1/conveyor/internal/runlog"
	"github.com/codr1/conveyor/internal/workstream"
)

type stubImplementer struct {
	fn    func(ctx context.Context, req agent.ImplementRequest) (*agent.ImplementResult, error)
	calls int
}

func (s *stubImplementer) Implement(ctx context.Context, req agent.ImplementRequest) (*agent.ImplementResult, error) {
	s.calls++
	return s.fn(ctx, req)
}

type stubReviewer struct {
	fn    func(ctx context.Context, prompt string) (*agent.Verdict, error)
	calls int
}

func (s *stubReviewer) Review(ctx context.Context, prompt string) (*agent.Verdict, error) {
	s.calls++
	return s.fn(ctx, prompt)
}

type stubPlanner struct {
	items []agent.PlanItem
}

func (s *stubPlanner) Breakdown(context.Context, string) ([]agent.PlanItem, error) {
	return s.items, nil
}

func (s *stubPlanner) ProposeFixes(context.Context, string) ([]agent.PlanItem, error) {
	return s.items, nil
}

func passShell(context.Context, string, string, time.Duration) (agent.ExecResult, error) {
	return agent.ExecResult{ExitCode: 0}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testPlan = `# ws-1: Login page

Add a login page.

### COMMIT-WS1-001: Add login form

Render the form.

Done: [ ]
`

// writeAndApprove is the canonical happy-path pair of stubs: the implementer
// drops a file, the reviewer cleanly approves.
func writeAndApprove(t *testing.T, e *Engine) (*stubImplementer, *stubReviewer) {
	t.Helper()
	im := &stubImplementer{fn: func(ctx context.Context, req agent.ImplementRequest) (*agent.ImplementResult, error) {
		path := filepath.Join(e.Repo.Dir, "login.go")
		if err := os.WriteFile(path, []byte("package login\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		return &agent.ImplementResult{Status: agent.StatusChangesMade, Summary: "added form"}, nil
	}}
	rv := &stubReviewer{fn: func(context.Context, string) (*agent.Verdict, error) {
		return &agent.Verdict{Decision: agent.DecisionApprove, Confidence: 0.95}, nil
	}}
	e.Implementer, e.Reviewer = im, rv
	return im, rv
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ops := t.TempDir()
	repoDir := t.TempDir()
	ctx := context.Background()
	repo := &gitx.Repo{Dir: repoDir}
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoDir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := repo.AddAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := repo.Commit(ctx, "initial commit"); err != nil {
		t.Fatal(err)
	}
	sha, err := repo.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}

	ws, err := workstream.Create(ops, "ws-1", "Login page", "main", "main", sha, repoDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ws.PlanPath(), []byte(testPlan), 0o644); err != nil {
		t.Fatal(err)
	}

	prof := config.DefaultProfile()
	prof.Autonomy = config.AutonomyAutonomous
	prof.LockTimeout = 2 * time.Second

	e := &Engine{
		Ops:      ops,
		Project:  config.Project{Name: "demo", RepoPath: repoDir, DefaultBranch: "main"},
		Profile:  prof,
		WS:       ws,
		Repo:     repo,
		Clarify:  &clarify.Store{Dir: ws.ClarificationsDir()},
		Locks:    &lock.Manager{Dir: LockDir(ops)},
		RunShell: passShell,
		Planner:  &stubPlanner{},
		Log:      discardLogger(),
	}
	writeAndApprove(t, e)
	return e
}

func reload(t *testing.T, e *Engine) *workstream.Workstream {
	t.Helper()
	ws, err := workstream.Load(e.Ops, e.WS.ID)
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func TestRunOnce_happyPathAutonomous(t *testing.T) {
	e := newEngine(t)
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultCompleted {
		t.Fatalf("outcome: %+v", out)
	}
	if out.ItemID != "COMMIT-WS1-001" || len(out.CommitSHA) != 40 || out.Attempts != 1 {
		t.Errorf("outcome: %+v", out)
	}

	items, _ := plan.Parse(e.WS.PlanPath())
	if !items[0].Done {
		t.Error("plan item should be marked done")
	}
	ws := reload(t, e)
	if ws.LastCommitSHA != out.CommitSHA || ws.LastRunID == "" {
		t.Errorf("meta: %+v", ws)
	}
	msg, _ := e.Repo.LastCommitMessage(context.Background())
	if msg != "COMMIT-WS1-001: Add login form" {
		t.Errorf("commit message: %q", msg)
	}
}

func TestRunOnce_supervisedPausesThenApproveFinalizes(t *testing.T) {
	e := newEngine(t)
	e.Profile.Autonomy = config.AutonomySupervised

	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultAwaitingHuman {
		t.Fatalf("outcome: %+v", out)
	}
	if reload(t, e).Status != workstream.StatusAwaitingReview {
		t.Error("workstream should be paused")
	}

	if err := e.WS.StoreApproval(workstream.Approval{Decision: "approve"}); err != nil {
		t.Fatal(err)
	}
	out = e.RunOnce(context.Background())
	if out.Kind != runlog.ResultCompleted {
		t.Fatalf("after approval: %+v", out)
	}
	items, _ := plan.Parse(e.WS.PlanPath())
	if !items[0].Done {
		t.Error("plan item should be done after approved finalize")
	}
}

func TestRunOnce_humanRejectReentersLoop(t *testing.T) {
	e := newEngine(t)
	e.Profile.Autonomy = config.AutonomySupervised
	if out := e.RunOnce(context.Background()); out.Kind != runlog.ResultAwaitingHuman {
		t.Fatalf("setup: %+v", out)
	}
	if err := e.WS.StoreApproval(workstream.Approval{Decision: "reject", Note: "wrong endpoint"}); err != nil {
		t.Fatal(err)
	}
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultContentFailure || out.Stage != StageHuman {
		t.Fatalf("reject outcome: %+v", out)
	}
	if reload(t, e).Status != workstream.StatusActive {
		t.Error("reject should reactivate the workstream")
	}
	// The note is queued as feedback for the next attempt.
	fb, _ := e.WS.TakeFeedback()
	if fb == nil || fb.Text != "wrong endpoint" {
		t.Errorf("feedback: %+v", fb)
	}
}

func TestRunOnce_testFailuresExhaustAttempts(t *testing.T) {
	e := newEngine(t)
	e.RunShell = func(context.Context, string, string, time.Duration) (agent.ExecResult, error) {
		return agent.ExecResult{ExitCode: 1, Stdout: "FAIL: TestLogin\n"}, nil
	}
	im := e.Implementer.(*stubImplementer)

	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultContentFailure || out.Stage != StageTest {
		t.Fatalf("outcome: %+v", out)
	}
	if out.Attempts != e.Profile.MaxAttempts || im.calls != e.Profile.MaxAttempts {
		t.Errorf("attempts=%d calls=%d", out.Attempts, im.calls)
	}
	if reload(t, e).Status != workstream.StatusAwaitingReview {
		t.Error("exhaustion should escalate to the human gate")
	}
}

func TestRunOnce_reviewRequestChangesThenApprove(t *testing.T) {
	e := newEngine(t)
	rv := e.Reviewer.(*stubReviewer)
	first := true
	rv.fn = func(context.Context, string) (*agent.Verdict, error) {
		if first {
			first = false
			return &agent.Verdict{Decision: agent.DecisionRequestChanges,
				RequiredChanges: []string{"validate input"}, Confidence: 0.8}, nil
		}
		return &agent.Verdict{Decision: agent.DecisionApprove, Confidence: 0.95}, nil
	}
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultCompleted || out.Attempts != 2 {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestRunOnce_reviewerRejectPauses(t *testing.T) {
	e := newEngine(t)
	e.Reviewer.(*stubReviewer).fn = func(context.Context, string) (*agent.Verdict, error) {
		return &agent.Verdict{Decision: agent.DecisionReject, Notes: "wrong approach", Confidence: 0.9}, nil
	}
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultContentFailure || out.Stage != StageReview {
		t.Fatalf("outcome: %+v", out)
	}
	if reload(t, e).Status != workstream.StatusAwaitingReview {
		t.Error("reject should pause for the human")
	}
}

func TestRunOnce_blockedCreatesClarification(t *testing.T) {
	e := newEngine(t)
	e.Implementer.(*stubImplementer).fn = func(context.Context, agent.ImplementRequest) (*agent.ImplementResult, error) {
		return &agent.ImplementResult{
			Status: agent.StatusBlocked,
			Clarifications: []agent.ClarificationRequest{
				{Question: "Which OAuth provider?", Blocking: true},
			},
		}, nil
	}
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultBlocked {
		t.Fatalf("outcome: %+v", out)
	}
	ws := reload(t, e)
	if ws.Status != workstream.StatusBlocked || ws.BlockedReason == "" {
		t.Errorf("workstream: %+v", ws)
	}
	pending, _ := e.Clarify.Pending()
	if len(pending) != 1 || pending[0].Question != "Which OAuth provider?" {
		t.Errorf("clarifications: %+v", pending)
	}

	// Still blocked on the next cycle while unanswered.
	out = e.RunOnce(context.Background())
	if out.Kind != runlog.ResultBlocked {
		t.Fatalf("second cycle: %+v", out)
	}

	// Answering unblocks; the next cycle proceeds to completion.
	if _, err := e.Clarify.Answer(pending[0].ID, "use Google"); err != nil {
		t.Fatal(err)
	}
	writeAndApprove(t, e)
	out = e.RunOnce(context.Background())
	if out.Kind != runlog.ResultCompleted {
		t.Fatalf("after answer: %+v", out)
	}
}

func TestRunOnce_blockedReasonOnlyStaysBlocked(t *testing.T) {
	e := newEngine(t)
	im := &stubImplementer{fn: func(context.Context, agent.ImplementRequest) (*agent.ImplementResult, error) {
		return &agent.ImplementResult{
			Status:        agent.StatusBlocked,
			BlockedReason: "migration direction is unclear",
		}, nil
	}}
	e.Implementer = im

	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultBlocked {
		t.Fatalf("outcome: %+v", out)
	}
	// The bare reason must be recorded as a blocking question, or the next
	// cycle would silently resume work.
	blocking, _ := e.Clarify.Blocking()
	if len(blocking) != 1 || blocking[0].Question != "migration direction is unclear" {
		t.Fatalf("blocking clarifications: %+v", blocking)
	}

	out = e.RunOnce(context.Background())
	if out.Kind != runlog.ResultBlocked {
		t.Fatalf("second cycle: %+v", out)
	}
	if im.calls != 1 {
		t.Errorf("implementer ran again while blocked: %d calls", im.calls)
	}

	if _, err := e.Clarify.Answer(blocking[0].ID, "forward-only migrations"); err != nil {
		t.Fatal(err)
	}
	writeAndApprove(t, e)
	if out := e.RunOnce(context.Background()); out.Kind != runlog.ResultCompleted {
		t.Fatalf("after answer: %+v", out)
	}
}

func TestRunOnce_alreadyDoneCleanIsNoop(t *testing.T) {
	e := newEngine(t)
	e.Implementer.(*stubImplementer).fn = func(context.Context, agent.ImplementRequest) (*agent.ImplementResult, error) {
		return &agent.ImplementResult{Status: agent.StatusAlreadyDone, Summary: "form exists"}, nil
	}
	rv := e.Reviewer.(*stubReviewer)
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultNoop {
		t.Fatalf("outcome: %+v", out)
	}
	if rv.calls != 0 {
		t.Error("noop must skip review")
	}
	items, _ := plan.Parse(e.WS.PlanPath())
	if !items[0].Done {
		t.Error("item should be marked done")
	}
}

func TestQAGateRequiresPersistedApproval(t *testing.T) {
	e := newEngine(t)
	run, err := runlog.New(e.Ops, "demo", e.WS.ID)
	if err != nil {
		t.Fatal(err)
	}
	item := &plan.Item{ID: "COMMIT-WS1-001"}

	out := e.qaGate(run, item, 1)
	if out == nil || out.Kind != runlog.ResultContentFailure || out.Stage != StageQAGate {
		t.Fatalf("missing review.json should fail the gate: %+v", out)
	}

	if err := run.WriteReview(&agent.Verdict{Decision: agent.DecisionApprove, Confidence: 0.9}); err != nil {
		t.Fatal(err)
	}
	if out := e.qaGate(run, item, 1); out != nil {
		t.Fatalf("clean persisted approval should pass: %+v", out)
	}

	if err := run.WriteReview(&agent.Verdict{Decision: agent.DecisionRequestChanges}); err != nil {
		t.Fatal(err)
	}
	out = e.qaGate(run, item, 1)
	if out == nil || out.Stage != StageQAGate {
		t.Fatalf("non-approval on disk should fail the gate: %+v", out)
	}
}

func TestRunOnce_planEmpty(t *testing.T) {
	e := newEngine(t)
	if err := plan.MarkDone(e.WS.PlanPath(), "COMMIT-WS1-001"); err != nil {
		t.Fatal(err)
	}
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultPlanEmpty {
		t.Fatalf("outcome: %+v", out)
	}
	if reload(t, e).Status != workstream.StatusDone {
		t.Error("workstream should be done")
	}
}

func TestRunOnce_breakdownFillsEmptyPlan(t *testing.T) {
	e := newEngine(t)
	if err := os.WriteFile(e.WS.PlanPath(), []byte("# ws-1: Login page\n\nAdd a login page.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e.Planner = &stubPlanner{items: []agent.PlanItem{
		{Title: "Add form", Body: "render it"},
		{Title: "Wire submit", Body: "post it"},
	}}
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultCompleted {
		t.Fatalf("outcome: %+v", out)
	}
	items, _ := plan.Parse(e.WS.PlanPath())
	if len(items) != 2 || items[0].ID != "COMMIT-WS-1-001" || !items[0].Done || items[1].Done {
		t.Errorf("plan after breakdown: %+v", items)
	}
}

func TestRunOnce_infraFailureThenResumeAtTest(t *testing.T) {
	e := newEngine(t)
	e.Implementer.(*stubImplementer).fn = func(context.Context, agent.ImplementRequest) (*agent.ImplementResult, error) {
		// Simulate work done, then a timeout before the report came back.
		os.WriteFile(filepath.Join(e.Repo.Dir, "login.go"), []byte("package login\n"), 0o644)
		return nil, fmt.Errorf("%w after 600s", agent.ErrTimeout)
	}
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultInfraFailure || out.Stage != StageImplement {
		t.Fatalf("outcome: %+v", out)
	}

	// Next cycle: dirty worktree + infra record means resume at TEST; the
	// implementer must not run again.
	e.Implementer = &stubImplementer{fn: func(context.Context, agent.ImplementRequest) (*agent.ImplementResult, error) {
		t.Fatal("implementer must not be called when resuming at TEST")
		return nil, nil
	}}
	out = e.RunOnce(context.Background())
	if out.Kind != runlog.ResultCompleted {
		t.Fatalf("resume outcome: %+v", out)
	}
}

func TestRunOnce_loadValidatesWorktree(t *testing.T) {
	e := newEngine(t)
	e.WS.BaseSHA = strings.Repeat("d", 40)
	out := e.RunOnce(context.Background())
	if out.Kind != runlog.ResultFatal || out.Stage != StageLoad {
		t.Fatalf("unreachable base revision: %+v", out)
	}

	e = newEngine(t)
	im := e.Implementer.(*stubImplementer)
	cmd := exec.Command("git", "checkout", "-b", "scratch")
	cmd.Dir = e.Repo.Dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git checkout: %v: %s", err, out)
	}
	o := e.RunOnce(context.Background())
	if o.Kind != runlog.ResultFatal || o.Stage != StageLoad {
		t.Fatalf("wrong branch: %+v", o)
	}
	if im.calls != 0 {
		t.Errorf("implementer ran despite failed load: %d calls", im.calls)
	}
}

func TestRunOnce_lockContention(t *testing.T) {
	e := newEngine(t)
	e.Profile.LockTimeout = 100 * time.Millisecond
	h, err := e.Locks.Acquire(e.WS.ID, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()
	out := e.RunOnce(context.Background())
	if out.Kind != KindLockTimeout {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestRunOnce_sessionIDLifecycle(t *testing.T) {
	e := newEngine(t)
	e.Profile.Autonomy = config.AutonomySupervised
	e.Implementer.(*stubImplementer).fn = func(ctx context.Context, req agent.ImplementRequest) (*agent.ImplementResult, error) {
		os.WriteFile(filepath.Join(e.Repo.Dir, "login.go"), []byte("package login\n"), 0o644)
		return &agent.ImplementResult{Status: agent.StatusChangesMade, SessionID: "sess-9"}, nil
	}
	if out := e.RunOnce(context.Background()); out.Kind != runlog.ResultAwaitingHuman {
		t.Fatalf("outcome: %+v", out)
	}
	if reload(t, e).SessionID != "sess-9" {
		t.Error("session id should be persisted while the item is in flight")
	}

	if err := e.WS.StoreApproval(workstream.Approval{Decision: "approve", ItemID: "COMMIT-WS1-001"}); err != nil {
		t.Fatal(err)
	}
	if out := e.RunOnce(context.Background()); out.Kind != runlog.ResultCompleted {
		t.Fatalf("approved outcome: %+v", out)
	}
	if got := reload(t, e).SessionID; got != "" {
		t.Errorf("session id should be cleared on commit, got %q", got)
	}
}
