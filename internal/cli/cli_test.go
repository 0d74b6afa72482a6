package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codr1/conveyor/internal/clarify"
	"github.com/codr1/conveyor/internal/engine"
	"github.com/codr1/conveyor/internal/mergegate"
	"github.com/codr1/conveyor/internal/plan"
	"github.com/codr1/conveyor/internal/runlog"
	"github.com/codr1/conveyor/internal/workstream"
)

func seedOps(t *testing.T) string {
	t.Helper()
	ops := t.TempDir()
	content := "PROJECT_NAME=\"demo\"\nREPO_PATH=\"/src/demo\"\n"
	if err := os.WriteFile(filepath.Join(ops, "project.env"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return ops
}

func seedWorkstream(t *testing.T, ops string) *workstream.Workstream {
	t.Helper()
	ws, err := workstream.Create(ops, "ws-1", "Login page", "feat/ws-1", "main", "abc", "/work/ws-1")
	if err != nil {
		t.Fatal(err)
	}
	planText := "### COMMIT-WS1-001: Add form\n\nDone: [ ]\n"
	if err := os.WriteFile(ws.PlanPath(), []byte(planText), 0o644); err != nil {
		t.Fatal(err)
	}
	return ws
}

func runCLI(t *testing.T, ops string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--ops", ops}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestApproveStoresVerdict(t *testing.T) {
	ops := seedOps(t)
	ws := seedWorkstream(t, ops)
	if _, err := runCLI(t, ops, "approve", "ws-1", "-m", "looks good"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	a, err := ws.PeekApproval()
	if err != nil || a == nil || a.Decision != "approve" || a.Note != "looks good" {
		t.Errorf("approval: %+v %v", a, err)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	ops := seedOps(t)
	seedWorkstream(t, ops)
	_, err := runCLI(t, ops, "reject", "ws-1")
	if ExitCode(err) != ExitConfig {
		t.Fatalf("expected config exit, got %v", err)
	}
	if _, err := runCLI(t, ops, "reject", "ws-1", "-m", "wrong file"); err != nil {
		t.Fatalf("reject with reason: %v", err)
	}
}

func TestSkipMarksNextItemDone(t *testing.T) {
	ops := seedOps(t)
	ws := seedWorkstream(t, ops)
	out, err := runCLI(t, ops, "skip", "ws-1")
	if err != nil {
		t.Fatalf("skip: %v (%s)", err, out)
	}
	items, _ := plan.Parse(ws.PlanPath())
	if !items[0].Done {
		t.Error("item should be done after skip")
	}
	out, err = runCLI(t, ops, "skip", "ws-1")
	if err != nil || !strings.Contains(out, "nothing pending") {
		t.Errorf("second skip: %q %v", out, err)
	}
}

func TestSkipExplicitItem(t *testing.T) {
	ops := seedOps(t)
	ws := seedWorkstream(t, ops)
	planText := "### COMMIT-WS1-001: Add form\n\nDone: [ ]\n\n### COMMIT-WS1-002: Wire submit\n\nDone: [ ]\n"
	if err := os.WriteFile(ws.PlanPath(), []byte(planText), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, ops, "skip", "ws-1", "COMMIT-WS1-002"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	items, _ := plan.Parse(ws.PlanPath())
	if items[0].Done || !items[1].Done {
		t.Errorf("items: %+v", items)
	}
	_, err := runCLI(t, ops, "skip", "ws-1", "COMMIT-WS1-999")
	if ExitCode(err) != ExitConfig {
		t.Errorf("unknown item: %v", err)
	}
}

func TestStatusListsWorkstreams(t *testing.T) {
	ops := seedOps(t)
	seedWorkstream(t, ops)
	out, err := runCLI(t, ops, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "ws-1") || !strings.Contains(out, "COMMIT-WS1-001") {
		t.Errorf("status output: %q", out)
	}
}

func TestClarifyAnswerFlow(t *testing.T) {
	ops := seedOps(t)
	ws := seedWorkstream(t, ops)
	store := &clarify.Store{Dir: ws.ClarificationsDir()}
	c, err := store.Create(clarify.Clarification{Question: "Which db?", Blocking: true})
	if err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, ops, "clarify", "list", "ws-1")
	if err != nil || !strings.Contains(out, c.ID) {
		t.Fatalf("list: %q %v", out, err)
	}
	if _, err := runCLI(t, ops, "clarify", "answer", "ws-1", c.ID, "use", "sqlite"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	answered, _ := store.Answered()
	if len(answered) != 1 || answered[0].Answer != "use sqlite" {
		t.Errorf("answered: %+v", answered)
	}
}

func TestMissingProjectConfigIsConfigError(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "status")
	if ExitCode(err) != ExitConfig {
		t.Fatalf("expected config exit, got %v", err)
	}
}

func TestCycleExitCodes(t *testing.T) {
	cases := []struct {
		out  engine.Outcome
		want int
	}{
		{engine.Outcome{Kind: runlog.ResultCompleted}, ExitOK},
		{engine.Outcome{Kind: runlog.ResultNoop}, ExitOK},
		{engine.Outcome{Kind: runlog.ResultAwaitingHuman}, ExitOK},
		{engine.Outcome{Kind: runlog.ResultBlocked}, ExitBlocked},
		{engine.Outcome{Kind: engine.KindLockTimeout}, ExitLockTimeout},
		{engine.Outcome{Kind: runlog.ResultInfraFailure}, ExitInternal},
		{engine.Outcome{Kind: runlog.ResultContentFailure, Stage: engine.StageImplement}, ExitImplementFailed},
		{engine.Outcome{Kind: runlog.ResultContentFailure, Stage: engine.StageTest}, ExitTestFailed},
		{engine.Outcome{Kind: runlog.ResultContentFailure, Stage: engine.StageReview}, ExitReviewFailed},
		{engine.Outcome{Kind: runlog.ResultContentFailure, Stage: engine.StageHuman}, ExitReviewFailed},
		{engine.Outcome{Kind: runlog.ResultFatal}, ExitConfig},
	}
	for _, c := range cases {
		if got := cycleExit(c.out); got != c.want {
			t.Errorf("cycleExit(%+v) = %d, want %d", c.out, got, c.want)
		}
	}
}

func TestMergeExitCodes(t *testing.T) {
	cases := []struct {
		kind string
		want int
	}{
		{mergegate.KindMerged, ExitOK},
		{mergegate.KindFixesProposed, ExitMergeTests},
		{mergegate.KindRebaseFailed, ExitRebaseFailed},
		{mergegate.KindConflictMarkers, ExitConflictMarkers},
		{mergegate.KindNotReady, ExitConfig},
	}
	for _, c := range cases {
		if got := mergeExit(mergegate.Outcome{Kind: c.kind}); got != c.want {
			t.Errorf("mergeExit(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}
