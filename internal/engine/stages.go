package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codr1/conveyor/internal/agent"
	"github.com/codr1/conveyor/internal/clarify"
	"github.com/codr1/conveyor/internal/config"
	"github.com/codr1/conveyor/internal/plan"
	"github.com/codr1/conveyor/internal/runlog"
	"github.com/codr1/conveyor/internal/workstream"
)

// resumeInfo captures what a dirty worktree at LOAD means for this cycle.
type resumeInfo struct {
	dirty       bool
	preamble    string // porcelain status shown to the agent when origin unknown
	skipToTest  bool   // last run died to infrastructure mid-flight; work may be complete
	testOutput  string // carried-over failure context from the last run
	reviewNotes string
}

// loadResume inspects the worktree and the last run record to decide how to
// treat pre-existing uncommitted changes.
func (e *Engine) loadResume(ctx context.Context) (resumeInfo, error) {
	dirty, err := e.Repo.HasUncommitted(ctx)
	if err != nil {
		return resumeInfo{}, fmt.Errorf("inspect worktree: %v", err)
	}
	if !dirty {
		return resumeInfo{}, nil
	}
	info := resumeInfo{dirty: true}
	_, last, err := runlog.LastRunFor(e.Ops, e.WS.ID)
	if err != nil || last == nil {
		// No usable record: the changes are of unknown origin. Tell the
		// agent about them and let it take over.
		status, _ := e.Repo.StatusPorcelain(ctx)
		info.preamble = status
		return info, nil
	}
	switch last.Kind {
	case runlog.ResultInfraFailure:
		// The work itself was never judged; pick up at TEST with the diff
		// intact.
		info.skipToTest = true
	case runlog.ResultContentFailure:
		// The work was judged and found wanting; re-implement on top of it.
		info.testOutput = last.Detail
	default:
		status, _ := e.Repo.StatusPorcelain(ctx)
		info.preamble = status
	}
	return info, nil
}

// resumeFromHumanGate handles a workstream paused at the human gate: a stored
// approval finalizes the item, a rejection re-enters the loop with feedback,
// and nothing stored keeps waiting.
func (e *Engine) resumeFromHumanGate(ctx context.Context, run *runlog.Run, items []plan.Item) Outcome {
	item := plan.NextPending(items)
	if item == nil {
		e.WS.SetStatus(workstream.StatusDone)
		return planEmpty()
	}
	approval, err := e.WS.TakeApproval()
	if err != nil {
		return fatal(StageHuman, fmt.Sprintf("read approval: %v", err))
	}
	if approval == nil {
		return awaitingHuman(item.ID, "waiting for human verdict", 0)
	}
	if approval.ItemID != "" && approval.ItemID != item.ID {
		return fatal(StageHuman, fmt.Sprintf("approval is for %s but next pending item is %s", approval.ItemID, item.ID))
	}
	if approval.Decision == "reject" {
		run.Logf(StageHuman, "human rejected %s: %s", item.ID, approval.Note)
		if approval.Note != "" {
			e.WS.StoreFeedback(approval.Note)
		}
		e.WS.SetStatus(workstream.StatusActive)
		return contentFailure(StageHuman, item.ID, "human rejected: "+approval.Note, 0)
	}
	run.Logf(StageHuman, "human approved %s", item.ID)
	e.WS.SetStatus(workstream.StatusActive)
	return e.finalize(ctx, run, item, 0)
}

// attemptLoop drives IMPLEMENT -> TEST -> REVIEW with a bounded retry budget.
// Content failures consume attempts; infrastructure failures abort the cycle
// without consuming one and resume at TEST next time.
func (e *Engine) attemptLoop(ctx context.Context, run *runlog.Run, item *plan.Item, resume resumeInfo) Outcome {
	var humanNote string
	if fb, _ := e.WS.TakeFeedback(); fb != nil {
		humanNote = fb.Text
	}
	answered, _ := e.Clarify.AnsweredContext()

	testOutput := resume.testOutput
	reviewFeedback := resume.reviewNotes
	lastFailStage := StageImplement

	for attempt := 1; attempt <= e.Profile.MaxAttempts; attempt++ {
		skipImplement := attempt == 1 && resume.skipToTest
		if !skipImplement {
			out, retry := e.implement(ctx, run, item, attempt, implementContext{
				testOutput:     testOutput,
				reviewFeedback: reviewFeedback,
				humanNote:      humanNote,
				answered:       answered,
				preamble:       resume.preamble,
			})
			if out != nil {
				return *out
			}
			if retry != nil {
				// already_done with a clean worktree short-circuits.
				if retry.Status == agent.StatusAlreadyDone {
					dirty, err := e.Repo.HasUncommitted(ctx)
					if err == nil && !dirty {
						if err := plan.MarkDone(e.WS.PlanPath(), item.ID); err != nil {
							return fatal(StageUpdate, fmt.Sprintf("mark done: %v", err))
						}
						run.RecordStage(StageImplement, attempt, "already_done", 0)
						return noop(item.ID)
					}
				}
			}
		}

		// TEST
		passed, output, out := e.runTests(ctx, run, item, attempt)
		if out != nil {
			return *out
		}
		if !passed {
			testOutput, reviewFeedback = output, ""
			lastFailStage = StageTest
			e.Metrics.Retry(ctx, e.WS.ID)
			run.RecordStage(StageTest, attempt, "failed", 0)
			continue
		}
		run.RecordStage(StageTest, attempt, "passed", 0)

		// REVIEW
		verdict, out := e.review(ctx, run, item, attempt)
		if out != nil {
			return *out
		}
		if verdict.Decision == agent.DecisionReject {
			e.WS.SetStatus(workstream.StatusAwaitingReview)
			return contentFailure(StageReview, item.ID,
				"reviewer rejected the change outright: "+verdict.Notes, attempt)
		}
		if !verdict.Clean() {
			testOutput, reviewFeedback = "", verdict.FeedbackText()
			lastFailStage = StageReview
			e.Metrics.Retry(ctx, e.WS.ID)
			run.RecordStage(StageReview, attempt, verdict.Decision, 0)
			continue
		}
		run.RecordStage(StageReview, attempt, "approved", 0)

		// QA_GATE: the approval must be provable from the run record, not
		// just from process memory.
		if out := e.qaGate(run, item, attempt); out != nil {
			return *out
		}
		run.RecordStage(StageQAGate, attempt, "passed", 0)
		return e.humanGate(ctx, run, item, verdict, attempt)
	}

	// Retry budget exhausted: not an error, an escalation. The human gets
	// the final say with all context preserved on disk.
	detail := fmt.Sprintf("attempts exhausted after %d tries", e.Profile.MaxAttempts)
	if testOutput != "" {
		detail += "; last test failure kept in run log"
	}
	e.WS.SetStatus(workstream.StatusAwaitingReview)
	run.Logf(StageHuman, "escalating %s to human after %d attempts", item.ID, e.Profile.MaxAttempts)
	return contentFailure(lastFailStage, item.ID, detail, e.Profile.MaxAttempts)
}

type implementContext struct {
	testOutput     string
	reviewFeedback string
	humanNote      string
	answered       string
	preamble       string
}

// implement runs one implementer invocation. It returns a terminal outcome,
// or the parsed result to continue with.
func (e *Engine) implement(ctx context.Context, run *runlog.Run, item *plan.Item, attempt int, ic implementContext) (*Outcome, *agent.ImplementResult) {
	start := time.Now()
	in := agent.PromptInput{
		ProjectName:     e.Project.Name,
		ProjectContext:  e.projectContext(),
		ItemID:          item.ID,
		ItemBlock:       item.Block,
		AnsweredContext: ic.answered,
		HumanFeedback:   ic.humanNote,
		ReviewFeedback:  ic.reviewFeedback,
		TestOutput:      ic.testOutput,
		Attempt:         attempt,
		MaxAttempts:     e.Profile.MaxAttempts,
		Uncommitted:     ic.preamble,
	}
	var prompt string
	if attempt == 1 && ic.testOutput == "" && ic.reviewFeedback == "" {
		if preamble, err := plan.Preamble(e.WS.PlanPath()); err == nil {
			in.StoryPreamble = preamble
		}
		prompt = agent.ImplementPrompt(in)
	} else {
		prompt = agent.RetryPrompt(in)
	}

	res, err := e.Implementer.Implement(ctx, agent.ImplementRequest{
		Prompt:    prompt,
		SessionID: e.WS.SessionID,
	})
	if err != nil {
		e.Metrics.AgentCall(ctx, "implementer", "error")
		run.RecordStage(StageImplement, attempt, "error", time.Since(start))
		out := e.failureFromError(StageImplement, item.ID, err, attempt)
		return &out, nil
	}
	e.Metrics.AgentCall(ctx, "implementer", res.Status)
	e.Metrics.Stage(ctx, StageImplement, res.Status, time.Since(start))
	run.RecordStage(StageImplement, attempt, res.Status, time.Since(start))
	run.LogOutput(StageImplement, fmt.Sprintf("attempt%d", attempt), res.RawOutput)
	if res.SessionID != "" && res.SessionID != e.WS.SessionID {
		e.WS.SetSessionID(res.SessionID)
	}

	if res.Status == agent.StatusBlocked {
		reason := res.BlockedReason
		haveBlocking := false
		for _, q := range res.Clarifications {
			c, err := e.Clarify.Create(clarify.Clarification{
				ItemID:   item.ID,
				Question: q.Question,
				Context:  q.Context,
				Blocking: q.Blocking,
			})
			if err == nil && q.Blocking {
				haveBlocking = true
				if reason == "" {
					reason = "blocking question " + c.ID
				}
			}
		}
		// A blocked report must leave a blocking question behind, or the next
		// cycle's clarification check would wave the workstream straight back
		// to work. A reason-only report becomes the question itself.
		if !haveBlocking {
			question := reason
			if question == "" {
				question = "implementer reported blocked without a reason"
			}
			c, err := e.Clarify.Create(clarify.Clarification{
				ItemID:   item.ID,
				Question: question,
				Blocking: true,
			})
			if err != nil {
				out := fatal(StageImplement, fmt.Sprintf("record blocked reason: %v", err))
				return &out, nil
			}
			if reason == "" {
				reason = "blocking question " + c.ID
			}
		}
		e.WS.SetBlocked(reason)
		out := blocked(item.ID, reason)
		return &out, nil
	}
	return nil, res
}

// runTests stages everything and runs the build then test commands.
// Returns (passed, failureOutput, terminalOutcome).
func (e *Engine) runTests(ctx context.Context, run *runlog.Run, item *plan.Item, attempt int) (bool, string, *Outcome) {
	if err := e.Repo.AddAll(ctx); err != nil {
		out := fatal(StageTest, fmt.Sprintf("stage changes: %v", err))
		return false, "", &out
	}
	for _, step := range []struct{ name, cmd string }{
		{"build", e.Profile.BuildCmd},
		{"test", e.Profile.TestCmd},
	} {
		if step.cmd == "" {
			continue
		}
		start := time.Now()
		res, err := e.RunShell(ctx, e.Repo.Dir, step.cmd, e.Profile.TestTimeout)
		e.Metrics.Stage(ctx, StageTest, step.name, time.Since(start))
		run.LogOutput(StageTest, fmt.Sprintf("%s.attempt%d", step.name, attempt), res.Stdout+res.Stderr)
		if err != nil {
			out := e.failureFromError(StageTest, item.ID, err, attempt)
			return false, "", &out
		}
		if res.ExitCode != 0 {
			return false, fmt.Sprintf("`%s` exited %d:\n%s%s", step.cmd, res.ExitCode, res.Stdout, res.Stderr), nil
		}
	}
	return true, "", nil
}

// review diffs the staged work and asks the reviewer for a verdict.
func (e *Engine) review(ctx context.Context, run *runlog.Run, item *plan.Item, attempt int) (*agent.Verdict, *Outcome) {
	diff, err := e.Repo.DiffWorking(ctx)
	if err != nil {
		out := fatal(StageReview, fmt.Sprintf("diff worktree: %v", err))
		return nil, &out
	}
	if strings.TrimSpace(diff) == "" {
		out := contentFailure(StageReview, item.ID, "implementer reported changes but the diff is empty", attempt)
		return nil, &out
	}
	sensitive := e.sensitiveTouched(ctx)
	prompt := agent.ReviewPrompt(e.Project.Name, item.ID, item.Block, diff, "passed", sensitive)

	start := time.Now()
	verdict, err := e.Reviewer.Review(ctx, prompt)
	if err != nil {
		// An unparseable verdict is a failed gate, never an approval.
		e.Metrics.AgentCall(ctx, "reviewer", "error")
		run.RecordStage(StageReview, attempt, "error", time.Since(start))
		out := e.failureFromError(StageReview, item.ID, err, attempt)
		return nil, &out
	}
	e.Metrics.AgentCall(ctx, "reviewer", verdict.Decision)
	e.Metrics.Stage(ctx, StageReview, verdict.Decision, time.Since(start))
	if err := run.WriteReview(verdict); err != nil {
		out := fatal(StageReview, fmt.Sprintf("persist verdict: %v", err))
		return nil, &out
	}
	return verdict, nil
}

// qaGate re-reads the persisted verdict and confirms it is a clean approval.
// Any mismatch between what the loop saw and what is on disk is a hard stop.
func (e *Engine) qaGate(run *runlog.Run, item *plan.Item, attempt int) *Outcome {
	var persisted agent.Verdict
	if err := run.ReadReview(&persisted); err != nil {
		run.RecordStage(StageQAGate, attempt, "failed", 0)
		out := contentFailure(StageQAGate, item.ID, fmt.Sprintf("no persisted review: %v", err), attempt)
		return &out
	}
	if !persisted.Clean() {
		run.RecordStage(StageQAGate, attempt, "failed", 0)
		out := contentFailure(StageQAGate, item.ID,
			fmt.Sprintf("persisted verdict is %q, not a clean approval", persisted.Decision), attempt)
		return &out
	}
	return nil
}

// sensitiveTouched returns the configured sensitive path prefixes hit by the
// current uncommitted change.
func (e *Engine) sensitiveTouched(ctx context.Context) []string {
	if len(e.Meta.SensitivePaths) == 0 {
		return nil
	}
	status, err := e.Repo.StatusPorcelain(ctx)
	if err != nil {
		return nil
	}
	var hit []string
	for _, prefix := range e.Meta.SensitivePaths {
		for _, line := range strings.Split(status, "\n") {
			if len(line) > 3 && strings.HasPrefix(strings.TrimSpace(line[3:]), prefix) {
				hit = append(hit, prefix)
				break
			}
		}
	}
	return hit
}

// humanGate applies the autonomy policy to a clean approval.
func (e *Engine) humanGate(ctx context.Context, run *runlog.Run, item *plan.Item, verdict *agent.Verdict, attempt int) Outcome {
	sensitive := e.sensitiveTouched(ctx)
	threshold := e.Profile.ConfidenceThreshold
	if len(sensitive) > 0 {
		threshold = e.Profile.SensitiveThreshold
	}

	auto := false
	switch e.Profile.Autonomy {
	case config.AutonomyAutonomous:
		auto = verdict.Confidence >= threshold
	case config.AutonomyGatekeeper:
		auto = len(sensitive) == 0 && verdict.Confidence >= threshold
	}
	// A pre-stored approval for exactly this item also clears the gate.
	if !auto {
		if a, _ := e.WS.PeekApproval(); a != nil && a.Decision == "approve" && (a.ItemID == "" || a.ItemID == item.ID) {
			e.WS.TakeApproval()
			auto = true
			run.Logf(StageHuman, "pre-approval consumed for %s", item.ID)
		}
	}
	if !auto {
		e.WS.SetStatus(workstream.StatusAwaitingReview)
		detail := fmt.Sprintf("approved by reviewer (confidence %.2f); awaiting human", verdict.Confidence)
		if len(sensitive) > 0 {
			detail += "; touches sensitive paths: " + strings.Join(sensitive, ", ")
		}
		run.RecordStage(StageHuman, attempt, "paused", 0)
		return awaitingHuman(item.ID, detail, attempt)
	}
	run.RecordStage(StageHuman, attempt, "auto_approved", 0)
	return e.finalize(ctx, run, item, attempt)
}

// finalize commits the staged work, marks the plan item done, and records
// state. This is the only place a cycle writes history.
func (e *Engine) finalize(ctx context.Context, run *runlog.Run, item *plan.Item, attempt int) Outcome {
	if err := e.Repo.AddAll(ctx); err != nil {
		return fatal(StageUpdate, fmt.Sprintf("stage changes: %v", err))
	}
	dirty, err := e.Repo.HasUncommitted(ctx)
	if err != nil {
		return fatal(StageUpdate, fmt.Sprintf("inspect worktree: %v", err))
	}
	if dirty {
		msg := fmt.Sprintf("%s: %s", item.ID, item.Title)
		if err := e.Repo.Commit(ctx, msg); err != nil {
			return fatal(StageUpdate, fmt.Sprintf("commit: %v", err))
		}
	}
	sha, err := e.Repo.Head(ctx)
	if err != nil {
		return fatal(StageUpdate, fmt.Sprintf("resolve HEAD: %v", err))
	}
	if err := plan.MarkDone(e.WS.PlanPath(), item.ID); err != nil {
		return fatal(StageUpdate, fmt.Sprintf("mark done: %v", err))
	}
	base := e.WS.BaseSHA
	if base == "" {
		base = sha + "~1"
	}
	touched, _ := e.Repo.ChangedFiles(ctx, base, sha)
	sort.Strings(touched)
	updates := map[string]*string{
		"LAST_COMMIT_SHA": config.String(sha),
		// The session carried context for this item only.
		"IMPLEMENTER_SESSION_ID": nil,
	}
	if len(touched) > 0 {
		updates["TOUCHED_FILES"] = config.String(strings.Join(touched, ","))
	}
	e.WS.UpdateMeta(updates)
	e.WS.SessionID = ""
	e.WS.SetStatus(workstream.StatusActive)
	run.RecordStage(StageUpdate, attempt, "committed", 0)
	return completed(item.ID, sha, attempt)
}
