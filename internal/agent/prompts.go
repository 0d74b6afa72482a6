package agent

import (
	"fmt"
	"strings"
)

// PromptInput is everything a prompt template can draw on.
type PromptInput struct {
	ProjectName     string
	ProjectContext  string // description + tech preferences from project.yaml
	StoryPreamble   string // plan.md text before the first entry
	ItemID          string
	ItemBlock       string // full plan entry text
	AnsweredContext string // previously answered questions
	HumanFeedback   string
	ReviewFeedback  string
	TestOutput      string
	Attempt         int
	MaxAttempts     int
	Uncommitted     string // porcelain status of pre-existing changes
}

const implementContract = `When you are done, print a single line of JSON as the last line of output:
{"status":"changes_made"|"already_done"|"blocked","summary":"...","blocked_reason":"...","session_id":"...","clarifications":[{"question":"...","context":"...","blocking":true}]}
Rules:
- "changes_made": you edited files toward the task. Do not commit; leave changes in the worktree.
- "already_done": the task is already satisfied by the current code. Make no edits.
- "blocked": you cannot proceed. Give blocked_reason or a blocking clarification question.
- Ask clarifications sparingly; mark blocking=true only if you truly cannot continue.`

// ImplementPrompt builds the prompt for a fresh implementation attempt.
func ImplementPrompt(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are implementing one micro-commit in project %q.\n\n", in.ProjectName)
	if in.ProjectContext != "" {
		fmt.Fprintf(&b, "Project context:\n%s\n\n", in.ProjectContext)
	}
	if in.StoryPreamble != "" {
		fmt.Fprintf(&b, "Story:\n%s\n\n", in.StoryPreamble)
	}
	fmt.Fprintf(&b, "Your task (%s):\n%s\n\n", in.ItemID, strings.TrimSpace(in.ItemBlock))
	if in.Uncommitted != "" {
		fmt.Fprintf(&b, "The worktree already has uncommitted changes, likely from an interrupted earlier attempt at this same task:\n%s\nInspect them first and build on or replace them as appropriate.\n\n", in.Uncommitted)
	}
	if in.AnsweredContext != "" {
		fmt.Fprintf(&b, "Previously answered questions:\n%s\n\n", in.AnsweredContext)
	}
	if in.HumanFeedback != "" {
		fmt.Fprintf(&b, "Guidance from the human operator:\n%s\n\n", in.HumanFeedback)
	}
	b.WriteString("Implement only this task. Keep the change minimal and focused.\n\n")
	b.WriteString(implementContract)
	return b.String()
}

// RetryPrompt builds the prompt for a repeat attempt after test or review
// failure.
func RetryPrompt(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Attempt %d of %d at task %s in project %q. Your previous attempt did not pass.\n\n",
		in.Attempt, in.MaxAttempts, in.ItemID, in.ProjectName)
	fmt.Fprintf(&b, "The task:\n%s\n\n", strings.TrimSpace(in.ItemBlock))
	if in.TestOutput != "" {
		fmt.Fprintf(&b, "Test failures:\n%s\n\n", tail(in.TestOutput, 4000))
	}
	if in.ReviewFeedback != "" {
		fmt.Fprintf(&b, "Review feedback to address:\n%s\n\n", in.ReviewFeedback)
	}
	if in.HumanFeedback != "" {
		fmt.Fprintf(&b, "Guidance from the human operator:\n%s\n\n", in.HumanFeedback)
	}
	b.WriteString("The worktree still holds your previous changes. Fix them in place; do not start over unless necessary.\n\n")
	b.WriteString(implementContract)
	return b.String()
}

// ReviewPrompt builds the reviewer's prompt over a diff.
func ReviewPrompt(projectName, itemID, itemBlock, diff, testsSummary string, sensitive []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review this change for project %q, task %s.\n\n", projectName, itemID)
	fmt.Fprintf(&b, "The task it should implement:\n%s\n\n", strings.TrimSpace(itemBlock))
	if testsSummary != "" {
		fmt.Fprintf(&b, "Test run: %s\n\n", testsSummary)
	}
	if len(sensitive) > 0 {
		fmt.Fprintf(&b, "This change touches sensitive paths (%s); review extra carefully.\n\n", strings.Join(sensitive, ", "))
	}
	fmt.Fprintf(&b, "Diff:\n```\n%s\n```\n\n", tail(diff, 60000))
	b.WriteString(`Respond with only a JSON object:
{"decision":"approve"|"request_changes"|"reject","blockers":[],"required_changes":[],"suggestions":[],"notes":"...","confidence":0.0}
- blockers: defects that make the change unacceptable.
- required_changes: fixes needed before approval.
- confidence: your confidence in this verdict, 0 to 1.`)
	return b.String()
}

// BreakdownPrompt asks for a micro-commit plan for a story.
func BreakdownPrompt(projectName, wsID, story, projectContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Break this story for project %q into 3-8 small, independently testable micro-commits.\n\n", projectName)
	if projectContext != "" {
		fmt.Fprintf(&b, "Project context:\n%s\n\n", projectContext)
	}
	fmt.Fprintf(&b, "Story:\n%s\n\n", story)
	b.WriteString(`Each micro-commit should be completable in one sitting and leave tests green.
Print a single line of JSON as the last line of output:
{"items":[{"title":"...","body":"one short paragraph of detail"}]}`)
	return b.String()
}

// FixPrompt asks for targeted fix items after a merge-gate test failure.
func FixPrompt(projectName, wsID, testOutput string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The full test suite fails on workstream %s of project %q before merge.\n\n", wsID, projectName)
	fmt.Fprintf(&b, "Failing output:\n%s\n\n", tail(testOutput, 8000))
	b.WriteString(`Propose 1-3 targeted fix tasks that would make the suite pass. Do not propose refactors.
Print a single line of JSON as the last line of output:
{"items":[{"title":"...","body":"what to change and why"}]}`)
	return b.String()
}

// tail returns at most n trailing bytes of s, cutting at a line boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return "[...truncated]\n" + s
}
