package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Review decisions.
const (
	DecisionApprove        = "approve"
	DecisionRequestChanges = "request_changes"
	DecisionReject         = "reject"
)

// ErrInvalidVerdict marks reviewer output that could not be parsed into a
// verdict. Callers must treat it as a failed gate, never as approval.
var ErrInvalidVerdict = errors.New("invalid review verdict")

// Reviewer drives the review agent.
type Reviewer struct {
	Cmd     []string
	Dir     string
	Timeout time.Duration
}

// Verdict is the reviewer's structured judgment.
type Verdict struct {
	Decision        string
	Blockers        []string
	RequiredChanges []string
	Suggestions     []string
	Notes           string
	Confidence      float64
}

// Clean reports whether the verdict is an approval with nothing outstanding.
func (v *Verdict) Clean() bool {
	return v.Decision == DecisionApprove && len(v.Blockers) == 0 && len(v.RequiredChanges) == 0
}

// FeedbackText renders the verdict as retry guidance for the implementer.
func (v *Verdict) FeedbackText() string {
	var b strings.Builder
	for _, s := range v.Blockers {
		fmt.Fprintf(&b, "- BLOCKER: %s\n", s)
	}
	for _, s := range v.RequiredChanges {
		fmt.Fprintf(&b, "- REQUIRED: %s\n", s)
	}
	if v.Notes != "" {
		fmt.Fprintf(&b, "- NOTE: %s\n", v.Notes)
	}
	return strings.TrimSpace(b.String())
}

// Review asks the reviewer to judge a diff. The prompt is passed as the last
// argument; the reviewer's stdout is a wrapper JSON object whose result field
// contains the verdict, possibly fenced in a markdown code block. Spawn
// failures and unparsable verdicts get the same bounded re-invocations as the
// implementer; a verdict that stays unparsable is a failed gate, never an
// approval.
func (rv *Reviewer) Review(ctx context.Context, prompt string) (*Verdict, error) {
	argv := make([]string, len(rv.Cmd), len(rv.Cmd)+1)
	copy(argv, rv.Cmd)
	argv = append(argv, prompt)

	var err error
	for attempt := 0; attempt < invokeRetries; attempt++ {
		if berr := backoff(ctx, attempt); berr != nil {
			return nil, berr
		}
		var res ExecResult
		res, err = Exec(ctx, rv.Dir, argv, "", rv.Timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) || ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		v, perr := ParseVerdict(res.Stdout)
		if perr != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidVerdict, perr)
			continue
		}
		return v, nil
	}
	return nil, err
}

// ParseVerdict extracts a Verdict from reviewer stdout. The stdout may be
// the wrapper object itself or contain the verdict directly.
func ParseVerdict(stdout string) (*Verdict, error) {
	body := strings.TrimSpace(stdout)
	if body == "" {
		return nil, fmt.Errorf("empty reviewer output")
	}
	// Unwrap {"result": "...", "usage": {...}} wrappers.
	if gjson.Valid(body) {
		if inner := gjson.Get(body, "result"); inner.Exists() && inner.Type == gjson.String {
			body = inner.String()
		}
	}
	body = stripFence(body)
	if !gjson.Valid(body) {
		return nil, fmt.Errorf("verdict is not valid JSON")
	}
	decision := gjson.Get(body, "decision").String()
	switch decision {
	case DecisionApprove, DecisionRequestChanges, DecisionReject:
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}
	v := &Verdict{
		Decision:   decision,
		Notes:      gjson.Get(body, "notes").String(),
		Confidence: gjson.Get(body, "confidence").Float(),
	}
	for _, s := range gjson.Get(body, "blockers").Array() {
		v.Blockers = append(v.Blockers, s.String())
	}
	for _, s := range gjson.Get(body, "required_changes").Array() {
		v.RequiredChanges = append(v.RequiredChanges, s.String())
	}
	for _, s := range gjson.Get(body, "suggestions").Array() {
		v.Suggestions = append(v.Suggestions, s.String())
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", v.Confidence)
	}
	return v, nil
}

// stripFence removes a surrounding markdown code fence, if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		// The verdict may be embedded in prose; find the first fenced block.
		if i := strings.Index(s, "```"); i >= 0 {
			s = s[i:]
		} else {
			return s
		}
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
