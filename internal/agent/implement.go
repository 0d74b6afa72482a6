package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Implementer statuses. The implementer must report exactly one.
const (
	StatusChangesMade = "changes_made"
	StatusAlreadyDone = "already_done"
	StatusBlocked     = "blocked"
)

// Implementer drives the coding agent.
type Implementer struct {
	Cmd     []string
	Dir     string
	Timeout time.Duration
}

// ImplementRequest is one implementation attempt.
type ImplementRequest struct {
	Prompt    string
	SessionID string // resume an earlier agent session when set
}

// ClarificationRequest is a question the implementer wants answered.
type ClarificationRequest struct {
	Question string
	Context  string
	Blocking bool
}

// ImplementResult is the implementer's parsed final report.
type ImplementResult struct {
	Status         string
	Summary        string
	BlockedReason  string
	SessionID      string
	Clarifications []ClarificationRequest
	RawOutput      string
}

// reportTailLines bounds the reverse scan for the final status object, so a
// chatty agent cannot make us parse megabytes of transcript.
const reportTailLines = 50

// invokeRetries and retryBase bound the low-level re-invocations on spawn
// failures and malformed output. Timeouts are never retried here: a fresh
// invocation would double the wall-clock cost, so the engine records an
// infrastructure failure and the next cycle resumes at TEST instead.
var (
	invokeRetries = 3
	retryBase     = 2 * time.Second
)

func backoff(ctx context.Context, attempt int) error {
	if attempt == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(attempt) * retryBase):
		return nil
	}
}

// Implement runs one implementation attempt. Spawn failures and malformed
// final reports are retried a few times with backoff before giving up; those
// retries are invisible to the caller's attempt budget.
func (im *Implementer) Implement(ctx context.Context, req ImplementRequest) (*ImplementResult, error) {
	argv := make([]string, len(im.Cmd), len(im.Cmd)+2)
	copy(argv, im.Cmd)
	if req.SessionID != "" {
		argv = append(argv, "resume", req.SessionID)
	}
	argv = append(argv, req.Prompt)

	var err error
	for attempt := 0; attempt < invokeRetries; attempt++ {
		if berr := backoff(ctx, attempt); berr != nil {
			return nil, berr
		}
		var res ExecResult
		res, err = Exec(ctx, im.Dir, argv, "", im.Timeout)
		if err != nil {
			if errors.Is(err, ErrTimeout) || ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		out, perr := parseImplementReport(res.Stdout)
		if perr != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedOutput, perr)
			continue
		}
		out.RawOutput = res.Stdout
		return out, nil
	}
	return nil, err
}

// parseImplementReport scans the last lines of the transcript for the final
// JSON status object.
func parseImplementReport(stdout string) (*ImplementResult, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	start := len(lines) - reportTailLines
	if start < 0 {
		start = 0
	}
	for i := len(lines) - 1; i >= start; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
			continue
		}
		status := gjson.Get(line, "status").String()
		switch status {
		case StatusChangesMade, StatusAlreadyDone, StatusBlocked:
		default:
			continue
		}
		r := &ImplementResult{
			Status:        status,
			Summary:       gjson.Get(line, "summary").String(),
			BlockedReason: gjson.Get(line, "blocked_reason").String(),
			SessionID:     gjson.Get(line, "session_id").String(),
		}
		for _, q := range gjson.Get(line, "clarifications").Array() {
			cr := ClarificationRequest{
				Question: q.Get("question").String(),
				Context:  q.Get("context").String(),
				Blocking: q.Get("blocking").Bool(),
			}
			if strings.TrimSpace(cr.Question) != "" {
				r.Clarifications = append(r.Clarifications, cr)
			}
		}
		if r.Status == StatusBlocked && r.BlockedReason == "" && len(r.Clarifications) == 0 {
			return nil, fmt.Errorf("blocked report carries no reason or question")
		}
		return r, nil
	}
	return nil, fmt.Errorf("no status object in final %d lines", reportTailLines)
}
