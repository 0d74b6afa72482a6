// Package runlog records per-cycle audit trails under runs/ in the ops dir.
//
// Every cycle gets a directory runs/<runID>/ holding stage logs and a final
// result.json. The files are the record; the sqlite index over them exists
// only to make status queries cheap and can be rebuilt from disk at any time.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Terminal result kinds for a cycle.
const (
	ResultCompleted      = "completed"       // item implemented, tested, reviewed, recorded
	ResultNoop           = "noop"            // item was already done
	ResultPlanEmpty      = "plan_empty"      // nothing pending in the plan
	ResultAwaitingHuman  = "awaiting_human"  // paused at the human gate
	ResultBlocked        = "blocked"         // agent raised a blocking question
	ResultInfraFailure   = "infra_failure"   // timeout or malformed agent output
	ResultContentFailure = "content_failure" // tests or review failed, attempts exhausted
	ResultFatal          = "fatal"           // config or repo state error
)

// Result is the terminal record of one cycle, written as result.json.
type Result struct {
	RunID      string    `json:"run_id"`
	Workstream string    `json:"workstream"`
	ItemID     string    `json:"item_id,omitempty"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
}

// StageRecord is one engine stage's timing and outcome within a run.
type StageRecord struct {
	Stage    string        `json:"stage"`
	Attempt  int           `json:"attempt,omitempty"`
	Outcome  string        `json:"outcome"`
	Duration time.Duration `json:"duration"`
}

// Run is an open run directory being written to.
type Run struct {
	ID      string
	Dir     string
	started time.Time
	stages  []StageRecord
}

// Root returns the runs directory under ops.
func Root(ops string) string { return filepath.Join(ops, "runs") }

// NewID builds a run id from the clock, project, and workstream.
func NewID(project, wsID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", now.UTC().Format("20060102-150405"), project, wsID)
}

// New creates the run directory and returns an open Run.
func New(ops, project, wsID string) (*Run, error) {
	id := NewID(project, wsID, time.Now())
	dir := filepath.Join(Root(ops), id)
	if err := os.MkdirAll(filepath.Join(dir, "stages"), 0o755); err != nil {
		return nil, err
	}
	return &Run{ID: id, Dir: dir, started: time.Now().UTC()}, nil
}

// StageLogPath returns the log file path for a stage.
func (r *Run) StageLogPath(stage string) string {
	return filepath.Join(r.Dir, "stages", stage+".log")
}

// Logf appends a timestamped line to a stage's log.
func (r *Run) Logf(stage, format string, args ...any) {
	f, err := os.OpenFile(r.StageLogPath(stage), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// LogOutput stores a command or agent transcript for a stage.
func (r *Run) LogOutput(stage, name, output string) {
	path := filepath.Join(r.Dir, "stages", fmt.Sprintf("%s.%s.txt", stage, name))
	os.WriteFile(path, []byte(output), 0o644)
}

// RecordStage appends a stage outcome to the run's stage history.
func (r *Run) RecordStage(stage string, attempt int, outcome string, d time.Duration) {
	r.stages = append(r.stages, StageRecord{Stage: stage, Attempt: attempt, Outcome: outcome, Duration: d})
	r.Logf(stage, "outcome=%s attempt=%d duration=%s", outcome, attempt, d.Round(time.Millisecond))
}

// WriteReview stores the reviewer's verdict alongside the run.
func (r *Run) WriteReview(v any) error {
	return writeJSON(filepath.Join(r.Dir, "review.json"), v)
}

// ReadReview loads the run's persisted verdict back into v. The quality gate
// uses this to prove the approval made it to disk before anything commits.
func (r *Run) ReadReview(v any) error {
	data, err := os.ReadFile(filepath.Join(r.Dir, "review.json"))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Finish writes result.json, closing the run.
func (r *Run) Finish(res Result) error {
	res.RunID = r.ID
	res.Started = r.started
	res.Finished = time.Now().UTC()
	if err := writeJSON(filepath.Join(r.Dir, "stages.json"), r.stages); err != nil {
		return err
	}
	return writeJSON(filepath.Join(r.Dir, "result.json"), res)
}

// LoadResult reads the result.json of a finished run.
func LoadResult(ops, runID string) (*Result, error) {
	data, err := os.ReadFile(filepath.Join(Root(ops), runID, "result.json"))
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%s/result.json: %w", runID, err)
	}
	return &res, nil
}

// LastRunFor returns the most recent run id for a workstream and its result.
// A run that crashed before writing result.json yields a nil result; run ids
// sort chronologically by construction.
func LastRunFor(ops, wsID string) (string, *Result, error) {
	entries, err := os.ReadDir(Root(ops))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, nil
		}
		return "", nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), "_"+wsID) {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return "", nil, nil
	}
	sort.Strings(ids)
	last := ids[len(ids)-1]
	res, err := LoadResult(ops, last)
	if err != nil {
		if os.IsNotExist(err) {
			return last, nil, nil
		}
		return last, nil, err
	}
	return last, res, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
