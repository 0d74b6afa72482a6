// Package workstream manages workstream state directories under the ops dir.
//
// Each workstream owns a directory workstreams/<id>/ holding meta.env (its
// authoritative state), plan.md, human approval/feedback files, and its
// clarifications. The env file is the source of truth; nothing here is cached.
package workstream

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/codr1/conveyor/internal/config"
)

// Workstream statuses.
const (
	StatusActive         = "active"
	StatusAwaitingReview = "awaiting_human_review"
	StatusBlocked        = "blocked"
	StatusDone           = "done" // all plan items complete, not yet merged
	StatusMerged         = "merged"
	StatusArchived       = "archived"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Workstream is the parsed state of one workstream's meta.env.
type Workstream struct {
	ID            string
	Title         string
	Branch        string
	Worktree      string
	BaseBranch    string
	BaseSHA       string
	Status        string
	BlockedReason string
	LastRunID     string
	LastCommitSHA string
	SessionID     string
	Created       string
	Refreshed     string

	dir string
}

// Dir returns the workstream's state directory.
func (w *Workstream) Dir() string { return w.dir }

// PlanPath returns the path of the workstream's plan file.
func (w *Workstream) PlanPath() string { return filepath.Join(w.dir, "plan.md") }

// ClarificationsDir returns the root of the clarifications tree.
func (w *Workstream) ClarificationsDir() string { return filepath.Join(w.dir, "clarifications") }

// Root returns the workstreams directory under ops.
func Root(ops string) string { return filepath.Join(ops, "workstreams") }

// ArchiveRoot returns the directory retired workstreams are moved into.
func ArchiveRoot(ops string) string { return filepath.Join(Root(ops), "_archive") }

func dirFor(ops, id string) string { return filepath.Join(Root(ops), id) }

// Create initializes a new workstream directory with meta.env and an empty
// plan seeded with the title.
func Create(ops, id, title, branch, baseBranch, baseSHA, worktree string) (*Workstream, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid workstream id %q", id)
	}
	dir := dirFor(ops, id)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("workstream %s already exists", id)
	}
	if err := os.MkdirAll(filepath.Join(dir, "clarifications", "pending"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "clarifications", "answered"), 0o755); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	meta := strings.Join([]string{
		"# workstream state; edit via the CLI, not by hand",
		fmt.Sprintf("ID=%q", id),
		fmt.Sprintf("TITLE=%q", title),
		fmt.Sprintf("BRANCH=%q", branch),
		fmt.Sprintf("WORKTREE=%q", worktree),
		fmt.Sprintf("BASE_BRANCH=%q", baseBranch),
		fmt.Sprintf("BASE_SHA=%q", baseSHA),
		fmt.Sprintf("STATUS=%q", StatusActive),
		fmt.Sprintf("CREATED=%q", now),
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, "meta.env"), []byte(meta), 0o644); err != nil {
		return nil, err
	}
	planSeed := fmt.Sprintf("# %s: %s\n\n", strings.ToUpper(id), title)
	if err := os.WriteFile(filepath.Join(dir, "plan.md"), []byte(planSeed), 0o644); err != nil {
		return nil, err
	}
	return Load(ops, id)
}

// Load reads a workstream's meta.env.
func Load(ops, id string) (*Workstream, error) {
	dir := dirFor(ops, id)
	env, err := config.LoadEnv(filepath.Join(dir, "meta.env"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("workstream %s not found", id)
		}
		return nil, err
	}
	w := &Workstream{
		ID:            env["ID"],
		Title:         env["TITLE"],
		Branch:        env["BRANCH"],
		Worktree:      env["WORKTREE"],
		BaseBranch:    env["BASE_BRANCH"],
		BaseSHA:       env["BASE_SHA"],
		Status:        env["STATUS"],
		BlockedReason: env["BLOCKED_REASON"],
		LastRunID:     env["LAST_RUN_ID"],
		LastCommitSHA: env["LAST_COMMIT_SHA"],
		SessionID:     env["IMPLEMENTER_SESSION_ID"],
		Created:       env["CREATED"],
		Refreshed:     env["REFRESHED"],
		dir:           dir,
	}
	if w.ID == "" {
		w.ID = id
	}
	return w, nil
}

// List returns all non-archived workstreams, sorted by id.
func List(ops string) ([]*Workstream, error) {
	entries, err := os.ReadDir(Root(ops))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Workstream
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		w, err := Load(ops, e.Name())
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateMeta applies key updates to meta.env and refreshes the in-memory view.
func (w *Workstream) UpdateMeta(updates map[string]*string) error {
	updates["REFRESHED"] = config.String(time.Now().UTC().Format(time.RFC3339))
	return config.UpdateEnvFile(filepath.Join(w.dir, "meta.env"), updates)
}

// SetStatus transitions the workstream's status, clearing any blocked reason
// unless the new status is blocked.
func (w *Workstream) SetStatus(status string) error {
	updates := map[string]*string{"STATUS": config.String(status)}
	if status != StatusBlocked {
		updates["BLOCKED_REASON"] = nil
	}
	if err := w.UpdateMeta(updates); err != nil {
		return err
	}
	w.Status = status
	if status != StatusBlocked {
		w.BlockedReason = ""
	}
	return nil
}

// SetBlocked marks the workstream blocked with a reason.
func (w *Workstream) SetBlocked(reason string) error {
	if err := w.UpdateMeta(map[string]*string{
		"STATUS":         config.String(StatusBlocked),
		"BLOCKED_REASON": config.String(reason),
	}); err != nil {
		return err
	}
	w.Status = StatusBlocked
	w.BlockedReason = reason
	return nil
}

// SetSessionID records the implementer's resumable session id, or clears it
// when id is empty.
func (w *Workstream) SetSessionID(id string) error {
	var v *string
	if id != "" {
		v = config.String(id)
	}
	if err := w.UpdateMeta(map[string]*string{"IMPLEMENTER_SESSION_ID": v}); err != nil {
		return err
	}
	w.SessionID = id
	return nil
}

// Archive moves the workstream directory under workstreams/_archive/,
// suffixing with a timestamp if the name is taken.
func (w *Workstream) Archive(ops string) error {
	if err := w.SetStatus(StatusArchived); err != nil {
		return err
	}
	root := ArchiveRoot(ops)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(root, w.ID)
	if _, err := os.Stat(dst); err == nil {
		dst = fmt.Sprintf("%s-%s", dst, time.Now().UTC().Format("20060102-150405"))
	}
	if err := os.Rename(w.dir, dst); err != nil {
		return fmt.Errorf("archive %s: %w", w.ID, err)
	}
	w.dir = dst
	return nil
}
