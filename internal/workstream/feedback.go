package workstream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Approval is a pending human verdict, written by `approve` / `reject` and
// consumed by the next cycle.
type Approval struct {
	Decision string    `json:"decision"` // "approve" or "reject"
	ItemID   string    `json:"item_id,omitempty"`
	Note     string    `json:"note,omitempty"`
	At       time.Time `json:"at"`
}

// Feedback is free-form human guidance injected into the next implementer
// prompt, then consumed.
type Feedback struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func (w *Workstream) approvalPath() string { return filepath.Join(w.dir, "human_approval.json") }
func (w *Workstream) feedbackPath() string { return filepath.Join(w.dir, "human_feedback.json") }

// StoreApproval records a human verdict for the workstream's paused item.
func (w *Workstream) StoreApproval(a Approval) error {
	if a.Decision != "approve" && a.Decision != "reject" {
		return fmt.Errorf("invalid decision %q", a.Decision)
	}
	a.At = time.Now().UTC()
	return writeJSON(w.approvalPath(), a)
}

// TakeApproval reads and removes the pending approval, if any.
func (w *Workstream) TakeApproval() (*Approval, error) {
	var a Approval
	ok, err := readJSON(w.approvalPath(), &a)
	if err != nil || !ok {
		return nil, err
	}
	if err := os.Remove(w.approvalPath()); err != nil {
		return nil, err
	}
	return &a, nil
}

// PeekApproval reads the pending approval without consuming it.
func (w *Workstream) PeekApproval() (*Approval, error) {
	var a Approval
	ok, err := readJSON(w.approvalPath(), &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

// StoreFeedback records guidance for the next implementation attempt.
func (w *Workstream) StoreFeedback(text string) error {
	return writeJSON(w.feedbackPath(), Feedback{Text: text, At: time.Now().UTC()})
}

// TakeFeedback reads and removes pending human feedback, if any.
func (w *Workstream) TakeFeedback() (*Feedback, error) {
	var f Feedback
	ok, err := readJSON(w.feedbackPath(), &f)
	if err != nil || !ok {
		return nil, err
	}
	if err := os.Remove(w.feedbackPath()); err != nil {
		return nil, err
	}
	return &f, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	return true, nil
}
