package workstream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mkWS(t *testing.T) (string, *Workstream) {
	t.Helper()
	ops := t.TempDir()
	w, err := Create(ops, "ws-1", "Login page", "feat/ws-1", "main", "abc123", "/work/ws-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ops, w
}

func TestCreateAndLoad(t *testing.T) {
	ops, w := mkWS(t)
	if w.Status != StatusActive || w.Branch != "feat/ws-1" || w.BaseSHA != "abc123" {
		t.Errorf("created: %+v", w)
	}
	if _, err := os.Stat(filepath.Join(w.Dir(), "clarifications", "pending")); err != nil {
		t.Errorf("clarifications dir: %v", err)
	}
	plan, err := os.ReadFile(w.PlanPath())
	if err != nil || !strings.Contains(string(plan), "Login page") {
		t.Errorf("plan seed: %q %v", plan, err)
	}

	w2, err := Load(ops, "ws-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if w2.Title != "Login page" || w2.Created == "" {
		t.Errorf("Load: %+v", w2)
	}
}

func TestCreateRejectsBadIDs(t *testing.T) {
	ops := t.TempDir()
	for _, id := range []string{"WS 1", "../evil", "_archive", "UPPER"} {
		if _, err := Create(ops, id, "t", "b", "main", "sha", "/w"); err == nil {
			t.Errorf("Create(%q): expected error", id)
		}
	}
}

func TestCreateDuplicate(t *testing.T) {
	ops, _ := mkWS(t)
	if _, err := Create(ops, "ws-1", "again", "b", "main", "sha", "/w"); err == nil {
		t.Fatal("duplicate Create should fail")
	}
}

func TestStatusTransitions(t *testing.T) {
	ops, w := mkWS(t)
	if err := w.SetBlocked("needs clarification CLQ-001"); err != nil {
		t.Fatal(err)
	}
	w2, _ := Load(ops, "ws-1")
	if w2.Status != StatusBlocked || w2.BlockedReason != "needs clarification CLQ-001" {
		t.Errorf("blocked: %+v", w2)
	}

	if err := w.SetStatus(StatusActive); err != nil {
		t.Fatal(err)
	}
	w3, _ := Load(ops, "ws-1")
	if w3.Status != StatusActive || w3.BlockedReason != "" {
		t.Errorf("unblock should clear reason: %+v", w3)
	}
	if w3.Refreshed == "" {
		t.Error("REFRESHED should be stamped on updates")
	}
}

func TestSessionID(t *testing.T) {
	ops, w := mkWS(t)
	if err := w.SetSessionID("sess-42"); err != nil {
		t.Fatal(err)
	}
	w2, _ := Load(ops, "ws-1")
	if w2.SessionID != "sess-42" {
		t.Errorf("SessionID: %q", w2.SessionID)
	}
	if err := w.SetSessionID(""); err != nil {
		t.Fatal(err)
	}
	w3, _ := Load(ops, "ws-1")
	if w3.SessionID != "" {
		t.Errorf("SessionID should be cleared: %q", w3.SessionID)
	}
}

func TestList(t *testing.T) {
	ops, _ := mkWS(t)
	if _, err := Create(ops, "ws-2", "Search", "feat/ws-2", "main", "def", "/work/ws-2"); err != nil {
		t.Fatal(err)
	}
	all, err := List(ops)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "ws-1" || all[1].ID != "ws-2" {
		t.Errorf("List: %+v", all)
	}
}

func TestArchive(t *testing.T) {
	ops, w := mkWS(t)
	if err := w.Archive(ops); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ArchiveRoot(ops), "ws-1", "meta.env")); err != nil {
		t.Errorf("archived meta: %v", err)
	}
	all, err := List(ops)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("archived workstream still listed: %+v", all)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	_, w := mkWS(t)
	if err := w.StoreApproval(Approval{Decision: "approve", ItemID: "COMMIT-WS1-001"}); err != nil {
		t.Fatal(err)
	}
	a, err := w.PeekApproval()
	if err != nil || a == nil || a.Decision != "approve" {
		t.Fatalf("Peek: %+v %v", a, err)
	}
	a, err = w.TakeApproval()
	if err != nil || a == nil || a.ItemID != "COMMIT-WS1-001" {
		t.Fatalf("Take: %+v %v", a, err)
	}
	a, err = w.TakeApproval()
	if err != nil || a != nil {
		t.Fatalf("second Take should be empty: %+v %v", a, err)
	}
}

func TestApprovalRejectsBadDecision(t *testing.T) {
	_, w := mkWS(t)
	if err := w.StoreApproval(Approval{Decision: "maybe"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestFeedbackRoundTrip(t *testing.T) {
	_, w := mkWS(t)
	if err := w.StoreFeedback("use table-driven tests"); err != nil {
		t.Fatal(err)
	}
	f, err := w.TakeFeedback()
	if err != nil || f == nil || f.Text != "use table-driven tests" {
		t.Fatalf("Take: %+v %v", f, err)
	}
	f, err = w.TakeFeedback()
	if err != nil || f != nil {
		t.Fatalf("feedback should be consumed: %+v %v", f, err)
	}
}
