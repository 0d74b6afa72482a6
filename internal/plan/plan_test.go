package plan

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePlan = `# WS-1: Login page

Add a login page with email and password.

### COMMIT-WS1-001: Add login form skeleton

Render the form with empty handlers.

Done: [x]

### COMMIT-WS1-002: Wire form submission

<!-- not ready:
### COMMIT-WS1-999: Phantom entry
Done: [ ]
-->

Post credentials to /api/login.

Done: [ ]

### COMMIT-WS1-003: Show validation errors

Done: [ ]
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParse(t *testing.T) {
	items, err := Parse(writePlan(t, samplePlan))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3 (commented entry must be skipped)", len(items))
	}
	if items[0].ID != "COMMIT-WS1-001" || !items[0].Done {
		t.Errorf("item 0: %+v", items[0])
	}
	if items[1].ID != "COMMIT-WS1-002" || items[1].Done {
		t.Errorf("item 1: %+v", items[1])
	}
	if items[1].Title != "Wire form submission" {
		t.Errorf("title: %q", items[1].Title)
	}
}

func TestNextPending_skipsDoneOutOfOrder(t *testing.T) {
	content := `### COMMIT-A-001: one
Done: [ ]
### COMMIT-A-002: two
Done: [x]
### COMMIT-A-003: three
Done: [ ]
`
	items, err := Parse(writePlan(t, content))
	if err != nil {
		t.Fatal(err)
	}
	next := NextPending(items)
	if next == nil || next.ID != "COMMIT-A-001" {
		t.Errorf("NextPending: %+v", next)
	}

	// All done -> nil.
	done := `### COMMIT-A-001: one
Done: [x]
`
	items, err = Parse(writePlan(t, done))
	if err != nil {
		t.Fatal(err)
	}
	if NextPending(items) != nil {
		t.Error("NextPending should be nil when everything is done")
	}
}

func TestMarkDone(t *testing.T) {
	path := writePlan(t, samplePlan)
	if err := MarkDone(path, "COMMIT-WS1-002"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	items, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if !items[1].Done {
		t.Error("COMMIT-WS1-002 should be done")
	}
	if items[2].Done {
		t.Error("COMMIT-WS1-003 must be untouched")
	}
}

func TestMarkDone_idempotent(t *testing.T) {
	path := writePlan(t, samplePlan)
	if err := MarkDone(path, "COMMIT-WS1-001"); err != nil {
		t.Fatalf("MarkDone on done item: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != samplePlan {
		t.Error("marking an already-done item must not rewrite the file")
	}
}

func TestMarkDone_preservesRestOfFile(t *testing.T) {
	path := writePlan(t, samplePlan)
	before, _ := os.ReadFile(path)
	if err := MarkDone(path, "COMMIT-WS1-003"); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(path)
	if len(before) != len(after) {
		t.Errorf("only the marker char may change: %d -> %d bytes", len(before), len(after))
	}
}

func TestMarkDone_unknownID(t *testing.T) {
	path := writePlan(t, samplePlan)
	err := MarkDone(path, "COMMIT-WS1-042")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestFixEntries(t *testing.T) {
	path := writePlan(t, samplePlan)
	items, _ := Parse(path)
	n := NextFixNumber(items, "WS1")
	if n != 1 {
		t.Errorf("NextFixNumber: got %d", n)
	}
	if err := Append(path, FormatFixEntry("WS1", n, "Fix flaky auth test", "Stabilize the token clock.")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	items, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	last := items[len(items)-1]
	if last.ID != "COMMIT-WS1-FIX-001" || last.Done {
		t.Errorf("fix entry: %+v", last)
	}
	if NextFixNumber(items, "WS1") != 2 {
		t.Errorf("NextFixNumber after append: got %d", NextFixNumber(items, "WS1"))
	}
}

func TestPreamble(t *testing.T) {
	got, err := Preamble(writePlan(t, samplePlan))
	if err != nil {
		t.Fatal(err)
	}
	want := "# WS-1: Login page\n\nAdd a login page with email and password."
	if got != want {
		t.Errorf("Preamble: %q", got)
	}
}
