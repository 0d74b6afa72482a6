package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	got := NewID("demo", "ws-1", now)
	if got != "20260102-150405_demo_ws-1" {
		t.Errorf("NewID: %q", got)
	}
}

func TestRunLifecycle(t *testing.T) {
	ops := t.TempDir()
	r, err := New(ops, "demo", "ws-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Logf("implement", "starting attempt %d", 1)
	r.LogOutput("test", "stdout", "ok\tall tests passed\n")
	r.RecordStage("implement", 1, "changes_made", 2*time.Second)

	err = r.Finish(Result{Workstream: "ws-1", ItemID: "COMMIT-WS1-001", Kind: ResultCompleted, Attempts: 1})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	res, err := LoadResult(ops, r.ID)
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if res.Kind != ResultCompleted || res.ItemID != "COMMIT-WS1-001" || res.RunID != r.ID {
		t.Errorf("result: %+v", res)
	}
	if res.Finished.Before(res.Started) {
		t.Error("finished before started")
	}

	log, err := os.ReadFile(r.StageLogPath("implement"))
	if err != nil || !strings.Contains(string(log), "starting attempt 1") {
		t.Errorf("stage log: %q %v", log, err)
	}
}

func TestLastRunFor(t *testing.T) {
	ops := t.TempDir()

	// No runs at all.
	id, res, err := LastRunFor(ops, "ws-1")
	if err != nil || id != "" || res != nil {
		t.Fatalf("empty: %q %+v %v", id, res, err)
	}

	r1, _ := New(ops, "demo", "ws-1")
	r1.Finish(Result{Workstream: "ws-1", Kind: ResultContentFailure})

	// A later run that crashed before writing result.json.
	crashed := filepath.Join(Root(ops), "20990101-000000_demo_ws-1")
	if err := os.MkdirAll(crashed, 0o755); err != nil {
		t.Fatal(err)
	}

	id, res, err = LastRunFor(ops, "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if id != "20990101-000000_demo_ws-1" || res != nil {
		t.Errorf("crashed run should win with nil result: %q %+v", id, res)
	}

	// Other workstreams are invisible.
	id, res, err = LastRunFor(ops, "ws-2")
	if err != nil || id != "" || res != nil {
		t.Errorf("ws-2: %q %+v %v", id, res, err)
	}
}

func TestIndexInsertAndList(t *testing.T) {
	ops := t.TempDir()
	ix, err := OpenIndex(ops)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	defer ix.Close()

	now := time.Now().UTC()
	for i, kind := range []string{ResultCompleted, ResultNoop, ResultAwaitingHuman} {
		res := Result{
			RunID:      NewID("demo", "ws-1", now.Add(time.Duration(i)*time.Second)),
			Workstream: "ws-1",
			Kind:       kind,
			Started:    now,
			Finished:   now,
		}
		if err := ix.Insert(res); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	ix.Insert(Result{RunID: NewID("demo", "ws-2", now), Workstream: "ws-2", Kind: ResultCompleted, Started: now, Finished: now})

	got, err := ix.List("ws-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Kind != ResultAwaitingHuman {
		t.Errorf("List ws-1: %+v", got)
	}
	got, err = ix.List("", 2)
	if err != nil || len(got) != 2 {
		t.Errorf("List limit: %+v %v", got, err)
	}
}

func TestIndexRebuild(t *testing.T) {
	ops := t.TempDir()
	r, _ := New(ops, "demo", "ws-1")
	r.Finish(Result{Workstream: "ws-1", Kind: ResultCompleted})
	// Unfinished run dir must be skipped.
	os.MkdirAll(filepath.Join(Root(ops), "20990101-000000_demo_ws-1"), 0o755)

	ix, err := OpenIndex(ops)
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	n, err := ix.Rebuild(ops)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n != 1 {
		t.Errorf("Rebuild ingested %d", n)
	}
	got, _ := ix.List("ws-1", 0)
	if len(got) != 1 || got[0].RunID != r.ID {
		t.Errorf("after rebuild: %+v", got)
	}
}
