package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderScrape(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	defer r.Shutdown(ctx)

	r.Cycle(ctx, "ws-1", "completed")
	r.Stage(ctx, "implement", "changes_made", 2*time.Second)
	r.AgentCall(ctx, "implementer", "ok")
	r.Retry(ctx, "ws-1")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{"conveyor_cycles", "conveyor_stage_duration", "conveyor_agent_invocations"} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape missing %s", want)
		}
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	ctx := context.Background()
	r.Cycle(ctx, "ws-1", "completed")
	r.Stage(ctx, "test", "passed", time.Second)
	r.AgentCall(ctx, "reviewer", "ok")
	r.Retry(ctx, "ws-1")
	r.LockDelta(ctx, 1)
	if err := r.Shutdown(ctx); err != nil {
		t.Errorf("nil Shutdown: %v", err)
	}
}
