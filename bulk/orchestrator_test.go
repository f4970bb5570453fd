package bulk

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/medvertical/fhir-validation-engine/fhirclient"
)

// countingServer serves a CapabilityStatement for the given resource types
// and, for each, a _summary=count total and paged search results of dummy
// resources. totals maps resource type to its server-reported total.
func countingServer(t *testing.T, order []string, totals map[string]int) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		var resources []string
		for _, typ := range order {
			resources = append(resources, fmt.Sprintf(`{"type": %q, "interaction": [{"code": "search-type"}]}`, typ))
		}
		fmt.Fprintf(w, `{"resourceType": "CapabilityStatement", "rest": [{"resource": [%s]}]}`,
			strings.Join(resources, ","))
	})

	for _, typ := range order {
		typ := typ
		total := totals[typ]

		mux.HandleFunc("/"+typ, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("_summary") == "count" {
				fmt.Fprintf(w, `{"resourceType": "Bundle", "total": %d}`, total)
				return
			}

			offset, _ := strconv.Atoi(r.URL.Query().Get("_offset"))
			count, _ := strconv.Atoi(r.URL.Query().Get("_count"))

			remaining := total - offset
			if remaining < 0 {
				remaining = 0
			}
			n := count
			if n > remaining {
				n = remaining
			}

			var entries []string
			for i := 0; i < n; i++ {
				entries = append(entries, fmt.Sprintf(`{"resource": {"resourceType": %q, "id": "%d"}}`, typ, offset+i))
			}
			fmt.Fprintf(w, `{"resourceType": "Bundle", "total": %d, "entry": [%s]}`, total, strings.Join(entries, ","))
		})
	}

	return httptest.NewServer(mux)
}

func alwaysValid(_ context.Context, _ string, resources [][]byte) ([]int, error) {
	scores := make([]int, len(resources))
	for i := range scores {
		scores[i] = 100
	}
	return scores, nil
}

func waitForEvent(t *testing.T, events <-chan Event, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-events:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", want)
		}
	}
}

func TestRun_CompletesAndTracksCounters(t *testing.T) {
	server := countingServer(t, []string{"Patient"}, map[string]int{"Patient": 4})
	defer server.Close()

	client := fhirclient.New(server.URL)
	checkpoint := NewMemoryCheckpointStore()
	cfg := DefaultConfig()
	cfg.BatchSize = 2

	o := New("server-1", client, alwaysValid, checkpoint, cfg)
	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Start(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForEvent(t, events, EventCompleted, 2*time.Second)

	state, counters := o.State()
	if state != StateIdle {
		t.Fatalf("expected idle after completion, got %q", state)
	}
	if counters.Processed != 4 || counters.Valid != 4 || counters.Error != 0 {
		t.Fatalf("unexpected counters: %+v", counters)
	}

	if resume, err := checkpoint.Load("server-1"); err != nil || resume != nil {
		t.Fatalf("expected no checkpoint after completion, got %+v, err %v", resume, err)
	}
}

func TestSkipType_ExceedsMaxTypeResourceCount(t *testing.T) {
	server := countingServer(t, []string{"Observation", "Patient"}, map[string]int{
		"Observation": 100000,
		"Patient":     2,
	})
	defer server.Close()

	client := fhirclient.New(server.URL)
	checkpoint := NewMemoryCheckpointStore()
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxTypeResourceCount = 50000

	o := New("server-1", client, alwaysValid, checkpoint, cfg)
	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Start(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForEvent(t, events, EventCompleted, 2*time.Second)

	_, counters := o.State()
	if counters.Processed != 2 {
		t.Fatalf("expected only Patient's 2 resources processed, got %+v", counters)
	}
}

func TestPause_PersistsCheckpoint_AndResumeCompletesWalk(t *testing.T) {
	server := countingServer(t, []string{"Patient"}, map[string]int{"Patient": 4})
	defer server.Close()

	client := fhirclient.New(server.URL)
	checkpoint := NewMemoryCheckpointStore()
	cfg := DefaultConfig()
	cfg.BatchSize = 2

	entered := make(chan struct{}, 10)
	gate := make(chan struct{})
	gatedValidate := func(ctx context.Context, resourceType string, resources [][]byte) ([]int, error) {
		entered <- struct{}{}
		<-gate
		return alwaysValid(ctx, resourceType, resources)
	}

	o := New("server-1", client, gatedValidate, checkpoint, cfg)
	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Start(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	<-entered        // first batch (offset 0) is in flight
	if err := o.Pause(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gate <- struct{}{} // let the first batch finish; stop is checked at the next boundary

	waitForEvent(t, events, EventPaused, 2*time.Second)

	state, _ := o.State()
	if state != StatePaused {
		t.Fatalf("expected paused, got %q", state)
	}

	resume, err := checkpoint.Load("server-1")
	if err != nil || resume == nil {
		t.Fatalf("expected a checkpoint after pause, got %+v, err %v", resume, err)
	}
	if resume.Type != "Patient" || resume.Offset != 2 {
		t.Fatalf("expected checkpoint at (Patient, 2), got %+v", resume)
	}

	if err := o.Resume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	<-entered // second batch (offset 2) is in flight
	gate <- struct{}{}

	waitForEvent(t, events, EventCompleted, 2*time.Second)

	state, counters := o.State()
	if state != StateIdle {
		t.Fatalf("expected idle after completion, got %q", state)
	}
	if counters.Processed != 4 || counters.Valid != 4 {
		t.Fatalf("unexpected counters after resume: %+v", counters)
	}
}

func TestStop_ClearsCheckpointAndReturnsToIdle(t *testing.T) {
	server := countingServer(t, []string{"Patient"}, map[string]int{"Patient": 4})
	defer server.Close()

	client := fhirclient.New(server.URL)
	checkpoint := NewMemoryCheckpointStore()
	cfg := DefaultConfig()
	cfg.BatchSize = 2

	entered := make(chan struct{}, 10)
	gate := make(chan struct{})
	gatedValidate := func(ctx context.Context, resourceType string, resources [][]byte) ([]int, error) {
		entered <- struct{}{}
		<-gate
		return alwaysValid(ctx, resourceType, resources)
	}

	o := New("server-1", client, gatedValidate, checkpoint, cfg)

	if err := o.Start(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	<-entered
	o.Stop(false)
	close(gate) // unblock the in-flight validate call so run() can exit

	deadline := time.After(2 * time.Second)
	for {
		state, _ := o.State()
		if state == StateIdle {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected idle after stop")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if resume, err := checkpoint.Load("server-1"); err != nil || resume != nil {
		t.Fatalf("expected no checkpoint after stop, got %+v, err %v", resume, err)
	}
}

func TestStart_RejectsWhenAlreadyRunning(t *testing.T) {
	server := countingServer(t, []string{"Patient"}, map[string]int{"Patient": 2})
	defer server.Close()

	client := fhirclient.New(server.URL)
	checkpoint := NewMemoryCheckpointStore()

	gate := make(chan struct{})
	blockingValidate := func(ctx context.Context, resourceType string, resources [][]byte) ([]int, error) {
		<-gate
		return alwaysValid(ctx, resourceType, resources)
	}

	o := New("server-1", client, blockingValidate, checkpoint, DefaultConfig())
	defer close(gate)

	if err := o.Start(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := o.Start(context.Background(), false); err == nil {
		t.Fatalf("expected error starting an already-running orchestrator")
	}
}
