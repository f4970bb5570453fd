package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medvertical/fhir-validation-engine/fhirclient"
	"github.com/medvertical/fhir-validation-engine/settings"
	"github.com/medvertical/fhir-validation-engine/store"
)

func capabilityServer(t *testing.T, counts map[string]int) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		var resources []string
		for typ := range counts {
			resources = append(resources, fmt.Sprintf(`{"type": %q}`, typ))
		}
		fmt.Fprintf(w, `{"resourceType": "CapabilityStatement", "rest": [{"resource": [%s]}]}`,
			strings.Join(resources, ","))
	})
	for typ, total := range counts {
		total := total
		mux.HandleFunc("/"+typ, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"resourceType": "Bundle", "total": %d}`, total)
		})
	}
	return httptest.NewServer(mux)
}

type fakeResults struct {
	breakdowns []store.TypeBreakdown
}

func (f *fakeResults) CoverageByType(ctx context.Context, settingsHash string) ([]store.TypeBreakdown, error) {
	return f.breakdowns, nil
}

type fakeSettingsService struct {
	active *settings.Settings
	events chan settings.Event
}

func newFakeSettingsService() *fakeSettingsService {
	return &fakeSettingsService{
		active: &settings.Settings{ID: "v1", ContentHash: "hash-1"},
		events: make(chan settings.Event, 8),
	}
}

func (f *fakeSettingsService) GetActiveSettings(ctx context.Context) (*settings.Settings, error) {
	return f.active, nil
}

func (f *fakeSettingsService) Subscribe() (<-chan settings.Event, func()) {
	return f.events, func() { close(f.events) }
}

func TestSnapshot_ComputesCoverageAndSuccessRate(t *testing.T) {
	srv := capabilityServer(t, map[string]int{"Patient": 100, "Observation": 50})
	defer srv.Close()

	client := fhirclient.New(srv.URL)
	results := &fakeResults{breakdowns: []store.TypeBreakdown{
		{ResourceType: "Patient", Validated: 50, Valid: 45},
		{ResourceType: "Observation", Validated: 50, Valid: 50},
	}}
	svc := newFakeSettingsService()

	agg := New(client, results, svc, zap.NewNop())
	defer agg.Close()

	snap, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.TotalResources != 150 {
		t.Fatalf("expected 150 total resources, got %d", snap.TotalResources)
	}

	var patient TypeCoverage
	for _, c := range snap.Coverage {
		if c.ResourceType == "Patient" {
			patient = c
		}
	}
	if patient.Coverage != 0.5 {
		t.Fatalf("expected Patient coverage 0.5, got %v", patient.Coverage)
	}
	if patient.SuccessRate != 0.9 {
		t.Fatalf("expected Patient success rate 0.9, got %v", patient.SuccessRate)
	}

	// 100 validated across 150 total resources.
	if snap.OverallCoverage < 0.66 || snap.OverallCoverage > 0.67 {
		t.Fatalf("expected overall coverage around 2/3, got %v", snap.OverallCoverage)
	}
	if len(snap.TopN) != 2 {
		t.Fatalf("expected both types in top-N, got %+v", snap.TopN)
	}
}

func TestSnapshot_CachesUntilTTLExpires(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"resourceType": "CapabilityStatement", "rest": [{"resource": [{"type": "Patient"}]}]}`)
	})
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceType": "Bundle", "total": 10}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := fhirclient.New(srv.URL)
	results := &fakeResults{}
	svc := newFakeSettingsService()

	agg := New(client, results, svc, zap.NewNop())
	defer agg.Close()
	agg.ttl = time.Hour

	if _, err := agg.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot (1): %v", err)
	}
	if _, err := agg.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot (2): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the cache to avoid a second capability fetch, got %d calls", calls)
	}
}

func TestSnapshot_InvalidatesOnSettingsEvent(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"resourceType": "CapabilityStatement", "rest": [{"resource": [{"type": "Patient"}]}]}`)
	})
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceType": "Bundle", "total": 10}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := fhirclient.New(srv.URL)
	results := &fakeResults{}
	svc := newFakeSettingsService()

	agg := New(client, results, svc, zap.NewNop())
	defer agg.Close()
	agg.ttl = time.Hour

	if _, err := agg.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot (1): %v", err)
	}

	svc.events <- settings.Event{Type: settings.EventActivated}
	deadline := time.Now().Add(time.Second)
	for {
		agg.mu.Lock()
		invalidated := agg.cached == nil
		agg.mu.Unlock()
		if invalidated || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := agg.Snapshot(context.Background()); err != nil {
		t.Fatalf("Snapshot (2): %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a settings event to force recomputation, got %d calls", calls)
	}
}
