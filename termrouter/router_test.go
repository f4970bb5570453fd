package termrouter

import (
	"testing"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/settings"
)

func TestSelect_OrdersByPriorityAndFiltersVersion(t *testing.T) {
	active := &settings.Settings{
		TerminologyServers: []settings.TerminologyServer{
			{ID: "low", Name: "low-priority", URL: "https://low.example.org", FHIRVersions: []fv.FHIRVersion{fv.R4}, Priority: 5, Enabled: true},
			{ID: "high", Name: "high-priority", URL: "https://high.example.org", FHIRVersions: []fv.FHIRVersion{fv.R4}, Priority: 1, Enabled: true},
			{ID: "wrong-version", Name: "r5-only", URL: "https://r5.example.org", FHIRVersions: []fv.FHIRVersion{fv.R5}, Priority: 0, Enabled: true},
			{ID: "disabled", Name: "disabled", URL: "https://disabled.example.org", FHIRVersions: []fv.FHIRVersion{fv.R4}, Priority: 0, Enabled: false},
		},
	}

	r := New()
	endpoints := r.Select(fv.R4, active)

	if len(endpoints) != 2 {
		t.Fatalf("len(endpoints) = %d, want 2", len(endpoints))
	}
	if endpoints[0].ServerID != "high" || endpoints[1].ServerID != "low" {
		t.Errorf("endpoints = %+v, want high before low", endpoints)
	}
}

func TestSelect_FallsBackToDefaultWhenNoneEligible(t *testing.T) {
	r := New()
	endpoints := r.Select(fv.R4, &settings.Settings{})
	if len(endpoints) != 1 || endpoints[0].ServerID != "default" {
		t.Errorf("endpoints = %+v, want single default fallback", endpoints)
	}
}

func TestSelect_SkipsCircuitOpenServer(t *testing.T) {
	active := &settings.Settings{
		TerminologyServers: []settings.TerminologyServer{
			{ID: "a", URL: "https://a.example.org", FHIRVersions: []fv.FHIRVersion{fv.R4}, Priority: 0, Enabled: true, CircuitOpen: true},
		},
	}
	r := New()
	endpoints := r.Select(fv.R4, active)
	if len(endpoints) != 1 || endpoints[0].ServerID != "default" {
		t.Errorf("expected fallback when the only server has an open circuit, got %+v", endpoints)
	}
}

func TestSelect_SkipsRouterTrippedBreaker(t *testing.T) {
	active := &settings.Settings{
		TerminologyServers: []settings.TerminologyServer{
			{ID: "flaky", URL: "https://flaky.example.org", FHIRVersions: []fv.FHIRVersion{fv.R4}, Priority: 0, Enabled: true},
		},
	}
	r := New()
	for i := 0; i < 3; i++ {
		r.ReportFailure("flaky")
	}

	endpoints := r.Select(fv.R4, active)
	if len(endpoints) != 1 || endpoints[0].ServerID != "default" {
		t.Errorf("expected tripped breaker to fall back to default, got %+v", endpoints)
	}
}

func TestVersionedURL_AppendsSuffixOnce(t *testing.T) {
	if got := versionedURL("https://tx.example.org", fv.R4); got != "https://tx.example.org/r4" {
		t.Errorf("versionedURL = %s", got)
	}
	if got := versionedURL("https://tx.example.org/r4", fv.R4); got != "https://tx.example.org/r4" {
		t.Errorf("versionedURL should not double-append suffix: %s", got)
	}
}
