package fhirclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCapabilityStatement_ParsesResourceTypes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.Write([]byte(`{
			"resourceType": "CapabilityStatement",
			"rest": [{
				"resource": [
					{"type": "Patient", "interaction": [{"code": "read"}, {"code": "search-type"}]},
					{"type": "Observation", "interaction": [{"code": "read"}]}
				]
			}]
		}`))
	}))
	defer server.Close()

	client := New(server.URL)
	summaries, err := client.CapabilityStatement(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 resource type summaries, got %d", len(summaries))
	}
	if summaries[0].Type != "Patient" || len(summaries[0].Interactions) != 2 {
		t.Fatalf("unexpected first summary: %+v", summaries[0])
	}
}

func TestCount_ReturnsTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("_summary") != "count" {
			t.Errorf("expected _summary=count, got %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"resourceType": "Bundle", "total": 42}`))
	}))
	defer server.Close()

	client := New(server.URL)
	total, err := client.Count(context.Background(), "Patient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 42 {
		t.Fatalf("expected 42, got %d", total)
	}
}

func TestSearch_PagesWithOffsetAndCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("_count") != "10" || q.Get("_offset") != "20" {
			t.Errorf("expected _count=10&_offset=20, got %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{
			"resourceType": "Bundle",
			"total": 100,
			"entry": [
				{"resource": {"resourceType": "Patient", "id": "1"}},
				{"resource": {"resourceType": "Patient", "id": "2"}}
			]
		}`))
	}))
	defer server.Close()

	client := New(server.URL)
	bundle, err := client.Search(context.Background(), "Patient", 20, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.Total != 100 {
		t.Fatalf("expected total 100, got %d", bundle.Total)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(bundle.Entry))
	}
}

func TestRead_ReturnsRawResource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Patient/123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"resourceType": "Patient", "id": "123"}`))
	}))
	defer server.Close()

	client := New(server.URL)
	raw, err := client.Read(context.Background(), "Patient", "123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty raw resource")
	}
}

func TestShouldSkipType(t *testing.T) {
	cases := []struct {
		total, ceiling int
		want           bool
	}{
		{total: 100, ceiling: 50000, want: false},
		{total: 60000, ceiling: 50000, want: true},
		{total: 60000, ceiling: 0, want: false}, // 0 means no ceiling
	}
	for _, tc := range cases {
		if got := ShouldSkipType(tc.total, tc.ceiling); got != tc.want {
			t.Errorf("ShouldSkipType(%d, %d) = %v, want %v", tc.total, tc.ceiling, got, tc.want)
		}
	}
}
