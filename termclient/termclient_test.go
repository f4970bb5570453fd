package termclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidateCode_CoreTableHit(t *testing.T) {
	c := New()
	resp, err := c.ValidateCode(context.Background(), Params{
		System: "http://hl7.org/fhir/administrative-gender",
		Code:   "male",
	}, "http://unused.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Valid || resp.Display == "" {
		t.Errorf("expected a core-table hit to return Valid=true with a display, got %+v", resp)
	}
}

func TestValidateCode_ExternalSystemDegradesGracefully(t *testing.T) {
	c := New()
	resp, err := c.ValidateCode(context.Background(), Params{
		System: "http://unitsofmeasure.org",
		Code:   "mg",
	}, "http://unused.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Valid || resp.Code != CodeExternalUnvalidatable {
		t.Errorf("expected graceful degradation for UCUM, got %+v", resp)
	}
}

func TestValidateCode_ServerRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/CodeSystem/$validate-code" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"parameter":[{"name":"result","valueBoolean":true},{"name":"display","valueString":"Example"}]}`))
	}))
	defer server.Close()

	c := New()
	resp, err := c.ValidateCode(context.Background(), Params{
		System: "http://example.org/custom-system",
		Code:   "abc",
	}, server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Valid || resp.Display != "Example" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestValidateCode_422ExternalLookingSystemDegrades(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	c := New()
	resp, err := c.ValidateCode(context.Background(), Params{
		System: "urn:some:external:system",
		Code:   "abc",
	}, server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Valid || resp.Code != CodeExternalUnvalidatable {
		t.Errorf("resp = %+v", resp)
	}
}

func TestValidateCode_OtherHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New()
	resp, err := c.ValidateCode(context.Background(), Params{
		System: "http://example.org/custom-system",
		Code:   "abc",
	}, server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Valid || resp.Code != "HTTP_500" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCheckHealth_ClassifiesHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New()
	if status := c.CheckHealth(context.Background(), server.URL, "R4"); status != HealthHealthy {
		t.Errorf("status = %s, want healthy", status)
	}
}

func TestCheckHealth_ClassifiesDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(WithHealthTimeout(5 * time.Second))
	if status := c.CheckHealth(context.Background(), server.URL, "R4"); status != HealthDegraded {
		t.Errorf("status = %s, want degraded", status)
	}
}

func TestCheckHealth_ClassifiesUnhealthyOnError(t *testing.T) {
	c := New(WithHealthTimeout(50 * time.Millisecond))
	if status := c.CheckHealth(context.Background(), "http://127.0.0.1:1", "R4"); status != HealthUnhealthy {
		t.Errorf("status = %s, want unhealthy", status)
	}
}

func TestValidateCodeBatch_PreservesOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"parameter":[{"name":"result","valueBoolean":true},{"name":"display","valueString":"` + code + `"}]}`))
	}))
	defer server.Close()

	c := New()
	items := []Params{
		{System: "http://example.org/sys", Code: "a"},
		{System: "http://example.org/sys", Code: "b"},
		{System: "http://example.org/sys", Code: "c"},
	}
	responses, err := c.ValidateCodeBatch(context.Background(), items, server.URL)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if responses[i].Display != want {
			t.Errorf("responses[%d].Display = %s, want %s", i, responses[i].Display, want)
		}
	}
}
