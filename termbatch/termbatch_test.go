package termbatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/termcache"
)

func TestValidate_EmptyBatch(t *testing.T) {
	cache := termcache.New(100, time.Hour)
	b := New(cache, func(ctx context.Context, code ExtractedCode, serverURL string) (termcache.Result, error) {
		t.Fatal("validate should not be called for an empty batch")
		return termcache.Result{}, nil
	})

	result, err := b.Validate(context.Background(), nil, fv.R4, "http://server.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalCodes != 0 || result.Validated != 0 || result.CacheHits != 0 || result.Failures != 0 {
		t.Errorf("result = %+v, want all-zero", result)
	}
}

func TestValidate_DeduplicatesAndExpandsOccurrences(t *testing.T) {
	cache := termcache.New(100, time.Hour)
	var calls atomic.Int32
	b := New(cache, func(ctx context.Context, code ExtractedCode, serverURL string) (termcache.Result, error) {
		calls.Add(1)
		return termcache.Result{Valid: true, Display: "Example"}, nil
	})

	codes := []ExtractedCode{
		{System: "sys", Code: "a", Path: "Patient.gender"},
		{System: "sys", Code: "a", Path: "Observation.code"},
		{System: "sys", Code: "b", Path: "Patient.maritalStatus"},
	}
	result, err := b.Validate(context.Background(), codes, fv.R4, "http://server.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("validate calls = %d, want 2 (deduplicated)", calls.Load())
	}
	if len(result.Results) != 3 {
		t.Errorf("len(result.Results) = %d, want 3 (one per occurrence)", len(result.Results))
	}
	if result.Validated != 2 {
		t.Errorf("Validated = %d, want 2", result.Validated)
	}
}

func TestValidate_CacheHitsAvoidRevalidation(t *testing.T) {
	cache := termcache.New(100, time.Hour)
	key := termcache.Key("sys", "cached-code", "", fv.R4)
	cache.Set(key, termcache.Result{Valid: true, Display: "Cached"}, false)

	var calls atomic.Int32
	b := New(cache, func(ctx context.Context, code ExtractedCode, serverURL string) (termcache.Result, error) {
		calls.Add(1)
		return termcache.Result{Valid: true}, nil
	})

	codes := []ExtractedCode{{System: "sys", Code: "cached-code", Path: "Patient.gender"}}
	result, err := b.Validate(context.Background(), codes, fv.R4, "http://server.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Errorf("validate should not be called for a cache hit, got %d calls", calls.Load())
	}
	if result.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", result.CacheHits)
	}
}

func TestValidate_FailedCodeYieldsSyntheticInvalidResult(t *testing.T) {
	cache := termcache.New(100, time.Hour)
	b := New(cache, func(ctx context.Context, code ExtractedCode, serverURL string) (termcache.Result, error) {
		return termcache.Result{}, errBoom
	})

	codes := []ExtractedCode{{System: "sys", Code: "a", Path: "Patient.gender"}}
	result, err := b.Validate(context.Background(), codes, fv.R4, "http://server.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Results) != 1 || result.Results[0].Valid {
		t.Errorf("expected a synthetic invalid result, got %+v", result.Results)
	}
	if result.Failures != 1 {
		t.Errorf("Failures = %d, want 1", result.Failures)
	}
}

func TestValidate_RepeatedCodeInOneBatchSharesOneUpstreamCall(t *testing.T) {
	cache := termcache.New(100, time.Hour)
	var calls atomic.Int32
	b := New(cache, func(ctx context.Context, code ExtractedCode, serverURL string) (termcache.Result, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return termcache.Result{Valid: true}, nil
	})

	codes := make([]ExtractedCode, 10)
	for i := range codes {
		codes[i] = ExtractedCode{System: "sys", Code: "same", Path: "Patient.gender"}
	}
	if _, err := b.Validate(context.Background(), codes, fv.R4, "http://server.example.org"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("validate calls = %d, want 1 (deduplicated to a single code before any flight starts)", calls.Load())
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
