package fingerprint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/medvertical/fhir-validation-engine/validation"
)

type fakeStore struct {
	mu       sync.Mutex
	byTriple map[key]*validation.Result
	byID     map[string][]*validation.Result
	finds    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byTriple: make(map[key]*validation.Result),
		byID:     make(map[string][]*validation.Result),
	}
}

func (s *fakeStore) Find(_ context.Context, resourceID, settingsHash, resourceHash string) (*validation.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	return s.byTriple[key{resourceID, settingsHash, resourceHash}], nil
}

func (s *fakeStore) Latest(_ context.Context, resourceID string) (*validation.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := s.byID[resourceID]
	if len(results) == 0 {
		return nil, nil
	}
	return results[len(results)-1], nil
}

func (s *fakeStore) Save(_ context.Context, result *validation.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{result.ResourceRecordID, result.SettingsHash, result.ResourceHash}
	s.byTriple[k] = result
	s.byID[result.ResourceRecordID] = append(s.byID[result.ResourceRecordID], result)
	return nil
}

func TestLookup_MissReturnsNil(t *testing.T) {
	store := newFakeStore()
	c := New(store, 10)

	result, err := c.Lookup(context.Background(), "Patient/1", "sh1", "rh1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result on miss, got %+v", result)
	}
}

func TestStoreThenLookup_RoundTrips(t *testing.T) {
	store := newFakeStore()
	c := New(store, 10)

	result := &validation.Result{
		ResourceRecordID: "Patient/1",
		SettingsHash:     "sh1",
		ResourceHash:     "rh1",
		ValidatedAt:      time.Now(),
		IsValid:          true,
		ValidationScore:  100,
	}

	if err := c.Store(context.Background(), result); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := c.Lookup(context.Background(), "Patient/1", "sh1", "rh1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got == nil || !got.Equal(result) {
		t.Fatalf("expected lookup to return the stored result, got %+v", got)
	}
}

func TestLookup_HotCacheAvoidsStore(t *testing.T) {
	store := newFakeStore()
	c := New(store, 10)

	result := &validation.Result{
		ResourceRecordID: "Patient/1",
		SettingsHash:     "sh1",
		ResourceHash:     "rh1",
	}
	if err := c.Store(context.Background(), result); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	findsBefore := store.finds
	if _, err := c.Lookup(context.Background(), "Patient/1", "sh1", "rh1"); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if store.finds != findsBefore {
		t.Fatalf("expected hot cache hit to skip store.Find, finds went from %d to %d", findsBefore, store.finds)
	}
}

func TestLookup_DifferentResourceHashMisses(t *testing.T) {
	store := newFakeStore()
	c := New(store, 10)

	result := &validation.Result{
		ResourceRecordID: "Patient/1",
		SettingsHash:     "sh1",
		ResourceHash:     "rh1",
	}
	if err := c.Store(context.Background(), result); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := c.Lookup(context.Background(), "Patient/1", "sh1", "rh-changed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected miss for changed resource hash, got %+v", got)
	}
}

func TestLatest_ReturnsMostRecentRegardlessOfHash(t *testing.T) {
	store := newFakeStore()
	c := New(store, 10)

	first := &validation.Result{ResourceRecordID: "Patient/1", SettingsHash: "sh1", ResourceHash: "rh1", ValidationScore: 50}
	second := &validation.Result{ResourceRecordID: "Patient/1", SettingsHash: "sh2", ResourceHash: "rh2", ValidationScore: 90}

	if err := c.Store(context.Background(), first); err != nil {
		t.Fatalf("store first failed: %v", err)
	}
	if err := c.Store(context.Background(), second); err != nil {
		t.Fatalf("store second failed: %v", err)
	}

	got, err := c.Latest(context.Background(), "Patient/1")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if got == nil || got.ValidationScore != 90 {
		t.Fatalf("expected latest to return the second result, got %+v", got)
	}
}

func TestLatest_UnknownResourceReturnsNil(t *testing.T) {
	store := newFakeStore()
	c := New(store, 10)

	got, err := c.Latest(context.Background(), "Patient/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown resource, got %+v", got)
	}
}
