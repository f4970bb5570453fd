package store

import (
	"context"
	"testing"
	"time"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/validation"
)

func TestResultRepository_SaveFindLatest(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	repo := NewResultRepository(db)
	ctx := context.Background()

	result := &validation.Result{
		ResourceRecordID: "Patient/1",
		SettingsHash:     "settings-a",
		ResourceHash:     "resource-a",
		IsValid:          true,
		ValidationScore:  95,
		Issues:           []fv.Issue{},
		AspectBreakdown: map[fv.Aspect]validation.AspectBreakdown{
			fv.AspectStructural: {Enabled: true},
		},
	}
	if err := repo.Save(ctx, result); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if result.ID == "" {
		t.Fatal("expected Save to assign an ID")
	}

	found, err := repo.Find(ctx, "Patient/1", "settings-a", "resource-a")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found == nil {
		t.Fatal("expected a result")
	}
	if found.ValidationScore != 95 || !found.IsValid {
		t.Fatalf("unexpected result: %+v", found)
	}
	if !found.AspectBreakdown[fv.AspectStructural].Enabled {
		t.Fatalf("expected aspect breakdown to round-trip: %+v", found.AspectBreakdown)
	}

	miss, err := repo.Find(ctx, "Patient/1", "settings-a", "different-hash")
	if err != nil {
		t.Fatalf("Find (miss): %v", err)
	}
	if miss != nil {
		t.Fatalf("expected nil for unknown hash triple, got %+v", miss)
	}

	second := &validation.Result{
		ResourceRecordID: "Patient/1",
		SettingsHash:     "settings-b",
		ResourceHash:     "resource-b",
		IsValid:          false,
		ValidationScore:  10,
		ValidatedAt:      time.Now().Add(time.Minute),
		Issues:           []fv.Issue{},
		AspectBreakdown:  map[fv.Aspect]validation.AspectBreakdown{},
	}
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("Save (second): %v", err)
	}

	latest, err := repo.Latest(ctx, "Patient/1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("expected Latest to return the most recent result, got %+v", latest)
	}
}

func TestResultRepository_LatestUnknownResource(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	repo := NewResultRepository(db)
	got, err := repo.Latest(context.Background(), "Patient/missing")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}
