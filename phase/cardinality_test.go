package phase

import (
	"context"
	"testing"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/pipeline"
	"github.com/medvertical/fhir-validation-engine/service"
)

func TestCardinalityPhase_Name(t *testing.T) {
	p := NewCardinalityPhase(nil)
	if p.Name() != "cardinality" {
		t.Errorf("Name() = %q; want %q", p.Name(), "cardinality")
	}
}

func TestCardinalityPhase_NoProfileService(t *testing.T) {
	p := NewCardinalityPhase(nil)
	ctx := context.Background()

	pctx := &pipeline.Context{
		ResourceType: "Patient",
		ResourceMap: map[string]any{
			"resourceType": "Patient",
		},
	}

	issues := p.Validate(ctx, pctx)

	// Without profile service, should have no issues
	if len(issues) != 0 {
		t.Errorf("Expected 0 issues without profile service, got %d", len(issues))
	}
}

func TestCardinalityPhase_NilResourceMap(t *testing.T) {
	p := NewCardinalityPhase(&mockProfileResolver{})
	ctx := context.Background()

	pctx := &pipeline.Context{
		ResourceType: "Patient",
		ResourceMap:  nil,
	}

	issues := p.Validate(ctx, pctx)

	if len(issues) != 0 {
		t.Errorf("Expected 0 issues for nil resource map, got %d", len(issues))
	}
}

func TestCardinalityPhase_RequiredElementPresent(t *testing.T) {
	mockService := &mockProfileResolver{
		profiles: map[string]*service.StructureDefinition{
			"Patient": {
				URL:  "http://hl7.org/fhir/StructureDefinition/Patient",
				Type: "Patient",
				Snapshot: []service.ElementDefinition{
					{Path: "Patient", Min: 0, Max: "*"},
					{Path: "Patient.id", Min: 0, Max: "1"},
					{Path: "Patient.active", Min: 1, Max: "1"}, // Required
				},
			},
		},
	}

	p := NewCardinalityPhase(mockService)
	ctx := context.Background()

	pctx := &pipeline.Context{
		ResourceType: "Patient",
		ResourceMap: map[string]any{
			"resourceType": "Patient",
			"active":       true, // Required element is present
		},
	}

	issues := p.Validate(ctx, pctx)

	// Should have no errors since required element is present
	errorCount := 0
	for _, issue := range issues {
		if issue.Severity == fv.SeverityError {
			errorCount++
		}
	}

	if errorCount != 0 {
		t.Errorf("Expected no errors, got %d. Issues: %v", errorCount, issues)
	}
}

func TestCardinalityPhase_RequiredElementMissing(t *testing.T) {
	mockService := &mockProfileResolver{
		profiles: map[string]*service.StructureDefinition{
			"Patient": {
				URL:  "http://hl7.org/fhir/StructureDefinition/Patient",
				Type: "Patient",
				Snapshot: []service.ElementDefinition{
					{Path: "Patient", Min: 0, Max: "*"},
					{Path: "Patient.active", Min: 1, Max: "1"}, // Required
				},
			},
		},
	}

	p := NewCardinalityPhase(mockService)
	ctx := context.Background()

	pctx := &pipeline.Context{
		ResourceType: "Patient",
		ResourceMap: map[string]any{
			"resourceType": "Patient",
			// active is missing
		},
	}

	issues := p.Validate(ctx, pctx)

	// Should have error for missing required element
	hasRequiredError := false
	for _, issue := range issues {
		if issue.Code == fv.IssueTypeRequired {
			hasRequiredError = true
			break
		}
	}

	if !hasRequiredError {
		t.Error("Expected error for missing required element 'active'")
	}
}

func TestCardinalityPhase_MaxExceeded(t *testing.T) {
	// Patient.name has max 2, so three names must produce a max-cardinality error
	mockService := &mockProfileResolver{
		profiles: map[string]*service.StructureDefinition{
			"Patient": {
				URL:  "http://hl7.org/fhir/StructureDefinition/Patient",
				Type: "Patient",
				Snapshot: []service.ElementDefinition{
					{Path: "Patient", Min: 0, Max: "*"},
					{Path: "Patient.name", Min: 0, Max: "2", Types: []service.TypeRef{{Code: "HumanName"}}},
				},
			},
		},
	}

	p := NewCardinalityPhase(mockService)
	ctx := context.Background()

	pctx := &pipeline.Context{
		ResourceType: "Patient",
		ResourceMap: map[string]any{
			"resourceType": "Patient",
			"name": []any{
				map[string]any{"family": "Smith"},
				map[string]any{"family": "Jones"},
				map[string]any{"family": "Brown"}, // 3rd name exceeds max
			},
		},
	}

	issues := p.Validate(ctx, pctx)

	hasMaxError := false
	for _, issue := range issues {
		if issue.Code == fv.IssueTypeValue && issue.Severity == fv.SeverityError {
			hasMaxError = true
			break
		}
	}
	if !hasMaxError {
		t.Errorf("Expected max cardinality error for 3 names with max 2. Issues: %v", issues)
	}
}

func TestCardinalityPhase_SingleValuedAsArray(t *testing.T) {
	// Patient.active has max 1, so an array value must produce a single-valued error
	mockService := &mockProfileResolver{
		profiles: map[string]*service.StructureDefinition{
			"Patient": {
				URL:  "http://hl7.org/fhir/StructureDefinition/Patient",
				Type: "Patient",
				Snapshot: []service.ElementDefinition{
					{Path: "Patient", Min: 0, Max: "*"},
					{Path: "Patient.active", Min: 0, Max: "1", Types: []service.TypeRef{{Code: "boolean"}}},
				},
			},
		},
	}

	p := NewCardinalityPhase(mockService)
	ctx := context.Background()

	pctx := &pipeline.Context{
		ResourceType: "Patient",
		ResourceMap: map[string]any{
			"resourceType": "Patient",
			"active":       []any{true, false}, // Array for single-valued element
		},
	}

	issues := p.Validate(ctx, pctx)

	hasSingleValuedError := false
	for _, issue := range issues {
		if issue.Code == fv.IssueTypeStructure && issue.Severity == fv.SeverityError {
			hasSingleValuedError = true
			break
		}
	}
	if !hasSingleValuedError {
		t.Errorf("Expected single-valued error for array value of max=1 element. Issues: %v", issues)
	}
}

func TestCardinalityPhase_UnlimitedMax(t *testing.T) {
	mockService := &mockProfileResolver{
		profiles: map[string]*service.StructureDefinition{
			"Patient": {
				URL:  "http://hl7.org/fhir/StructureDefinition/Patient",
				Type: "Patient",
				Snapshot: []service.ElementDefinition{
					{Path: "Patient", Min: 0, Max: "*"},
					{Path: "Patient.name", Min: 0, Max: "*"}, // Unlimited
				},
			},
		},
	}

	p := NewCardinalityPhase(mockService)
	ctx := context.Background()

	// Create many names - should be fine with unlimited max
	names := make([]any, 100)
	for i := range names {
		names[i] = map[string]any{"family": "Name"}
	}

	pctx := &pipeline.Context{
		ResourceType: "Patient",
		ResourceMap: map[string]any{
			"resourceType": "Patient",
			"name":         names,
		},
	}

	issues := p.Validate(ctx, pctx)

	// Should have no errors for unlimited cardinality
	errorCount := 0
	for _, issue := range issues {
		if issue.Severity == fv.SeverityError {
			errorCount++
		}
	}

	if errorCount != 0 {
		t.Errorf("Expected no errors for unlimited max, got %d. Issues: %v", errorCount, issues)
	}
}

func TestCardinalityPhase_ContextCancellation(t *testing.T) {
	mockService := &mockProfileResolver{
		profiles: map[string]*service.StructureDefinition{
			"Patient": {
				URL:  "http://hl7.org/fhir/StructureDefinition/Patient",
				Type: "Patient",
				Snapshot: []service.ElementDefinition{
					{Path: "Patient", Min: 0, Max: "*"},
				},
			},
		},
	}

	p := NewCardinalityPhase(mockService)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	pctx := &pipeline.Context{
		ResourceType: "Patient",
		ResourceMap: map[string]any{
			"resourceType": "Patient",
		},
	}

	issues := p.Validate(ctx, pctx)

	// Should return early with no issues
	if len(issues) != 0 {
		t.Errorf("Expected no issues on cancelled context, got %d", len(issues))
	}
}

func TestParseMax(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"*", -1},
		{"1", 1},
		{"5", 5},
		{"100", 100},
		{"invalid", -1},
		{"", -1},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseMax(tt.input)
			if result != tt.expected {
				t.Errorf("parseMax(%q) = %d; want %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"Patient", []string{"Patient"}},
		{"Patient.name", []string{"Patient", "name"}},
		{"Patient.name.family", []string{"Patient", "name", "family"}},
		{"", nil},
		{"a.b.c.d", []string{"a", "b", "c", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := splitPath(tt.input)
			if len(result) != len(tt.expected) {
				t.Errorf("splitPath(%q) = %v; want %v", tt.input, result, tt.expected)
				return
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("splitPath(%q)[%d] = %q; want %q", tt.input, i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestGetValueAtPath(t *testing.T) {
	resource := map[string]any{
		"id":     "123",
		"active": true,
		"name": []any{
			map[string]any{"family": "Smith"},
			map[string]any{"family": "Jones"},
		},
		"contact": map[string]any{
			"phone": "555-1234",
		},
	}

	t.Run("id", func(t *testing.T) {
		result := getValueAtPath(resource, "id")
		if result != "123" {
			t.Errorf("getValueAtPath(\"id\") = %v; want \"123\"", result)
		}
	})

	t.Run("active", func(t *testing.T) {
		result := getValueAtPath(resource, "active")
		if result != true {
			t.Errorf("getValueAtPath(\"active\") = %v; want true", result)
		}
	})

	t.Run("name (array)", func(t *testing.T) {
		result := getValueAtPath(resource, "name")
		arr, ok := result.([]any)
		if !ok {
			t.Errorf("getValueAtPath(\"name\") = %T; want []any", result)
		}
		if len(arr) != 2 {
			t.Errorf("getValueAtPath(\"name\") has %d items; want 2", len(arr))
		}
	})

	t.Run("nonexistent", func(t *testing.T) {
		result := getValueAtPath(resource, "nonexistent")
		if result != nil {
			t.Errorf("getValueAtPath(\"nonexistent\") = %v; want nil", result)
		}
	})
}

func TestCardinalityPhaseConfig(t *testing.T) {
	config := CardinalityPhaseConfig(nil)

	if config == nil {
		t.Fatal("CardinalityPhaseConfig() returned nil")
	}

	if config.Phase == nil {
		t.Error("Phase is nil")
	}

	if config.Phase.Name() != "cardinality" {
		t.Errorf("Phase name = %q; want %q", config.Phase.Name(), "cardinality")
	}

	if config.Priority != pipeline.PriorityEarly {
		t.Errorf("Priority = %v; want PriorityEarly", config.Priority)
	}

	if !config.Required {
		t.Error("Cardinality phase should be required")
	}
}

func TestCardinalityPhase_ProfileNotFound(t *testing.T) {
	mockService := &mockProfileResolver{
		profiles: map[string]*service.StructureDefinition{}, // Empty
	}

	p := NewCardinalityPhase(mockService)
	ctx := context.Background()

	pctx := &pipeline.Context{
		ResourceType: "UnknownType",
		ResourceMap: map[string]any{
			"resourceType": "UnknownType",
		},
	}

	issues := p.Validate(ctx, pctx)

	// Should have no issues when profile not found (silently skips)
	if len(issues) != 0 {
		t.Errorf("Expected 0 issues when profile not found, got %d", len(issues))
	}
}

func BenchmarkCardinalityPhase_Validate(b *testing.B) {
	mockService := &mockProfileResolver{
		profiles: map[string]*service.StructureDefinition{
			"Patient": {
				URL:  "http://hl7.org/fhir/StructureDefinition/Patient",
				Type: "Patient",
				Snapshot: []service.ElementDefinition{
					{Path: "Patient", Min: 0, Max: "*"},
					{Path: "Patient.id", Min: 0, Max: "1"},
					{Path: "Patient.active", Min: 0, Max: "1"},
					{Path: "Patient.name", Min: 0, Max: "*"},
				},
			},
		},
	}

	p := NewCardinalityPhase(mockService)
	ctx := context.Background()

	pctx := &pipeline.Context{
		ResourceType: "Patient",
		ResourceMap: map[string]any{
			"resourceType": "Patient",
			"id":           "123",
			"active":       true,
			"name": []any{
				map[string]any{"family": "Smith"},
			},
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Validate(ctx, pctx)
	}
}
