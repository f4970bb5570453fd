package validation

import (
	"testing"

	fv "github.com/medvertical/fhir-validation-engine"
)

func allEnabled() map[fv.Aspect]bool {
	return map[fv.Aspect]bool{
		fv.AspectStructural:   true,
		fv.AspectProfile:      true,
		fv.AspectTerminology:  true,
		fv.AspectReference:    true,
		fv.AspectBusinessRule: true,
		fv.AspectMetadata:     true,
	}
}

func TestScore_NoIssues(t *testing.T) {
	_, result := Score(nil, allEnabled())
	if !result.IsValid || result.ValidationScore != 100 {
		t.Errorf("empty issues: IsValid=%v Score=%d, want true/100", result.IsValid, result.ValidationScore)
	}
}

func TestScore_AllAspectsDisabled(t *testing.T) {
	issues := []fv.Issue{
		{Severity: fv.SeverityError, Aspect: fv.AspectTerminology},
	}
	_, result := Score(issues, map[fv.Aspect]bool{})
	if !result.IsValid || result.ValidationScore != 100 || len(result.Issues) != 1 {
		t.Errorf("disabled aspects should fully neutralize issues: %+v", result)
	}
	for aspect, b := range result.AspectBreakdown {
		if b.Enabled || !b.Passed || b.ValidationScore != 100 {
			t.Errorf("aspect %s should report enabled=false passed=true score=100, got %+v", aspect, b)
		}
	}
}

func TestScore_ErrorPenalty(t *testing.T) {
	issues := []fv.Issue{
		{Severity: fv.SeverityError, Aspect: fv.AspectTerminology},
	}
	_, result := Score(issues, allEnabled())
	if result.IsValid {
		t.Error("one error should make the result invalid")
	}
	if result.ValidationScore != 85 {
		t.Errorf("ValidationScore = %d, want 85", result.ValidationScore)
	}
	tb := result.AspectBreakdown[fv.AspectTerminology]
	if tb.ErrorCount != 1 || tb.Passed {
		t.Errorf("terminology breakdown = %+v", tb)
	}
}

func TestScore_ClampsAtZero(t *testing.T) {
	issues := make([]fv.Issue, 10)
	for i := range issues {
		issues[i] = fv.Issue{Severity: fv.SeverityError, Aspect: fv.AspectStructural}
	}
	_, result := Score(issues, allEnabled())
	if result.ValidationScore != 0 {
		t.Errorf("ValidationScore = %d, want clamped to 0", result.ValidationScore)
	}
}

func TestScore_DisabledAspectIgnoresItsIssues(t *testing.T) {
	issues := []fv.Issue{
		{Severity: fv.SeverityError, Aspect: fv.AspectTerminology},
	}
	enabled := allEnabled()
	enabled[fv.AspectTerminology] = false

	_, result := Score(issues, enabled)
	if !result.IsValid || result.ErrorCount != 0 {
		t.Errorf("disabling the aspect that owns the only error should make the result valid: %+v", result)
	}
}

func TestCanonicalHash_KeyOrderIndependent(t *testing.T) {
	a := []byte(`{"a":1,"b":{"x":true,"y":2}}`)
	b := []byte(`{"b":{"y":2,"x":true},"a":1}`)

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("CanonicalHash should be key-order independent: %s != %s", ha, hb)
	}
}

func TestCanonicalHash_WhitespaceInsensitive(t *testing.T) {
	a := []byte(`{"a":1}`)
	b := []byte("{\n  \"a\": 1\n}")

	ha, _ := CanonicalHash(a)
	hb, _ := CanonicalHash(b)
	if ha != hb {
		t.Errorf("CanonicalHash should be whitespace insensitive: %s != %s", ha, hb)
	}
}

func TestCanonicalHash_DifferentContentDiffers(t *testing.T) {
	a := []byte(`{"a":1}`)
	b := []byte(`{"a":2}`)

	ha, _ := CanonicalHash(a)
	hb, _ := CanonicalHash(b)
	if ha == hb {
		t.Error("different content should not hash equal")
	}
}
