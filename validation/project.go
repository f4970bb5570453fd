package validation

import (
	fv "github.com/medvertical/fhir-validation-engine"
)

// Project recomputes a stored Result's counts, score, and validity for a
// possibly different set of enabled aspects, without touching
// persistence. It is the single place that implements "disable an
// aspect, recompute errorCount/isValid/validationScore over the
// remaining enabled aspects" (spec.md §8 scenario 5, §9 design note) —
// both the list and detail read paths must call this and nothing else.
func Project(stored *Result, enabled map[fv.Aspect]bool) *Result {
	if stored == nil {
		return nil
	}

	breakdown, scored := Score(stored.Issues, enabled)

	return &Result{
		ID:               stored.ID,
		ResourceRecordID: stored.ResourceRecordID,
		SettingsHash:     stored.SettingsHash,
		ResourceHash:     stored.ResourceHash,
		ValidatedAt:      stored.ValidatedAt,
		IsValid:          scored.IsValid,
		ValidationScore:  scored.ValidationScore,
		ErrorCount:       scored.ErrorCount,
		WarningCount:     scored.WarningCount,
		InformationCount: scored.InformationCount,
		Issues:           stored.Issues,
		AspectBreakdown:  breakdown,
	}
}
