// Package validation defines the persisted validation result entity and
// its scoring rules (spec.md §3, §4.7). It is deliberately independent
// of how a resource was fetched or which transport exposed it.
package validation

import (
	"time"

	fv "github.com/medvertical/fhir-validation-engine"
)

// AspectBreakdown is the per-aspect rollup of a validation run.
type AspectBreakdown struct {
	IssueCount       int  `json:"issueCount"`
	ErrorCount       int  `json:"errorCount"`
	WarningCount     int  `json:"warningCount"`
	InformationCount int  `json:"informationCount"`
	ValidationScore  int  `json:"validationScore"`
	Passed           bool `json:"passed"`
	Enabled          bool `json:"enabled"`
}

// Result is the persisted outcome of validating one FHIR resource under
// one settings snapshot. It is never mutated in place; a re-validation
// produces a new Result.
type Result struct {
	ID               string                        `json:"id"`
	ResourceRecordID string                        `json:"resourceId"`
	SettingsHash     string                        `json:"settingsHash"`
	ResourceHash     string                        `json:"resourceHash"`
	ValidatedAt      time.Time                     `json:"validatedAt"`
	IsValid          bool                          `json:"isValid"`
	ValidationScore  int                           `json:"validationScore"`
	ErrorCount       int                           `json:"errorCount"`
	WarningCount     int                           `json:"warningCount"`
	InformationCount int                           `json:"informationCount"`
	Issues           []fv.Issue                    `json:"issues"`
	AspectBreakdown  map[fv.Aspect]AspectBreakdown `json:"aspectBreakdown"`
}

// EnabledAspects reports which aspects were enabled when this result was
// produced, derived from the stored breakdown rather than re-deriving
// from settings (the breakdown is the authoritative record of what ran).
func (r *Result) EnabledAspects() map[fv.Aspect]bool {
	out := make(map[fv.Aspect]bool, len(r.AspectBreakdown))
	for aspect, b := range r.AspectBreakdown {
		out[aspect] = b.Enabled
	}
	return out
}

// Equal compares two results field-wise, ignoring ID, ResourceRecordID,
// ValidatedAt and AspectBreakdown, as used
// by the fingerprint-idempotence property in spec.md §8.
func (r *Result) Equal(other *Result) bool {
	if other == nil {
		return false
	}
	if r.IsValid != other.IsValid || r.ValidationScore != other.ValidationScore {
		return false
	}
	if r.ErrorCount != other.ErrorCount || r.WarningCount != other.WarningCount || r.InformationCount != other.InformationCount {
		return false
	}
	if r.SettingsHash != other.SettingsHash || r.ResourceHash != other.ResourceHash {
		return false
	}
	if len(r.Issues) != len(other.Issues) {
		return false
	}
	for i := range r.Issues {
		if !issueEqual(r.Issues[i], other.Issues[i]) {
			return false
		}
	}
	return true
}

func issueEqual(a, b fv.Issue) bool {
	if a.Severity != b.Severity || a.Code != b.Code || a.Aspect != b.Aspect ||
		a.Category != b.Category || a.Diagnostics != b.Diagnostics {
		return false
	}
	if len(a.Expression) != len(b.Expression) {
		return false
	}
	for i := range a.Expression {
		if a.Expression[i] != b.Expression[i] {
			return false
		}
	}
	return true
}
