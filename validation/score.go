package validation

import (
	fv "github.com/medvertical/fhir-validation-engine"
)

const (
	errorPenalty       = 15
	warningPenalty     = 5
	informationPenalty = 1
)

// Score computes the per-aspect breakdowns and overall Result fields
// from a flat issue list, honoring which aspects are enabled. Disabled
// aspects report a perfect, passing breakdown and contribute nothing to
// the overall score (spec.md §3, §8 boundary: "a fully disabled settings
// ... produces validationScore = 100, isValid = true").
func Score(issues []fv.Issue, enabled map[fv.Aspect]bool) (breakdown map[fv.Aspect]AspectBreakdown, overall Result) {
	breakdown = make(map[fv.Aspect]AspectBreakdown, len(fv.Aspects))

	for _, aspect := range fv.Aspects {
		if !enabled[aspect] {
			breakdown[aspect] = AspectBreakdown{
				ValidationScore: 100,
				Passed:          true,
				Enabled:         false,
			}
		}
	}

	counts := make(map[fv.Aspect]*AspectBreakdown, len(fv.Aspects))
	for _, issue := range issues {
		if !enabled[issue.Aspect] {
			continue
		}
		b, ok := counts[issue.Aspect]
		if !ok {
			b = &AspectBreakdown{Enabled: true}
			counts[issue.Aspect] = b
		}
		b.IssueCount++
		switch issue.Severity {
		case fv.SeverityError, fv.SeverityFatal:
			b.ErrorCount++
		case fv.SeverityWarning:
			b.WarningCount++
		case fv.SeverityInformation:
			b.InformationCount++
		}
	}

	for aspect, enabledFlag := range enabled {
		if !enabledFlag {
			continue
		}
		b, ok := counts[aspect]
		if !ok {
			b = &AspectBreakdown{Enabled: true}
		}
		b.ValidationScore = clampScore(100 - errorPenalty*b.ErrorCount - warningPenalty*b.WarningCount - informationPenalty*b.InformationCount)
		b.Passed = b.ErrorCount == 0
		breakdown[aspect] = *b
	}

	var totalErrors, totalWarnings, totalInfo int
	for aspect, b := range breakdown {
		if !enabled[aspect] {
			continue
		}
		totalErrors += b.ErrorCount
		totalWarnings += b.WarningCount
		totalInfo += b.InformationCount
	}

	overall.ErrorCount = totalErrors
	overall.WarningCount = totalWarnings
	overall.InformationCount = totalInfo
	overall.ValidationScore = clampScore(100 - errorPenalty*totalErrors - warningPenalty*totalWarnings - informationPenalty*totalInfo)
	overall.IsValid = totalErrors == 0
	overall.Issues = issues
	overall.AspectBreakdown = breakdown

	return breakdown, overall
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
