package phase

import (
	"context"
	"fmt"
	"strings"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/pipeline"
)

// MetadataPhase validates the resource's Meta element and narrative.
// This includes:
// - meta.profile canonical URL syntax
// - meta.security and meta.tag coding completeness
// - presence and integrity of the generated narrative (text.div/text.status)
type MetadataPhase struct{}

// NewMetadataPhase creates a new metadata validation phase.
func NewMetadataPhase() *MetadataPhase {
	return &MetadataPhase{}
}

// Name returns the phase name.
func (p *MetadataPhase) Name() string {
	return "metadata"
}

// Validate performs metadata validation.
func (p *MetadataPhase) Validate(ctx context.Context, pctx *pipeline.Context) []fv.Issue {
	var issues []fv.Issue

	select {
	case <-ctx.Done():
		return issues
	default:
	}

	if pctx.ResourceMap == nil {
		return issues
	}

	meta, _ := pctx.ResourceMap["meta"].(map[string]any)
	if meta != nil {
		issues = append(issues, p.validateProfiles(meta)...)
		issues = append(issues, p.validateCodingList(meta, "security", "Meta.security")...)
		issues = append(issues, p.validateCodingList(meta, "tag", "Meta.tag")...)
		issues = append(issues, p.validateVersionID(meta)...)
		issues = append(issues, p.validateLastUpdated(meta)...)
	}

	issues = append(issues, p.validateNarrative(pctx.ResourceMap)...)

	return issues
}

// validateProfiles checks that each meta.profile entry is a non-empty canonical URL.
func (p *MetadataPhase) validateProfiles(meta map[string]any) []fv.Issue {
	var issues []fv.Issue

	profiles, ok := meta["profile"].([]any)
	if !ok {
		return issues
	}

	for i, raw := range profiles {
		url, ok := raw.(string)
		path := fmt.Sprintf("Meta.profile[%d]", i)
		if !ok || strings.TrimSpace(url) == "" {
			issues = append(issues, ErrorIssue(
				fv.IssueTypeValue,
				"meta.profile entries must be non-empty canonical URLs",
				path,
				p.Name(),
			))
			continue
		}
		if !strings.Contains(url, "://") && !strings.HasPrefix(url, "urn:") {
			issues = append(issues, WarningIssue(
				fv.IssueTypeValue,
				fmt.Sprintf("meta.profile '%s' does not look like a canonical URL", url),
				path,
				p.Name(),
			))
		}
	}

	return issues
}

// validateCodingList checks that a Coding-valued meta element carries system and code.
func (p *MetadataPhase) validateCodingList(meta map[string]any, field, pathPrefix string) []fv.Issue {
	var issues []fv.Issue

	codings, ok := meta[field].([]any)
	if !ok {
		return issues
	}

	for i, raw := range codings {
		coding, ok := raw.(map[string]any)
		path := fmt.Sprintf("%s[%d]", pathPrefix, i)
		if !ok {
			issues = append(issues, ErrorIssue(
				fv.IssueTypeStructure,
				fmt.Sprintf("%s entry must be a Coding", pathPrefix),
				path,
				p.Name(),
			))
			continue
		}

		system, _ := coding["system"].(string)
		code, _ := coding["code"].(string)
		if system == "" {
			issues = append(issues, ErrorIssue(
				fv.IssueTypeRequired,
				fmt.Sprintf("%s must have a 'system'", path),
				path+".system",
				p.Name(),
			))
		}
		if code == "" {
			issues = append(issues, ErrorIssue(
				fv.IssueTypeRequired,
				fmt.Sprintf("%s must have a 'code'", path),
				path+".code",
				p.Name(),
			))
		}
	}

	return issues
}

// validateVersionID checks meta.versionId is a non-empty string when present.
func (p *MetadataPhase) validateVersionID(meta map[string]any) []fv.Issue {
	var issues []fv.Issue

	raw, present := meta["versionId"]
	if !present {
		return issues
	}
	versionID, ok := raw.(string)
	if !ok || strings.TrimSpace(versionID) == "" {
		issues = append(issues, ErrorIssue(
			fv.IssueTypeValue,
			"meta.versionId must be a non-empty string",
			"Meta.versionId",
			p.Name(),
		))
	}

	return issues
}

// validateLastUpdated checks meta.lastUpdated looks like an instant.
func (p *MetadataPhase) validateLastUpdated(meta map[string]any) []fv.Issue {
	var issues []fv.Issue

	raw, present := meta["lastUpdated"]
	if !present {
		return issues
	}
	lastUpdated, ok := raw.(string)
	if !ok || !strings.Contains(lastUpdated, "T") {
		issues = append(issues, WarningIssue(
			fv.IssueTypeValue,
			"meta.lastUpdated should be a FHIR instant (date and time with timezone)",
			"Meta.lastUpdated",
			p.Name(),
		))
	}

	return issues
}

// validateNarrative checks text.div/text.status presence and a plausible XHTML body.
func (p *MetadataPhase) validateNarrative(resource map[string]any) []fv.Issue {
	var issues []fv.Issue

	text, ok := resource["text"].(map[string]any)
	if !ok {
		// Narrative is optional for most resources; nothing to check.
		return issues
	}

	status, _ := text["status"].(string)
	validStatuses := map[string]bool{
		"generated": true, "extensions": true, "additional": true, "empty": true,
	}
	if status == "" {
		issues = append(issues, ErrorIssue(
			fv.IssueTypeRequired,
			"text.status is required when a narrative is present",
			"text.status",
			p.Name(),
		))
	} else if !validStatuses[status] {
		issues = append(issues, ErrorIssue(
			fv.IssueTypeValue,
			fmt.Sprintf("Invalid text.status '%s'", status),
			"text.status",
			p.Name(),
		))
	}

	div, _ := text["div"].(string)
	if strings.TrimSpace(div) == "" {
		if status != "empty" {
			issues = append(issues, ErrorIssue(
				fv.IssueTypeRequired,
				"text.div is required when a narrative is present",
				"text.div",
				p.Name(),
			))
		}
		return issues
	}

	if !strings.Contains(div, "<div") {
		issues = append(issues, ErrorIssue(
			fv.IssueTypeValue,
			"text.div must be a single XHTML <div> element",
			"text.div",
			p.Name(),
		))
	}

	return issues
}

// MetadataPhaseConfig returns the standard configuration for the metadata phase.
func MetadataPhaseConfig() *pipeline.PhaseConfig {
	return &pipeline.PhaseConfig{
		Phase:    NewMetadataPhase(),
		Priority: pipeline.PriorityLate,
		Parallel: true,
		Required: false,
		Enabled:  true,
		Aspect:   fv.AspectMetadata,
	}
}
