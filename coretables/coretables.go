// Package coretables provides the process-lifetime, read-only code
// tables consulted before any terminology network call is made (spec.md
// §4.1). A hit here means the Direct Terminology Client never has to
// reach a remote terminology server.
package coretables

import (
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Entry is a single code/display pair within a code system.
type Entry struct {
	Code    string
	Display string
}

// systems maps a code system URL to its known codes. Populated with the
// FHIR core enumerations most frequently bound in R4/R5/R6 resources;
// this is intentionally not exhaustive — it exists to avoid a network
// round trip for the overwhelmingly common administrative code systems,
// not to replace a full terminology server.
var systems = map[string][]Entry{
	"http://hl7.org/fhir/administrative-gender": {
		{"male", "Male"}, {"female", "Female"}, {"other", "Other"}, {"unknown", "Unknown"},
	},
	"http://hl7.org/fhir/observation-status": {
		{"registered", "Registered"}, {"preliminary", "Preliminary"}, {"final", "Final"},
		{"amended", "Amended"}, {"corrected", "Corrected"}, {"cancelled", "Cancelled"},
		{"entered-in-error", "Entered in Error"}, {"unknown", "Unknown"},
	},
	"http://hl7.org/fhir/condition-clinical": {
		{"active", "Active"}, {"recurrence", "Recurrence"}, {"relapse", "Relapse"},
		{"inactive", "Inactive"}, {"remission", "Remission"}, {"resolved", "Resolved"},
	},
	"http://hl7.org/fhir/encounter-status": {
		{"planned", "Planned"}, {"arrived", "Arrived"}, {"triaged", "Triaged"},
		{"in-progress", "In Progress"}, {"onleave", "On Leave"}, {"finished", "Finished"},
		{"cancelled", "Cancelled"}, {"entered-in-error", "Entered in Error"}, {"unknown", "Unknown"},
	},
	"http://hl7.org/fhir/publication-status": {
		{"draft", "Draft"}, {"active", "Active"}, {"retired", "Retired"}, {"unknown", "Unknown"},
	},
	"http://hl7.org/fhir/resource-types": nil, // validated structurally, not here
}

// mimeTypePrefixes lists IANA top-level media type prefixes accepted
// without further lookup (the full registry is thousands of entries and
// is not something worth inlining).
var mimeTypePrefixes = []string{
	"application/", "audio/", "font/", "example/", "image/",
	"message/", "model/", "multipart/", "text/", "video/",
}

// ucumUnits lists a representative set of commonly-bound UCUM units.
// UCUM's full grammar (arbitrary unit expressions) cannot be enumerated;
// this table only shortcuts the common, literal cases.
var ucumUnits = map[string]bool{
	"kg": true, "g": true, "mg": true, "ug": true, "L": true, "mL": true,
	"mmol/L": true, "mg/dL": true, "mmHg": true, "/min": true, "%": true,
	"Cel": true, "[degF]": true, "a": true, "mo": true, "d": true, "h": true,
	"min": true, "s": true, "cm": true, "m": true, "[in_i]": true, "kg/m2": true,
}

// Lookup returns the known display for (system, code) and whether the
// system is recognized at all. If the system is unknown, ok is false and
// the caller should fall back to a remote terminology server.
func Lookup(system, code string) (display string, known bool) {
	entries, ok := systems[system]
	if !ok {
		return "", false
	}
	for _, e := range entries {
		if e.Code == code {
			return e.Display, true
		}
	}
	return "", true
}

// Has reports whether the given code system is covered by the core
// tables at all, regardless of whether the specific code is valid.
func Has(system string) bool {
	_, ok := systems[system]
	return ok
}

// Contains reports whether code is a member of system, when system is
// known. The second return value mirrors Lookup's "known" semantics.
func Contains(system, code string) (valid bool, known bool) {
	entries, ok := systems[system]
	if !ok {
		return false, false
	}
	for _, e := range entries {
		if e.Code == code {
			return true, true
		}
	}
	return false, true
}

// IsMimeType reports whether code looks like a syntactically valid IANA
// media type, used for the urn:ietf:bcp:13 / "mimeType" system.
func IsMimeType(code string) bool {
	lower := strings.ToLower(code)
	for _, prefix := range mimeTypePrefixes {
		if strings.HasPrefix(lower, prefix) && len(lower) > len(prefix) {
			return true
		}
	}
	return false
}

// IsUCUMUnit reports whether code is one of the commonly-bound UCUM unit
// expressions known to this table.
func IsUCUMUnit(code string) bool {
	return ucumUnits[code]
}

// IsLanguageTag reports whether code parses as a well-formed BCP-47
// language tag (covers ISO 639 language and ISO 3166 region subtags).
func IsLanguageTag(code string) bool {
	_, err := language.Parse(code)
	return err == nil
}

// IsIANATimezone reports whether code is loadable as an IANA timezone
// name via the system's tzdata.
func IsIANATimezone(code string) bool {
	if code == "" {
		return false
	}
	_, err := time.LoadLocation(code)
	return err == nil
}
