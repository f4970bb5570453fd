// Package settings implements the Settings Service (spec.md §4.12): the
// authoritative, versioned store of ValidationSettings, with presets,
// rollback, an audit trail, and change events that downstream caches
// subscribe to for invalidation.
package settings

import (
	"time"

	fv "github.com/medvertical/fhir-validation-engine"
)

// Mode selects whether the engine may reach out to remote terminology
// servers at all.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// AspectConfig is one of the six toggles in ValidationSettings.
type AspectConfig struct {
	Enabled  bool             `json:"enabled"`
	Severity fv.IssueSeverity `json:"severity"`
}

// ServerRef is an opaque reference to a profile-resolution server.
type ServerRef struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// TerminologyServer describes one candidate terminology endpoint.
type TerminologyServer struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	URL          string           `json:"url"`
	FHIRVersions []fv.FHIRVersion `json:"fhirVersions"`
	Priority     int              `json:"priority"`
	Enabled      bool             `json:"enabled"`
	CircuitOpen  bool             `json:"circuitOpen"`
	LastFailure  *time.Time       `json:"lastFailure,omitempty"`
}

// TerminologyFallback names the remote used when no configured server
// can serve a request.
type TerminologyFallback struct {
	Remote string `json:"remote"`
}

// OfflineConfig configures offline-mode specific wiring.
type OfflineConfig struct {
	OntoserverURL string `json:"ontoserverUrl,omitempty"`
}

// Settings is one version of ValidationSettings.
type Settings struct {
	ID       string `json:"id"`       // version-specific identifier
	Lineage  string `json:"lineage"`  // groups all versions of the "same" settings
	Version  int    `json:"version"`  // strictly increasing within Lineage
	IsActive bool   `json:"isActive"`

	Aspects map[fv.Aspect]AspectConfig `json:"aspects"`

	StrictMode               bool                `json:"strictMode"`
	Profiles                 []string            `json:"profiles"`
	TerminologyServers       []TerminologyServer `json:"terminologyServers"`
	ProfileResolutionServers []ServerRef         `json:"profileResolutionServers"`
	Mode                     Mode                `json:"mode"`
	TerminologyFallback      TerminologyFallback `json:"terminologyFallback"`
	OfflineConfig            OfflineConfig       `json:"offlineConfig"`

	ContentHash string    `json:"contentHash"`
	CreatedAt   time.Time `json:"createdAt"`
	CreatedBy   string    `json:"createdBy"`
}

// Enabled reports whether the given aspect is enabled.
func (s *Settings) Enabled(aspect fv.Aspect) bool {
	if s == nil {
		return false
	}
	cfg, ok := s.Aspects[aspect]
	return ok && cfg.Enabled
}

// EnabledMap returns the aspect -> enabled map Score/Project expect.
func (s *Settings) EnabledMap() map[fv.Aspect]bool {
	out := make(map[fv.Aspect]bool, len(fv.Aspects))
	for _, aspect := range fv.Aspects {
		out[aspect] = s.Enabled(aspect)
	}
	return out
}

// AuditEntry records one lifecycle event against a settings lineage.
type AuditEntry struct {
	ID          string    `json:"id"`
	SettingsID  string    `json:"settingsId"`
	Action      string    `json:"action"` // created|activated|rolled-back|preset-applied
	Actor       string    `json:"actor"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
}

// Backup is a manual or scheduled snapshot of a settings version.
type Backup struct {
	ID          string    `json:"id"`
	SettingsID  string    `json:"settingsId"`
	Description string    `json:"description"`
	Actor       string    `json:"actor"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
	Content     []byte    `json:"content"` // YAML-encoded Settings snapshot
	Checksum    string    `json:"checksum"`
}

// ValidationOutcome is the result of validating a candidate Settings
// value before it is persisted.
type ValidationOutcome struct {
	IsValid     bool     `json:"isValid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

// Statistics summarizes settings activity over a time range.
type Statistics struct {
	TotalVersions      int            `json:"totalVersions"`
	ActivationsInRange int            `json:"activationsInRange"`
	ByActor            map[string]int `json:"byActor,omitempty"`
}
