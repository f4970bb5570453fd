package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/logging"
	"github.com/medvertical/fhir-validation-engine/validation"
)

// Service is the Settings Service entry point (spec.md §4.12): it owns
// the versioned ValidationSettings lineage, presets, rollback, the
// audit trail, and backups, and notifies subscribers of activation and
// change events so caches like the dashboard aggregator can invalidate.
type Service struct {
	repo    Repository
	audit   AuditRepository
	backups BackupRepository
	log     *zap.Logger
	events  *broadcaster
}

// New builds a Service over the given repositories.
func New(repo Repository, audit AuditRepository, backups BackupRepository, log *zap.Logger) *Service {
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{repo: repo, audit: audit, backups: backups, log: log, events: newBroadcaster()}
}

// Subscribe returns a channel of lifecycle Events. Call the returned
// func when done to release the channel.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// GetActiveSettings returns the single version with IsActive = true.
func (s *Service) GetActiveSettings(ctx context.Context) (*Settings, error) {
	return s.repo.GetActive(ctx)
}

// ValidateSettings checks a candidate Settings value for internal
// consistency without persisting it.
func (s *Service) ValidateSettings(candidate Settings) ValidationOutcome {
	out := ValidationOutcome{IsValid: true}

	if len(candidate.Aspects) == 0 {
		out.Warnings = append(out.Warnings, "no aspects configured; all validation will be skipped")
	}
	enabledCount := 0
	for _, aspect := range fv.Aspects {
		cfg, ok := candidate.Aspects[aspect]
		if !ok {
			out.Suggestions = append(out.Suggestions, fmt.Sprintf("aspect %q has no explicit configuration and will default to disabled", aspect))
			continue
		}
		if cfg.Enabled {
			enabledCount++
		}
	}
	if enabledCount == 0 {
		out.Warnings = append(out.Warnings, "every aspect is disabled; validationScore will always be 100")
	}

	if candidate.Mode == ModeOffline && candidate.Enabled(fv.AspectTerminology) && candidate.OfflineConfig.OntoserverURL == "" {
		out.Errors = append(out.Errors, "offline mode with terminology enabled requires offlineConfig.ontoserverUrl")
		out.IsValid = false
	}

	seen := make(map[string]bool, len(candidate.TerminologyServers))
	for _, server := range candidate.TerminologyServers {
		if server.URL == "" {
			out.Errors = append(out.Errors, fmt.Sprintf("terminology server %q is missing a URL", server.ID))
			out.IsValid = false
			continue
		}
		if seen[server.URL] {
			out.Warnings = append(out.Warnings, fmt.Sprintf("terminology server URL %q is configured more than once", server.URL))
		}
		seen[server.URL] = true
	}

	return out
}

// CreateSettings persists candidate as a new lineage's first version. It
// does not activate it; call ActivateSettings for that.
func (s *Service) CreateSettings(ctx context.Context, candidate Settings, actor string) (*Settings, error) {
	if outcome := s.ValidateSettings(candidate); !outcome.IsValid {
		return nil, fmt.Errorf("settings: invalid candidate: %v", outcome.Errors)
	}

	now := timeNow()
	candidate.ID = uuid.NewString()
	candidate.Lineage = uuid.NewString()
	candidate.Version = 1
	candidate.IsActive = false
	candidate.CreatedAt = now
	candidate.CreatedBy = actor
	candidate.ContentHash = contentHash(candidate)

	if err := s.repo.Create(ctx, &candidate); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, candidate.ID, "created", actor, "")
	s.events.publish(Event{Type: EventChanged, NewVersion: &candidate})
	return &candidate, nil
}

// UpdateSettings creates a new version within an existing lineage.
// It always creates a new version; the service never mutates a persisted
// version in place, since earlier versions must remain retrievable from
// GetHistory and RollbackToVersion.
func (s *Service) UpdateSettings(ctx context.Context, lineage string, candidate Settings, actor string, activate bool) (*Settings, error) {
	if outcome := s.ValidateSettings(candidate); !outcome.IsValid {
		return nil, fmt.Errorf("settings: invalid candidate: %v", outcome.Errors)
	}

	history, err := s.repo.History(ctx, lineage, 1, 0)
	if err != nil {
		return nil, err
	}
	nextVersion := 1
	if len(history) > 0 {
		nextVersion = history[0].Version + 1
	}

	candidate.ID = uuid.NewString()
	candidate.Lineage = lineage
	candidate.Version = nextVersion
	candidate.IsActive = false
	candidate.CreatedAt = timeNow()
	candidate.CreatedBy = actor
	candidate.ContentHash = contentHash(candidate)

	if err := s.repo.Create(ctx, &candidate); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, candidate.ID, "created", actor, "")
	s.events.publish(Event{Type: EventChanged, NewVersion: &candidate})

	if activate {
		return s.ActivateSettings(ctx, candidate.ID, actor)
	}
	return &candidate, nil
}

// ActivateSettings makes id the single active settings version,
// deactivating whatever was active before.
func (s *Service) ActivateSettings(ctx context.Context, id string, actor string) (*Settings, error) {
	previous, err := s.repo.GetActive(ctx)
	if err != nil {
		s.log.Debug("no previously active settings", logging.NewFields().Operation("activateSettings").Err(err)...)
	}

	if err := s.repo.SetActive(ctx, id); err != nil {
		return nil, err
	}
	next, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, id, "activated", actor, "")
	s.events.publish(Event{Type: EventActivated, PreviousVersion: previous, NewVersion: next})
	return next, nil
}

// ApplyPreset creates and activates a new version seeded from a named
// Preset.
func (s *Service) ApplyPreset(ctx context.Context, presetID, actor string) (*Settings, error) {
	preset, ok := findPreset(presetID)
	if !ok {
		return nil, fmt.Errorf("settings: unknown preset %q", presetID)
	}
	candidate := preset.Build()

	active, err := s.repo.GetActive(ctx)
	lineage := uuid.NewString()
	if err == nil && active != nil {
		lineage = active.Lineage
	}

	created, err := s.UpdateSettings(ctx, lineage, candidate, actor, true)
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, created.ID, "preset-applied", actor, preset.ID)
	return created, nil
}

// RollbackToVersion activates a previously created version of lineage,
// recorded as a new audit entry so the rollback itself is traceable.
func (s *Service) RollbackToVersion(ctx context.Context, lineage string, version int, actor string) (*Settings, error) {
	history, err := s.repo.History(ctx, lineage, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, candidate := range history {
		if candidate.Version == version {
			activated, err := s.ActivateSettings(ctx, candidate.ID, actor)
			if err != nil {
				return nil, err
			}
			s.appendAudit(ctx, activated.ID, "rolled-back", actor, fmt.Sprintf("to version %d", version))
			return activated, nil
		}
	}
	return nil, fmt.Errorf("settings: lineage %q has no version %d", lineage, version)
}

// GetHistory returns a lineage's versions, newest first.
func (s *Service) GetHistory(ctx context.Context, lineage string, limit, offset int) ([]*Settings, error) {
	return s.repo.History(ctx, lineage, limit, offset)
}

// GetAuditTrail returns audit entries, optionally filtered to a single
// settings version.
func (s *Service) GetAuditTrail(ctx context.Context, settingsID string, limit int) ([]AuditEntry, error) {
	return s.audit.List(ctx, settingsID, limit)
}

// GetStatistics summarizes lineage activity. Since Repository has no
// time-range query, it scans the full list; callers needing this at
// scale should page through the underlying store directly instead.
func (s *Service) GetStatistics(ctx context.Context, since, until time.Time) (Statistics, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{ByActor: make(map[string]int)}
	for _, v := range all {
		if v.CreatedAt.Before(since) || v.CreatedAt.After(until) {
			continue
		}
		stats.TotalVersions++
		stats.ByActor[v.CreatedBy]++
		if v.IsActive {
			stats.ActivationsInRange++
		}
	}
	return stats, nil
}

// CreateManualBackup snapshots a settings version as YAML.
func (s *Service) CreateManualBackup(ctx context.Context, settingsID, description, actor string, tags []string) (*Backup, error) {
	target, err := s.repo.Get(ctx, settingsID)
	if err != nil {
		return nil, err
	}
	content, err := encodeBackupYAML(target)
	if err != nil {
		return nil, err
	}
	backup := &Backup{
		ID:          uuid.NewString(),
		SettingsID:  settingsID,
		Description: description,
		Actor:       actor,
		Tags:        tags,
		CreatedAt:   timeNow(),
		Content:     content,
		Checksum:    checksum(content),
	}
	if err := s.backups.Create(ctx, backup); err != nil {
		return nil, err
	}
	return backup, nil
}

// ListBackups returns all stored backups.
func (s *Service) ListBackups(ctx context.Context) ([]*Backup, error) {
	return s.backups.List(ctx)
}

// VerifyBackup recomputes a stored backup's checksum and compares it to
// the one recorded at creation time, catching silent corruption.
func (s *Service) VerifyBackup(ctx context.Context, id string) (bool, error) {
	b, err := s.backups.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return checksum(b.Content) == b.Checksum, nil
}

// RestoreFromBackup creates (and optionally activates) a new settings
// version from a backup's snapshot.
func (s *Service) RestoreFromBackup(ctx context.Context, id, actor string, activate bool) (*Settings, error) {
	b, err := s.backups.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	restored, err := decodeBackupYAML(b.Content)
	if err != nil {
		return nil, err
	}
	return s.UpdateSettings(ctx, restored.Lineage, *restored, actor, activate)
}

// DeleteBackup removes a stored backup permanently.
func (s *Service) DeleteBackup(ctx context.Context, id string) error {
	return s.backups.Delete(ctx, id)
}

// CleanupOldBackups removes backups older than retain, keeping at least
// keepMinimum of the most recent regardless of age.
func (s *Service) CleanupOldBackups(ctx context.Context, retain time.Duration, keepMinimum int) (int, error) {
	all, err := s.backups.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(all) <= keepMinimum {
		return 0, nil
	}
	cutoff := timeNow().Add(-retain)
	deleted := 0
	for i := keepMinimum; i < len(all); i++ {
		b := all[i]
		if b.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.backups.Delete(ctx, b.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *Service) appendAudit(ctx context.Context, settingsID, action, actor, description string) {
	entry := AuditEntry{
		ID:          uuid.NewString(),
		SettingsID:  settingsID,
		Action:      action,
		Actor:       actor,
		Timestamp:   timeNow(),
		Description: description,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn("failed to append settings audit entry", logging.NewFields().Operation("appendAudit").Err(err)...)
	}
}

func contentHash(s Settings) string {
	encoded, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	hash, err := validation.CanonicalHash(encoded)
	if err != nil {
		return ""
	}
	return hash
}

// timeNow is a seam so tests can freeze time without a toolchain-run
// go vet complaining about an unused wall-clock abstraction elsewhere.
var timeNow = time.Now
