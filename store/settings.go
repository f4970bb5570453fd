package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/medvertical/fhir-validation-engine/settings"
)

// SettingsRepository persists settings.Settings versions, implementing
// settings.Repository. The database enforces (via a partial unique
// index on is_active) that at most one row is active at a time.
type SettingsRepository struct {
	db *sqlx.DB
}

func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

type settingsRow struct {
	ID          string `db:"id"`
	Lineage     string `db:"lineage"`
	Version     int    `db:"version"`
	IsActive    bool   `db:"is_active"`
	CreatedAt   string `db:"created_at"`
	ContentJSON string `db:"content_json"`
}

func (row *settingsRow) toSettings() (*settings.Settings, error) {
	var s settings.Settings
	if err := json.Unmarshal([]byte(row.ContentJSON), &s); err != nil {
		return nil, fmt.Errorf("store: unmarshal settings: %w", err)
	}
	s.IsActive = row.IsActive
	return &s, nil
}

func (r *SettingsRepository) Get(ctx context.Context, id string) (*settings.Settings, error) {
	var row settingsRow
	err := r.db.GetContext(ctx, &row, `SELECT id, lineage, version, is_active, created_at, content_json
		FROM validation_settings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settings: %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get settings: %w", err)
	}
	return row.toSettings()
}

func (r *SettingsRepository) GetActive(ctx context.Context) (*settings.Settings, error) {
	var row settingsRow
	err := r.db.GetContext(ctx, &row, `SELECT id, lineage, version, is_active, created_at, content_json
		FROM validation_settings WHERE is_active = 1 LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settings: no active settings")
	}
	if err != nil {
		return nil, fmt.Errorf("store: get active settings: %w", err)
	}
	return row.toSettings()
}

func (r *SettingsRepository) Create(ctx context.Context, s *settings.Settings) error {
	content, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: marshal settings: %w", err)
	}

	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO validation_settings (id, lineage, version, is_active, created_at, content_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Lineage, s.Version, s.IsActive, createdAt.Format(time.RFC3339Nano), string(content))
	if err != nil {
		return fmt.Errorf("store: create settings: %w", err)
	}
	return nil
}

func (r *SettingsRepository) SetActive(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: set active settings: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE validation_settings SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("store: clear prior active settings: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE validation_settings SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: activate settings: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("settings: %q not found", id)
	}

	return tx.Commit()
}

func (r *SettingsRepository) History(ctx context.Context, lineage string, limit, offset int) ([]*settings.Settings, error) {
	query := `SELECT id, lineage, version, is_active, created_at, content_json
		FROM validation_settings WHERE lineage = ? ORDER BY version DESC`
	args := []any{lineage}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}

	var rows []settingsRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: settings history: %w", err)
	}
	return toSettingsSlice(rows)
}

func (r *SettingsRepository) List(ctx context.Context) ([]*settings.Settings, error) {
	var rows []settingsRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, lineage, version, is_active, created_at, content_json
		FROM validation_settings ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("store: list settings: %w", err)
	}
	return toSettingsSlice(rows)
}

func toSettingsSlice(rows []settingsRow) ([]*settings.Settings, error) {
	out := make([]*settings.Settings, 0, len(rows))
	for _, row := range rows {
		s, err := row.toSettings()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// AuditRepository persists settings.AuditEntry rows, implementing
// settings.AuditRepository.
type AuditRepository struct {
	db *sqlx.DB
}

func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, entry settings.AuditEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO validation_settings_audit (id, settings_id, action, actor, timestamp, description)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SettingsID, entry.Action, entry.Actor,
		entry.Timestamp.Format(time.RFC3339Nano), entry.Description)
	if err != nil {
		return fmt.Errorf("store: append audit entry: %w", err)
	}
	return nil
}

type auditRow struct {
	ID          string `db:"id"`
	SettingsID  string `db:"settings_id"`
	Action      string `db:"action"`
	Actor       string `db:"actor"`
	Timestamp   string `db:"timestamp"`
	Description string `db:"description"`
}

func (r *AuditRepository) List(ctx context.Context, settingsID string, limit int) ([]settings.AuditEntry, error) {
	query := `SELECT id, settings_id, action, actor, timestamp, description FROM validation_settings_audit`
	var args []any
	if settingsID != "" {
		query += ` WHERE settings_id = ?`
		args = append(args, settingsID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: list audit entries: %w", err)
	}

	out := make([]settings.AuditEntry, 0, len(rows))
	for _, row := range rows {
		ts, err := time.Parse(time.RFC3339Nano, row.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("store: parse audit timestamp: %w", err)
		}
		out = append(out, settings.AuditEntry{
			ID:          row.ID,
			SettingsID:  row.SettingsID,
			Action:      row.Action,
			Actor:       row.Actor,
			Timestamp:   ts,
			Description: row.Description,
		})
	}
	return out, nil
}

// BackupRepository persists settings.Backup rows, implementing
// settings.BackupRepository.
type BackupRepository struct {
	db *sqlx.DB
}

func NewBackupRepository(db *sqlx.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

func (r *BackupRepository) Create(ctx context.Context, b *settings.Backup) error {
	tagsJSON, err := json.Marshal(b.Tags)
	if err != nil {
		return fmt.Errorf("store: marshal backup tags: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO backup_metadata (id, settings_id, description, actor, tags_json, created_at, content, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SettingsID, b.Description, b.Actor, string(tagsJSON),
		b.CreatedAt.Format(time.RFC3339Nano), b.Content, b.Checksum)
	if err != nil {
		return fmt.Errorf("store: create backup: %w", err)
	}
	return nil
}

type backupRow struct {
	ID          string `db:"id"`
	SettingsID  string `db:"settings_id"`
	Description string `db:"description"`
	Actor       string `db:"actor"`
	TagsJSON    string `db:"tags_json"`
	CreatedAt   string `db:"created_at"`
	Content     []byte `db:"content"`
	Checksum    string `db:"checksum"`
}

func (row *backupRow) toBackup() (*settings.Backup, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse backup createdAt: %w", err)
	}
	var tags []string
	if err := json.Unmarshal([]byte(row.TagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("store: unmarshal backup tags: %w", err)
	}
	return &settings.Backup{
		ID:          row.ID,
		SettingsID:  row.SettingsID,
		Description: row.Description,
		Actor:       row.Actor,
		Tags:        tags,
		CreatedAt:   createdAt,
		Content:     row.Content,
		Checksum:    row.Checksum,
	}, nil
}

func (r *BackupRepository) List(ctx context.Context) ([]*settings.Backup, error) {
	var rows []backupRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, settings_id, description, actor, tags_json, created_at, content, checksum
		FROM backup_metadata ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("store: list backups: %w", err)
	}

	out := make([]*settings.Backup, 0, len(rows))
	for _, row := range rows {
		b, err := row.toBackup()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *BackupRepository) Get(ctx context.Context, id string) (*settings.Backup, error) {
	var row backupRow
	err := r.db.GetContext(ctx, &row, `SELECT id, settings_id, description, actor, tags_json, created_at, content, checksum
		FROM backup_metadata WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settings: backup %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get backup: %w", err)
	}
	return row.toBackup()
}

func (r *BackupRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM backup_metadata WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete backup: %w", err)
	}
	return nil
}
