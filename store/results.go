package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/validation"
)

// ResultRepository persists validation.Result rows, implementing
// fingerprint.Store.
type ResultRepository struct {
	db *sqlx.DB
}

// NewResultRepository wraps db.
func NewResultRepository(db *sqlx.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

type resultRow struct {
	ID                  string `db:"id"`
	ResourceID          string `db:"resource_id"`
	ResourceType        string `db:"resource_type"`
	SettingsHash        string `db:"settings_hash"`
	ResourceHash        string `db:"resource_hash"`
	ValidatedAt         string `db:"validated_at"`
	IsValid             bool   `db:"is_valid"`
	ValidationScore     int    `db:"validation_score"`
	ErrorCount          int    `db:"error_count"`
	WarningCount        int    `db:"warning_count"`
	InformationCount    int    `db:"information_count"`
	IssuesJSON          string `db:"issues_json"`
	AspectBreakdownJSON string `db:"aspect_breakdown_json"`
}

// resourceType extracts the leading "Type" segment from a "Type/id"
// resource identifier, the convention every caller of Save follows.
func resourceType(resourceID string) string {
	for i := 0; i < len(resourceID); i++ {
		if resourceID[i] == '/' {
			return resourceID[:i]
		}
	}
	return resourceID
}

func (row *resultRow) toResult() (*validation.Result, error) {
	validatedAt, err := time.Parse(time.RFC3339Nano, row.ValidatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse validatedAt: %w", err)
	}

	var issues []fv.Issue
	if err := json.Unmarshal([]byte(row.IssuesJSON), &issues); err != nil {
		return nil, fmt.Errorf("store: unmarshal issues: %w", err)
	}

	var breakdown map[fv.Aspect]validation.AspectBreakdown
	if err := json.Unmarshal([]byte(row.AspectBreakdownJSON), &breakdown); err != nil {
		return nil, fmt.Errorf("store: unmarshal aspect breakdown: %w", err)
	}

	return &validation.Result{
		ID:               row.ID,
		ResourceRecordID: row.ResourceID,
		SettingsHash:     row.SettingsHash,
		ResourceHash:     row.ResourceHash,
		ValidatedAt:      validatedAt,
		IsValid:          row.IsValid,
		ValidationScore:  row.ValidationScore,
		ErrorCount:       row.ErrorCount,
		WarningCount:     row.WarningCount,
		InformationCount: row.InformationCount,
		Issues:           issues,
		AspectBreakdown:  breakdown,
	}, nil
}

// Find implements fingerprint.Store.
func (r *ResultRepository) Find(ctx context.Context, resourceID, settingsHash, resourceHash string) (*validation.Result, error) {
	var row resultRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, resource_id, resource_type, settings_hash, resource_hash, validated_at,
		       is_valid, validation_score, error_count, warning_count,
		       information_count, issues_json, aspect_breakdown_json
		FROM validation_result
		WHERE resource_id = ? AND settings_hash = ? AND resource_hash = ?
		ORDER BY validated_at DESC LIMIT 1`,
		resourceID, settingsHash, resourceHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find result: %w", err)
	}
	return row.toResult()
}

// Latest implements fingerprint.Store.
func (r *ResultRepository) Latest(ctx context.Context, resourceID string) (*validation.Result, error) {
	var row resultRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, resource_id, resource_type, settings_hash, resource_hash, validated_at,
		       is_valid, validation_score, error_count, warning_count,
		       information_count, issues_json, aspect_breakdown_json
		FROM validation_result
		WHERE resource_id = ?
		ORDER BY validated_at DESC LIMIT 1`,
		resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest result: %w", err)
	}
	return row.toResult()
}

// Save implements fingerprint.Store. Results are append-only; Save never
// updates an existing row.
func (r *ResultRepository) Save(ctx context.Context, result *validation.Result) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.ValidatedAt.IsZero() {
		result.ValidatedAt = time.Now()
	}

	issuesJSON, err := json.Marshal(result.Issues)
	if err != nil {
		return fmt.Errorf("store: marshal issues: %w", err)
	}
	breakdownJSON, err := json.Marshal(result.AspectBreakdown)
	if err != nil {
		return fmt.Errorf("store: marshal aspect breakdown: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO validation_result (
			id, resource_id, resource_type, settings_hash, resource_hash, validated_at,
			is_valid, validation_score, error_count, warning_count,
			information_count, issues_json, aspect_breakdown_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.ResourceRecordID, resourceType(result.ResourceRecordID),
		result.SettingsHash, result.ResourceHash,
		result.ValidatedAt.Format(time.RFC3339Nano), result.IsValid, result.ValidationScore,
		result.ErrorCount, result.WarningCount, result.InformationCount,
		string(issuesJSON), string(breakdownJSON))
	if err != nil {
		return fmt.Errorf("store: save result: %w", err)
	}
	return nil
}

// TypeBreakdown is one resource type's validation coverage, as returned
// by CoverageByType.
type TypeBreakdown struct {
	ResourceType string `db:"resource_type"`
	Validated    int    `db:"validated"`
	Valid        int    `db:"valid"`
}

// CoverageByType reports, per resource type, how many distinct
// resources have at least one result under settingsHash and how many
// of those latest results are valid. Only the most recent result per
// resource counts, so repeated revalidation of the same resource isn't
// double-counted.
func (r *ResultRepository) CoverageByType(ctx context.Context, settingsHash string) ([]TypeBreakdown, error) {
	var rows []TypeBreakdown
	err := r.db.SelectContext(ctx, &rows, `
		SELECT resource_type,
		       COUNT(*) AS validated,
		       SUM(CASE WHEN is_valid THEN 1 ELSE 0 END) AS valid
		FROM (
			SELECT resource_type, is_valid,
			       ROW_NUMBER() OVER (
			           PARTITION BY resource_id
			           ORDER BY validated_at DESC
			       ) AS rn
			FROM validation_result
			WHERE settings_hash = ?
		)
		WHERE rn = 1
		GROUP BY resource_type
		ORDER BY validated DESC`, settingsHash)
	if err != nil {
		return nil, fmt.Errorf("store: coverage by type: %w", err)
	}
	return rows, nil
}
