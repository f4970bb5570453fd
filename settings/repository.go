package settings

import "context"

// Repository persists Settings versions. Implementations (store/sqlite,
// an in-memory test double) must enforce that at most one row across the
// whole table has IsActive = true at any time.
type Repository interface {
	Get(ctx context.Context, id string) (*Settings, error)
	GetActive(ctx context.Context) (*Settings, error)
	Create(ctx context.Context, s *Settings) error
	SetActive(ctx context.Context, id string) error
	History(ctx context.Context, lineage string, limit, offset int) ([]*Settings, error)
	List(ctx context.Context) ([]*Settings, error)
}

// AuditRepository persists the audit trail.
type AuditRepository interface {
	Append(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, settingsID string, limit int) ([]AuditEntry, error)
}

// BackupRepository persists settings backups.
type BackupRepository interface {
	Create(ctx context.Context, b *Backup) error
	List(ctx context.Context) ([]*Backup, error)
	Get(ctx context.Context, id string) (*Backup, error)
	Delete(ctx context.Context, id string) error
}
