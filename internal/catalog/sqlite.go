package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS objects (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    original_name TEXT NOT NULL,
    is_encrypted INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_objects_owner ON objects(owner_id);
`

// SQLiteCatalog is the metadata index used with the S3 backend, where
// listing by scanning bucket objects per request is not an option.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the catalog index at dbPath.
func NewSQLite(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog database: %w", err)
	}

	// WAL keeps the index readable while an upload commit writes to it.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}

	return &SQLiteCatalog{db: db}, nil
}

// Put records metadata for a committed object. Re-recording the same ID
// replaces the row, which keeps a retried commit idempotent.
func (c *SQLiteCatalog) Put(ctx context.Context, id string, meta models.UploadMeta) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (id, owner_id, original_name, is_encrypted, size)
		 VALUES (?, ?, ?, ?, ?)`,
		id, meta.UserID, meta.Filename, boolToInt(meta.IsEncrypted), meta.Size,
	)
	if err != nil {
		return fmt.Errorf("failed to record object metadata: %w", err)
	}
	return nil
}

// List returns entries owned by the given user, oldest first.
func (c *SQLiteCatalog) List(ctx context.Context, owner string) ([]models.FileEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, original_name FROM objects WHERE owner_id = ? ORDER BY created_at, id`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	entries := []models.FileEntry{}
	for rows.Next() {
		var e models.FileEntry
		if err := rows.Scan(&e.ID, &e.OriginalName); err != nil {
			return nil, fmt.Errorf("failed to scan object row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the metadata for one object ID.
func (c *SQLiteCatalog) Get(ctx context.Context, id string) (models.UploadMeta, error) {
	var meta models.UploadMeta
	var encrypted int
	err := c.db.QueryRowContext(ctx,
		`SELECT original_name, owner_id, is_encrypted, size FROM objects WHERE id = ?`,
		id,
	).Scan(&meta.Filename, &meta.UserID, &encrypted, &meta.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UploadMeta{}, storage.ErrNotFound
	}
	if err != nil {
		return models.UploadMeta{}, fmt.Errorf("failed to get object metadata: %w", err)
	}
	meta.IsEncrypted = encrypted != 0
	return meta, nil
}

// Delete removes the metadata row.
func (c *SQLiteCatalog) Delete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id)
	return err
}

// Close closes the underlying database.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
