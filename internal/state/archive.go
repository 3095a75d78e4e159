package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolInterface defines the database operations the archive needs
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Archive persists state entries to Postgres. The store flushes dirty
// entries here on its sync cycle; nothing reads the archive on the hot
// path.
type Archive struct {
	pool PoolInterface
}

// NewArchive creates an archive over a pool-compatible interface
func NewArchive(pool PoolInterface) *Archive {
	return &Archive{pool: pool}
}

// NewArchiveWithPool creates an archive over a pgxpool.Pool
func NewArchiveWithPool(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// SaveBatch upserts entries keyed by (namespace, entry_id). Last writer
// wins, matching the in-memory tier.
func (a *Archive) SaveBatch(ctx context.Context, entries []*Entry) error {
	query := `
		INSERT INTO state_snapshots (namespace, entry_id, payload, saved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, entry_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			saved_at = EXCLUDED.saved_at,
			expires_at = EXCLUDED.expires_at
	`

	for _, entry := range entries {
		_, err := a.pool.Exec(ctx, query,
			string(entry.Namespace),
			entry.ID,
			[]byte(entry.Value),
			entry.SavedAt,
			entry.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", entry.Namespace, entry.ID, err)
		}
	}
	return nil
}

// Load fetches one archived entry. Returns nil when absent.
func (a *Archive) Load(ctx context.Context, ns Namespace, id string) (*Entry, error) {
	query := `
		SELECT namespace, entry_id, payload, saved_at, expires_at
		FROM state_snapshots
		WHERE namespace = $1 AND entry_id = $2
	`

	var entry Entry
	var nsName string
	var payload []byte
	err := a.pool.QueryRow(ctx, query, string(ns), id).Scan(
		&nsName,
		&entry.ID,
		&payload,
		&entry.SavedAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load %s/%s: %w", ns, id, err)
	}

	entry.Namespace = Namespace(nsName)
	entry.Value = json.RawMessage(payload)
	return &entry, nil
}

// LoadNamespace fetches the most recent archived entries of a namespace
func (a *Archive) LoadNamespace(ctx context.Context, ns Namespace, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT namespace, entry_id, payload, saved_at, expires_at
		FROM state_snapshots
		WHERE namespace = $1
		ORDER BY saved_at DESC
		LIMIT $2
	`

	rows, err := a.pool.Query(ctx, query, string(ns), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query namespace %s: %w", ns, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var nsName string
		var payload []byte
		if err := rows.Scan(&nsName, &entry.ID, &payload, &entry.SavedAt, &entry.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entry.Namespace = Namespace(nsName)
		entry.Value = json.RawMessage(payload)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	return entries, nil
}

// Delete removes one archived entry
func (a *Archive) Delete(ctx context.Context, ns Namespace, id string) error {
	query := `DELETE FROM state_snapshots WHERE namespace = $1 AND entry_id = $2`
	if _, err := a.pool.Exec(ctx, query, string(ns), id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", ns, id, err)
	}
	return nil
}

// PruneExpired removes archived entries whose TTL lapsed
func (a *Archive) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM state_snapshots WHERE expires_at < $1`
	tag, err := a.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
