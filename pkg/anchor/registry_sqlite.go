package anchor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry persists registered anchors in a local SQLite file. The
// PRIMARY KEY on anchor_id plus the manager's mutex serialize first-use
// registration, so two callers racing on the same identity+alias cannot end
// up with two different anchors.
type SQLiteRegistry struct {
	db *sql.DB
}

// OpenSQLiteRegistry opens (creating if needed) the registry at path.
func OpenSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("anchor: open registry: %w", err)
	}
	r := &SQLiteRegistry{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS anchors (
		anchor_id TEXT PRIMARY KEY,
		address   TEXT NOT NULL,
		did       TEXT NOT NULL,
		alias     TEXT NOT NULL
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

func (r *SQLiteRegistry) Lookup(ctx context.Context, anchorID string) (*Entry, error) {
	query := `SELECT anchor_id, address, did, alias FROM anchors WHERE anchor_id = ?`
	row := r.db.QueryRowContext(ctx, query, anchorID)

	var e Entry
	err := row.Scan(&e.AnchorID, &e.Address, &e.DID, &e.Alias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *SQLiteRegistry) Save(ctx context.Context, entry *Entry) error {
	query := `INSERT OR REPLACE INTO anchors (anchor_id, address, did, alias) VALUES (?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, entry.AnchorID, entry.Address, entry.DID, entry.Alias)
	if err != nil {
		return fmt.Errorf("anchor: save entry: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}
