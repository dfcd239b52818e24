package queue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stamped into SQLite's user_version pragma when the
// schema is applied. Bump it when schema.sql changes; databases stamped
// with an older version are refused rather than migrated.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by an
// incompatible release.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// ensureSchema applies schema.sql to a fresh database and verifies the
// version stamp on an existing one.
func (s *Store) ensureSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch version {
	case schemaVersion:
		return nil
	case 0:
		return s.applySchema(ctx)
	default:
		return fmt.Errorf("%w: database has version %d, expected %d (run 'shortform queue clear --all' or delete the database)",
			ErrSchemaMismatch, version, schemaVersion)
	}
}

func (s *Store) applySchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	// The pragma does not take bind parameters; schemaVersion is a
	// trusted constant.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("stamp schema version: %w", err)
	}
	return tx.Commit()
}
