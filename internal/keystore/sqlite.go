package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"geo_torii/internal/dataType"

	_ "modernc.org/sqlite"
)

// SQLiteStore reads the access-control table from a local sqlite file.
type SQLiteStore struct {
	db     *sql.DB
	table  string
	lookup string
}

func OpenSQLite(ctx context.Context, dsn, table string, createSchema bool) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite acl: empty dsn")
	}
	if createSchema {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create acl dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open acl db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping acl db: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		table:  table,
		lookup: fmt.Sprintf("SELECT api_key, allowed_addresses FROM %s WHERE api_key = ?", quoteIdent(table)),
	}
	if createSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			api_key TEXT PRIMARY KEY NOT NULL,
			allowed_addresses TEXT
		)`, quoteIdent(s.table)))
	if err != nil {
		return fmt.Errorf("create acl table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, apiKey string) (*dataType.AccessControlEntry, error) {
	var (
		key     string
		allowed any
	)
	err := s.db.QueryRowContext(ctx, s.lookup, apiKey).Scan(&key, &allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query acl: %w", err)
	}

	entry := &dataType.AccessControlEntry{APIKey: key}
	// sqlite columns are dynamically typed; anything but text is treated as missing.
	if v, ok := allowed.(string); ok {
		entry.AllowedAddresses = &v
	}
	return entry, nil
}

// Put upserts one entry. The server never writes; this is for provisioning and tests.
// value is stored as-is so callers can store NULL, non-text or malformed rows.
func (s *SQLiteStore) Put(ctx context.Context, apiKey string, value any) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (api_key, allowed_addresses) VALUES (?, ?)
		ON CONFLICT(api_key) DO UPDATE SET allowed_addresses = excluded.allowed_addresses`,
		quoteIdent(s.table)), apiKey, value)
	if err != nil {
		return fmt.Errorf("upsert acl entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, apiKey string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE api_key = ?", quoteIdent(s.table)), apiKey)
	if err != nil {
		return fmt.Errorf("delete acl entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
