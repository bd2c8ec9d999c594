package keystore

import (
	"context"
	"errors"
	"fmt"

	"geo_torii/internal/dataType"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads the access-control table over a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	lookup string
}

func OpenPostgres(ctx context.Context, dsn, table string, createSchema bool) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres acl: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open acl pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping acl pool: %w", err)
	}

	s := &PostgresStore{
		pool:  pool,
		table: table,
		lookup: postgresLookupQuery(table),
	}
	if createSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// postgresLookupQuery reads text and json/jsonb columns as text. Any other
// column type comes back NULL, the same as a non-text sqlite value.
func postgresLookupQuery(table string) string {
	return fmt.Sprintf(`SELECT api_key,
		CASE WHEN pg_typeof(allowed_addresses) IN ('text'::regtype, 'character varying'::regtype, 'json'::regtype, 'jsonb'::regtype)
			THEN allowed_addresses::text
		END
		FROM %s WHERE api_key = $1`, quoteIdent(table))
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			api_key TEXT PRIMARY KEY,
			allowed_addresses TEXT
		)`, quoteIdent(s.table)))
	if err != nil {
		return fmt.Errorf("create acl table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Lookup(ctx context.Context, apiKey string) (*dataType.AccessControlEntry, error) {
	var (
		key     string
		allowed *string
	)
	err := s.pool.QueryRow(ctx, s.lookup, apiKey).Scan(&key, &allowed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query acl: %w", err)
	}
	return &dataType.AccessControlEntry{APIKey: key, AllowedAddresses: allowed}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
