package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"geo_torii/internal/config"
	"geo_torii/internal/dataType"
)

// Store is the point query the ACL check runs once per request.
// A missing key is reported as (nil, nil).
type Store interface {
	Lookup(ctx context.Context, apiKey string) (*dataType.AccessControlEntry, error)
}

// Backend is a Store the server owns for its whole lifetime.
type Backend interface {
	Store
	Ping(ctx context.Context) error
	Close() error
}

var ErrUnsupportedDriver = errors.New("unsupported acl driver")

// Open returns the backend selected by cfg.Driver. An empty driver or "none"
// returns a nil Backend, which the ACL check treats as an unprovisioned store.
func Open(ctx context.Context, cfg config.ACLConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return nil, nil
	case "sqlite":
		b, err = asBackend(OpenSQLite(ctx, cfg.DSN, cfg.Table, cfg.CreateSchema))
	case "postgres":
		b, err = asBackend(OpenPostgres(ctx, cfg.DSN, cfg.Table, cfg.CreateSchema))
	case "redis":
		b, err = asBackend(OpenRedis(ctx, cfg.DSN, cfg.KeyPrefix))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// asBackend keeps a failed constructor from leaking a typed nil into the interface.
func asBackend[T Backend](b T, err error) (Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// quoteIdent quotes a table name for both sqlite and postgres.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Memory is an in-process Store, used by tests and for static deployments.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*string
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*string)}
}

// Put stores allowed as the raw allowed_addresses value. A nil allowed
// behaves like a NULL column.
func (m *Memory) Put(apiKey string, allowed *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed != nil {
		v := *allowed
		allowed = &v
	}
	m.entries[apiKey] = allowed
}

func (m *Memory) Delete(apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, apiKey)
}

func (m *Memory) Lookup(_ context.Context, apiKey string) (*dataType.AccessControlEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allowed, ok := m.entries[apiKey]
	if !ok {
		return nil, nil
	}
	entry := &dataType.AccessControlEntry{APIKey: apiKey}
	if allowed != nil {
		v := *allowed
		entry.AllowedAddresses = &v
	}
	return entry, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
