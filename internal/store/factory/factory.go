package factory

import (
	"errors"
	"strings"

	"github.com/canto-dev/canto/internal/store"
	pg "github.com/canto-dev/canto/internal/store/postgres"
	sq "github.com/canto-dev/canto/internal/store/sqlite"
)

// NewFromDSN builds a store.Store from a DSN string.
// Supported forms:
//   - postgres://... or postgresql://...  -> PostgreSQL
//   - sqlite:///path/to.db or sqlite:path -> SQLite (path after scheme)
//   - plain filesystem path               -> SQLite
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty store dsn")
	}
	low := strings.ToLower(d)
	switch {
	case strings.HasPrefix(low, "postgres://"), strings.HasPrefix(low, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(low, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	case strings.HasPrefix(low, "sqlite:"):
		return sq.New(d[len("sqlite:"):])
	default:
		return sq.New(d)
	}
}
