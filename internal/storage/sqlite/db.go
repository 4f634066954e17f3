// Package sqlite persists gateway state in a single SQLite file via
// modernc.org/sqlite (pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// connPragmas apply per connection. WAL lets readers proceed during writes;
// the busy timeout absorbs writer contention instead of failing fast.
var connPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// Store holds two handles against one database: writes serialize on a
// single connection, reads fan out across a small pool.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn (a file path or ":memory:"), applies
// pending migrations, and returns a ready Store.
func New(dsn string) (*Store, error) {
	write, err := open(dsn, 1)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	read, err := open(dsn, max(4, runtime.NumCPU()))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

func open(dsn string, maxConns int) (*sql.DB, error) {
	var sb strings.Builder
	if dsn == ":memory:" {
		// Shared cache so the read pool sees the writer's data.
		sb.WriteString("file::memory:?mode=memory&cache=shared")
	} else {
		sb.WriteString("file:")
		sb.WriteString(dsn)
		sb.WriteString("?")
	}
	for i, p := range connPragmas {
		if i > 0 || dsn == ":memory:" {
			sb.WriteString("&")
		}
		sb.WriteString("_pragma=")
		sb.WriteString(p)
	}
	db, err := sql.Open("sqlite", sb.String())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	return db, nil
}

// migrate applies the embedded goose migrations on the write handle.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies connectivity on the read pool; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both handles.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
