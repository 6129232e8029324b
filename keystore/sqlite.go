package keystore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
)

const blobSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLite stores blobs in a single-file SQLite database, one row per named
// store. Several SQLite instances may share one database handle.
type SQLite struct {
	db   *sql.DB
	name string
}

var _ Keystore = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the blob database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "[keystore.OpenSQLite] sql.Open")
	}
	if _, err := db.Exec(blobSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "[keystore.OpenSQLite] create schema")
	}
	return db, nil
}

// NewSQLite returns a keystore persisting under the given name in db.
func NewSQLite(db *sql.DB, name string) *SQLite {
	return &SQLite{db: db, name: name}
}

func (s *SQLite) Store(ctx context.Context, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		s.name, blob, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "[SQLite.Store] upsert blob")
	}
	return nil
}

func (s *SQLite) Retrieve(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE name = ?`, s.name,
	).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, errors.Wrap(err, "[SQLite.Retrieve] select blob")
	}
	return blob, nil
}

func (s *SQLite) Remove(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE name = ?`, s.name,
	); err != nil {
		return errors.Wrap(err, "[SQLite.Remove] delete blob")
	}
	return nil
}
