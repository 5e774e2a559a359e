// Package sqlite stores tokens and business objects in SQLite and provides a real
// transaction boundary for the scheduler.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/stepflow/pkg/adapters/sqlite/migrations"
	"github.com/aretw0/stepflow/pkg/domain"
	_ "modernc.org/sqlite"
)

// Store implements ports.TokenStore, ports.ObjectStore and ports.Transactor.
//
// Writes made through a context returned by InTx join that transaction. The pool is
// limited to one connection, which serializes writers the way SQLite does anyway.
type Store struct {
	db *sql.DB
}

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn in a transaction. Nested calls join the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Save upserts a token.
func (s *Store) Save(ctx context.Context, token *domain.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token %s: %w", token.ID, err)
	}
	_, err = s.conn(ctx).ExecContext(ctx,
		`INSERT INTO tokens (id, process, status, data, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   process = excluded.process,
		   status = excluded.status,
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		token.ID, token.Process.String(), string(token.Status), string(data), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save token %s: %w", token.ID, err)
	}
	return nil
}

// Load reads a token.
func (s *Store) Load(ctx context.Context, id string) (*domain.Token, error) {
	var data string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT data FROM tokens WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", id, domain.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("load token %s: %w", id, err)
	}

	var token domain.Token
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token %s: %w", id, err)
	}
	if token.Params == nil {
		token.Params = make(map[string]any)
	}
	return &token, nil
}

// Delete removes a token.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete token %s: %w", id, err)
	}
	return nil
}

// List returns all token ids in id order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM tokens ORDER BY id`)
}

// ListByStatus returns the ids of tokens in the given status.
func (s *Store) ListByStatus(ctx context.Context, status domain.TokenStatus) ([]string, error) {
	return s.ids(ctx, `SELECT id FROM tokens WHERE status = ? ORDER BY id`, string(status))
}

func (s *Store) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan token id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveObject upserts a business object.
func (s *Store) SaveObject(ctx context.Context, ref string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal object %s: %w", ref, err)
	}
	_, err = s.conn(ctx).ExecContext(ctx,
		`INSERT INTO objects (ref, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		ref, string(data), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save object %s: %w", ref, err)
	}
	return nil
}

// LoadObject decodes the object stored under ref into out.
func (s *Store) LoadObject(ctx context.Context, ref string, out any) error {
	var data string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT data FROM objects WHERE ref = ?`, ref).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", ref, domain.ErrObjectNotFound)
		}
		return fmt.Errorf("load object %s: %w", ref, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to unmarshal object %s: %w", ref, err)
	}
	return nil
}
