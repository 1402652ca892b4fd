// Package sqlitekv is a kv.Store on SQLite (mattn/go-sqlite3).
//
// Database configuration:
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability and throughput
//   - busy_timeout=5000: wait up to 5 seconds for the write lock
//   - a single open connection, so conditional writes serialize
//
// Sort keys are compared with COLLATE BINARY, matching the byte order the
// version encoding relies on.
package sqlitekv

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/automata/internal/kv"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - kv_items table
const currentSchemaVersion = 1

// Store is a SQLite-backed kv.Store.
type Store struct {
	db *sql.DB
}

var (
	_ kv.Store   = (*Store)(nil)
	_ kv.Batcher = (*Store)(nil)
)

// Open creates or opens the database at path (":memory:" for a private
// in-memory database) and applies pragmas and schema. Safe to call on an
// existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY and keeps
	// a ":memory:" database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Get returns the item at (pk, sk).
func (s *Store) Get(ctx context.Context, pk, sk string) (kv.Item, error) {
	item := kv.Item{PK: pk, SK: sk}
	err := s.db.QueryRowContext(ctx,
		`SELECT rev, data FROM kv_items WHERE pk = ? AND sk = ?`, pk, sk,
	).Scan(&item.Rev, &item.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return kv.Item{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Item{}, fmt.Errorf("get %s/%s: %w", pk, sk, err)
	}
	return item, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Put writes item if cond holds.
func (s *Store) Put(ctx context.Context, item kv.Item, cond kv.Condition) error {
	return conditionalPut(ctx, s.db, item, cond)
}

// PutAll applies writes in one transaction; any failed condition rolls
// the whole batch back.
func (s *Store) PutAll(ctx context.Context, writes []kv.Write) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put all: begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	for _, w := range writes {
		if err := conditionalPut(ctx, tx, w.Item, w.Cond); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put all: commit: %w", err)
	}
	return nil
}

func conditionalPut(ctx context.Context, ex execer, item kv.Item, cond kv.Condition) error {
	data := item.Data
	if data == nil {
		data = []byte{}
	}

	var (
		res sql.Result
		err error
	)
	switch cond.Kind {
	case kv.CondAlways:
		_, err = ex.ExecContext(ctx, `
			INSERT INTO kv_items (pk, sk, rev, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(pk, sk) DO UPDATE SET rev = excluded.rev, data = excluded.data
		`, item.PK, item.SK, item.Rev, data)
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", item.PK, item.SK, err)
		}
		return nil
	case kv.CondAbsent:
		res, err = ex.ExecContext(ctx, `
			INSERT INTO kv_items (pk, sk, rev, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(pk, sk) DO NOTHING
		`, item.PK, item.SK, item.Rev, data)
	case kv.CondExists:
		res, err = ex.ExecContext(ctx,
			`UPDATE kv_items SET rev = ?, data = ? WHERE pk = ? AND sk = ?`,
			item.Rev, data, item.PK, item.SK)
	case kv.CondRev:
		res, err = ex.ExecContext(ctx,
			`UPDATE kv_items SET rev = ?, data = ? WHERE pk = ? AND sk = ? AND rev = ?`,
			item.Rev, data, item.PK, item.SK, cond.Rev)
	default:
		return fmt.Errorf("put %s/%s: unknown condition kind %d", item.PK, item.SK, cond.Kind)
	}
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", item.PK, item.SK, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put %s/%s: rows affected: %w", item.PK, item.SK, err)
	}
	if n == 0 {
		return &kv.ConditionError{PK: item.PK, SK: item.SK, Cond: cond}
	}
	return nil
}

// Query returns items of partition pk inside r, ordered by sort key.
func (s *Store) Query(ctx context.Context, pk string, r kv.Range) ([]kv.Item, error) {
	var (
		q    strings.Builder
		args = []any{pk}
	)
	q.WriteString(`SELECT sk, rev, data FROM kv_items WHERE pk = ?`)
	if r.From != "" {
		q.WriteString(` AND sk >= ?`)
		args = append(args, r.From)
	}
	if r.To != "" {
		q.WriteString(` AND sk <= ?`)
		args = append(args, r.To)
	}
	if r.Reverse {
		q.WriteString(` ORDER BY sk COLLATE BINARY DESC`)
	} else {
		q.WriteString(` ORDER BY sk COLLATE BINARY ASC`)
	}
	if r.Limit > 0 {
		q.WriteString(` LIMIT ?`)
		args = append(args, r.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", pk, err)
	}
	defer rows.Close()

	items := []kv.Item{}
	for rows.Next() {
		item := kv.Item{PK: pk}
		if err := rows.Scan(&item.SK, &item.Rev, &item.Data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", pk, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", pk, err)
	}
	return items, nil
}

// Delete removes (pk, sk). Deleting a missing item is not an error.
func (s *Store) Delete(ctx context.Context, pk, sk string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_items WHERE pk = ? AND sk = ?`, pk, sk); err != nil {
		return fmt.Errorf("delete %s/%s: %w", pk, sk, err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
