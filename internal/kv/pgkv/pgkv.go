// Package pgkv is a kv.Store on PostgreSQL via a pgx connection pool.
//
// Sort keys use the "C" collation so range scans follow byte order.
package pgkv

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/automata/internal/kv"
)

//go:embed schema.sql
var schemaSQL string

// Store is a PostgreSQL-backed kv.Store.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ kv.Store   = (*Store)(nil)
	_ kv.Batcher = (*Store)(nil)
)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Get returns the item at (pk, sk).
func (s *Store) Get(ctx context.Context, pk, sk string) (kv.Item, error) {
	item := kv.Item{PK: pk, SK: sk}
	err := s.pool.QueryRow(ctx,
		`SELECT rev, data FROM kv_items WHERE pk = $1 AND sk = $2`, pk, sk,
	).Scan(&item.Rev, &item.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return kv.Item{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Item{}, fmt.Errorf("get %s/%s: %w", pk, sk, err)
	}
	return item, nil
}

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Put writes item if cond holds.
func (s *Store) Put(ctx context.Context, item kv.Item, cond kv.Condition) error {
	return conditionalPut(ctx, s.pool, item, cond)
}

// PutAll applies writes in one transaction.
func (s *Store) PutAll(ctx context.Context, writes []kv.Write) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, w := range writes {
			if err := conditionalPut(ctx, tx, w.Item, w.Cond); err != nil {
				return err
			}
		}
		return nil
	})
}

func conditionalPut(ctx context.Context, ex execer, item kv.Item, cond kv.Condition) error {
	data := item.Data
	if data == nil {
		data = []byte{}
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	switch cond.Kind {
	case kv.CondAlways:
		tag, err = ex.Exec(ctx, `
			INSERT INTO kv_items (pk, sk, rev, data) VALUES ($1, $2, $3, $4)
			ON CONFLICT (pk, sk) DO UPDATE SET rev = EXCLUDED.rev, data = EXCLUDED.data
		`, item.PK, item.SK, item.Rev, data)
	case kv.CondAbsent:
		tag, err = ex.Exec(ctx, `
			INSERT INTO kv_items (pk, sk, rev, data) VALUES ($1, $2, $3, $4)
			ON CONFLICT (pk, sk) DO NOTHING
		`, item.PK, item.SK, item.Rev, data)
	case kv.CondExists:
		tag, err = ex.Exec(ctx,
			`UPDATE kv_items SET rev = $1, data = $2 WHERE pk = $3 AND sk = $4`,
			item.Rev, data, item.PK, item.SK)
	case kv.CondRev:
		tag, err = ex.Exec(ctx,
			`UPDATE kv_items SET rev = $1, data = $2 WHERE pk = $3 AND sk = $4 AND rev = $5`,
			item.Rev, data, item.PK, item.SK, cond.Rev)
	default:
		return fmt.Errorf("put %s/%s: unknown condition kind %d", item.PK, item.SK, cond.Kind)
	}
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", item.PK, item.SK, err)
	}
	if tag.RowsAffected() == 0 {
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
	q.WriteString(`SELECT sk, rev, data FROM kv_items WHERE pk = $1`)
	if r.From != "" {
		args = append(args, r.From)
		fmt.Fprintf(&q, ` AND sk >= $%d`, len(args))
	}
	if r.To != "" {
		args = append(args, r.To)
		fmt.Fprintf(&q, ` AND sk <= $%d`, len(args))
	}
	if r.Reverse {
		q.WriteString(` ORDER BY sk DESC`)
	} else {
		q.WriteString(` ORDER BY sk ASC`)
	}
	if r.Limit > 0 {
		args = append(args, r.Limit)
		fmt.Fprintf(&q, ` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", pk, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (kv.Item, error) {
		item := kv.Item{PK: pk}
		err := row.Scan(&item.SK, &item.Rev, &item.Data)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pk, err)
	}
	if items == nil {
		items = []kv.Item{}
	}
	return items, nil
}

// Delete removes (pk, sk). Deleting a missing item is not an error.
func (s *Store) Delete(ctx context.Context, pk, sk string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_items WHERE pk = $1 AND sk = $2`, pk, sk); err != nil {
		return fmt.Errorf("delete %s/%s: %w", pk, sk, err)
	}
	return nil
}

// truncate empties the table. Used by tests sharing one database.
func (s *Store) truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE kv_items`)
	return err
}
