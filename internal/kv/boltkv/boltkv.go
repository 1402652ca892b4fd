// Package boltkv is a kv.Store on bbolt. Each partition key is a bucket;
// sort keys are bucket keys, which bbolt keeps in byte order.
package boltkv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/automata/internal/kv"
)

// Store is a bbolt-backed kv.Store.
type Store struct {
	db *bolt.DB
}

var (
	_ kv.Store   = (*Store)(nil)
	_ kv.Batcher = (*Store)(nil)
)

// Open opens or creates the database file at path. It fails after one
// second if another process holds the file lock.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// encodeValue stores rev in front of data: uvarint(len(rev)) | rev | data.
func encodeValue(rev string, data []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(rev)+len(data))
	buf = binary.AppendUvarint(buf, uint64(len(rev)))
	buf = append(buf, rev...)
	return append(buf, data...)
}

func decodeValue(pk string, sk, raw []byte) (kv.Item, error) {
	n, w := binary.Uvarint(raw)
	if w <= 0 || uint64(len(raw)-w) < n {
		return kv.Item{}, fmt.Errorf("corrupt value at %s/%s", pk, sk)
	}
	rev := string(raw[w : w+int(n)])
	data := bytes.Clone(raw[w+int(n):])
	if data == nil {
		data = []byte{}
	}
	return kv.Item{PK: pk, SK: string(sk), Rev: rev, Data: data}, nil
}

func current(b *bolt.Bucket, pk, sk string) (*kv.Item, error) {
	if b == nil {
		return nil, nil
	}
	raw := b.Get([]byte(sk))
	if raw == nil {
		return nil, nil
	}
	item, err := decodeValue(pk, []byte(sk), raw)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Get returns the item at (pk, sk).
func (s *Store) Get(ctx context.Context, pk, sk string) (kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return kv.Item{}, err
	}
	var out *kv.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = current(tx.Bucket([]byte(pk)), pk, sk)
		return err
	})
	if err != nil {
		return kv.Item{}, err
	}
	if out == nil {
		return kv.Item{}, kv.ErrNotFound
	}
	return *out, nil
}

func putTx(tx *bolt.Tx, item kv.Item, cond kv.Condition) error {
	cur, err := current(tx.Bucket([]byte(item.PK)), item.PK, item.SK)
	if err != nil {
		return err
	}
	if !cond.Holds(cur) {
		return &kv.ConditionError{PK: item.PK, SK: item.SK, Cond: cond}
	}
	b, err := tx.CreateBucketIfNotExists([]byte(item.PK))
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", item.PK, err)
	}
	return b.Put([]byte(item.SK), encodeValue(item.Rev, item.Data))
}

// Put writes item if cond holds.
func (s *Store) Put(ctx context.Context, item kv.Item, cond kv.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putTx(tx, item, cond)
	})
}

// PutAll applies writes in one bolt transaction; returning an error from
// the update function rolls everything back.
func (s *Store) PutAll(ctx context.Context, writes []kv.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, w := range writes {
			if err := putTx(tx, w.Item, w.Cond); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query returns items of partition pk inside r, ordered by sort key.
func (s *Store) Query(ctx context.Context, pk string, r kv.Range) ([]kv.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := []kv.Item{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(pk))
		if b == nil {
			return nil
		}
		c := b.Cursor()

		var k, v []byte
		if r.Reverse {
			k, v = seekLast(c, r.To)
		} else if r.From != "" {
			k, v = c.Seek([]byte(r.From))
		} else {
			k, v = c.First()
		}

		for ; k != nil; k, v = step(c, r.Reverse) {
			if !r.Contains(string(k)) {
				break
			}
			item, err := decodeValue(pk, k, v)
			if err != nil {
				return err
			}
			items = append(items, item)
			if r.Limit > 0 && len(items) >= r.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", pk, err)
	}
	return items, nil
}

// seekLast positions c on the greatest key <= to (or the last key).
func seekLast(c *bolt.Cursor, to string) ([]byte, []byte) {
	if to == "" {
		return c.Last()
	}
	k, v := c.Seek([]byte(to))
	if k == nil {
		return c.Last()
	}
	if string(k) > to {
		return c.Prev()
	}
	return k, v
}

func step(c *bolt.Cursor, reverse bool) ([]byte, []byte) {
	if reverse {
		return c.Prev()
	}
	return c.Next()
}

// Delete removes (pk, sk). Deleting a missing item is not an error.
func (s *Store) Delete(ctx context.Context, pk, sk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(pk))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(sk))
	})
	if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return fmt.Errorf("delete %s/%s: %w", pk, sk, err)
	}
	return nil
}
