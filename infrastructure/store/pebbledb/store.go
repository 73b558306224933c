package pebbledb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/cockroachdb/pebble"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	"io"
	"path/filepath"
	"sync"
)

// list entries live under <key> + listSeparator + big endian sequence number,
// the list meta (head, tail) under <key> itself.
const listSeparator = 0x00

// Store is the embedded backend. Groups are serialized by a mutex, so it only guarantees atomicity
// for groups issued from a single process.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

func NewStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "bundler-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}

	return &Store{db: db}, nil
}

type txn struct {
	store.WriteSet
	r pebble.Reader
}

func (t *txn) Get(key string) ([]byte, error) {
	return get(t.r, []byte(key))
}

func (t *txn) ListRange(key string) ([][]byte, error) {
	return listRange(t.r, key)
}

func (ps *Store) Update(ctx context.Context, fn func(txn store.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	t := &txn{r: ps.db}
	if err := fn(t); err != nil {
		return err
	}
	if len(t.Writes()) == 0 {
		return nil
	}

	batch := ps.db.NewIndexedBatch()
	defer batch.Close()
	for _, w := range t.Writes() {
		if err := apply(batch, w); err != nil {
			return fmt.Errorf("applying write to key [%s]: %v", w.Key, err)
		}
	}

	err := batch.Commit(pebble.Sync)
	if err != nil {
		return fmt.Errorf("committing batch: %v", err)
	}

	return nil
}

func (ps *Store) View(ctx context.Context, fn func(r store.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap := ps.db.NewSnapshot()
	defer snap.Close()

	return fn(&txn{r: snap})
}

func (ps *Store) Close() error {
	return ps.db.Close()
}

func apply(batch *pebble.Batch, w store.Write) error {
	switch w.Kind {
	case store.OpSet:
		return batch.Set([]byte(w.Key), w.Value, nil)
	case store.OpDelete:
		return batch.Delete([]byte(w.Key), nil)
	case store.OpListAppend:
		head, tail, err := listMeta(batch, w.Key)
		if err != nil {
			return err
		}
		for _, v := range w.Values {
			if err := batch.Set(entryKey(w.Key, tail), v, nil); err != nil {
				return err
			}
			tail++
		}
		return batch.Set([]byte(w.Key), encodeMeta(head, tail), nil)
	case store.OpListTrimFront:
		head, tail, err := listMeta(batch, w.Key)
		if err != nil {
			return err
		}
		end := min(head+uint64(w.N), tail)
		for seq := head; seq < end; seq++ {
			if err := batch.Delete(entryKey(w.Key, seq), nil); err != nil {
				return err
			}
		}
		if end == tail {
			return batch.Delete([]byte(w.Key), nil)
		}
		return batch.Set([]byte(w.Key), encodeMeta(end, tail), nil)
	}

	return fmt.Errorf("unknown write kind [%d]", w.Kind)
}

func get(r pebble.Reader, key []byte) ([]byte, error) {
	value, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting value for key [%s]: %v", key, err)
	}
	defer func(closer io.Closer) {
		_ = closer.Close()
	}(closer)

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func listMeta(r pebble.Reader, key string) (head, tail uint64, err error) {
	value, err := get(r, []byte(key))
	if errors.Is(err, store.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if len(value) != 16 {
		return 0, 0, fmt.Errorf("key [%s] does not hold a list", key)
	}

	return binary.BigEndian.Uint64(value[:8]), binary.BigEndian.Uint64(value[8:]), nil
}

func listRange(r pebble.Reader, key string) ([][]byte, error) {
	head, tail, err := listMeta(r, key)
	if err != nil {
		return nil, err
	}
	if head == tail {
		return [][]byte{}, nil
	}

	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(key, head),
		UpperBound: entryKey(key, tail),
	})
	if err != nil {
		return nil, fmt.Errorf("creating iterator: %v", err)
	}
	defer iter.Close()

	values := make([][]byte, 0, tail-head)
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("getting value from iter: %v", err)
		}
		out := make([]byte, len(value))
		copy(out, value)
		values = append(values, out)
	}

	return values, nil
}

func entryKey(key string, seq uint64) []byte {
	k := append([]byte(key), listSeparator)
	return binary.BigEndian.AppendUint64(k, seq)
}

func encodeMeta(head, tail uint64) []byte {
	var value []byte
	value = binary.BigEndian.AppendUint64(value, head)
	value = binary.BigEndian.AppendUint64(value, tail)
	return value
}
