package redisdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/nocturne-xyz/bundler/infrastructure/store"
	"github.com/redis/go-redis/v9"
)

// Store is the shared backend used when admission servers, the batcher and the submitter run as
// separate processes. Groups use optimistic locking: every key read inside a group is WATCHed and
// the recorded writes are applied in one MULTI/EXEC. A group whose watched keys changed is re-run.
type Store struct {
	rdb        *redis.Client
	prefix     string
	maxRetries int
}

func NewStore(rdb *redis.Client, prefix string, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Store{
		rdb:        rdb,
		prefix:     prefix,
		maxRetries: maxRetries,
	}
}

type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

type txn struct {
	store.WriteSet
	ctx    context.Context
	cmd    reader
	watch  func(ctx context.Context, keys ...string) *redis.StatusCmd
	prefix string
}

func (t *txn) key(key string) string {
	return t.prefix + key
}

func (t *txn) Get(key string) ([]byte, error) {
	k := t.key(key)
	if t.watch != nil {
		if err := t.watch(t.ctx, k).Err(); err != nil {
			return nil, fmt.Errorf("watching key [%s]: %w", k, err)
		}
	}

	value, err := t.cmd.Get(t.ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting value for key [%s]: %w", k, err)
	}

	return value, nil
}

func (t *txn) ListRange(key string) ([][]byte, error) {
	k := t.key(key)
	if t.watch != nil {
		if err := t.watch(t.ctx, k).Err(); err != nil {
			return nil, fmt.Errorf("watching key [%s]: %w", k, err)
		}
	}

	values, err := t.cmd.LRange(t.ctx, k, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading list [%s]: %w", k, err)
	}

	out := make([][]byte, 0, len(values))
	for _, v := range values {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (rs *Store) Update(ctx context.Context, fn func(txn store.Txn) error) error {
	for attempt := 0; attempt < rs.maxRetries; attempt++ {
		err := rs.rdb.Watch(ctx, func(tx *redis.Tx) error {
			t := &txn{ctx: ctx, cmd: tx, watch: tx.Watch, prefix: rs.prefix}
			if err := fn(t); err != nil {
				return err
			}
			if len(t.Writes()) == 0 {
				return nil
			}

			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, w := range t.Writes() {
					rs.apply(ctx, pipe, w)
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return store.ErrTxnConflict
}

func (rs *Store) View(ctx context.Context, fn func(r store.Reader) error) error {
	return fn(&txn{ctx: ctx, cmd: rs.rdb, prefix: rs.prefix})
}

func (rs *Store) Close() error {
	return rs.rdb.Close()
}

func (rs *Store) apply(ctx context.Context, pipe redis.Pipeliner, w store.Write) {
	key := rs.prefix + w.Key
	switch w.Kind {
	case store.OpSet:
		pipe.Set(ctx, key, w.Value, 0)
	case store.OpDelete:
		pipe.Del(ctx, key)
	case store.OpListAppend:
		values := make([]interface{}, 0, len(w.Values))
		for _, v := range w.Values {
			values = append(values, v)
		}
		pipe.RPush(ctx, key, values...)
	case store.OpListTrimFront:
		pipe.LTrim(ctx, key, int64(w.N), -1)
	}
}
