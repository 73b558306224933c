// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/nocturne-xyz/bundler/infrastructure/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAbort = errors.New("abort")

func RunAll(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("SetGetDelete", func(t *testing.T) { testSetGetDelete(t, newStore(t)) })
	t.Run("AbortedGroupWritesNothing", func(t *testing.T) { testAbortedGroup(t, newStore(t)) })
	t.Run("ListAppendAndTrim", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("ReadsDoNotSeePendingWrites", func(t *testing.T) { testPendingWritesInvisible(t, newStore(t)) })
	t.Run("ListsAndKeysAreIndependent", func(t *testing.T) { testListAndKeyNamespaces(t, newStore(t)) })
}

func testSetGetDelete(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.View(ctx, func(r store.Reader) error {
		_, err := r.Get("missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	err = s.Update(ctx, func(txn store.Txn) error {
		txn.Set("a", []byte("1"))
		txn.Set("b", []byte("2"))
		return nil
	})
	require.NoError(t, err)

	err = s.Update(ctx, func(txn store.Txn) error {
		txn.Delete("a")
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(r store.Reader) error {
		_, err := r.Get("a")
		assert.ErrorIs(t, err, store.ErrNotFound)
		value, err := r.Get("b")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), value)
		return nil
	})
	require.NoError(t, err)
}

func testAbortedGroup(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.Update(ctx, func(txn store.Txn) error {
		txn.Set("a", []byte("1"))
		txn.ListAppend("list", []byte("x"))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	err = s.View(ctx, func(r store.Reader) error {
		_, err := r.Get("a")
		assert.ErrorIs(t, err, store.ErrNotFound)
		values, err := r.ListRange("list")
		require.NoError(t, err)
		assert.Empty(t, values)
		return nil
	})
	require.NoError(t, err)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.Update(ctx, func(txn store.Txn) error {
		txn.ListAppend("list", []byte("a"), []byte("b"))
		txn.ListAppend("list", []byte("c"))
		return nil
	})
	require.NoError(t, err)

	assertList(t, s, "list", "a", "b", "c")

	err = s.Update(ctx, func(txn store.Txn) error {
		txn.ListTrimFront("list", 2)
		return nil
	})
	require.NoError(t, err)
	assertList(t, s, "list", "c")

	err = s.Update(ctx, func(txn store.Txn) error {
		txn.ListAppend("list", []byte("d"))
		txn.ListTrimFront("list", 5)
		txn.ListAppend("list", []byte("e"))
		return nil
	})
	require.NoError(t, err)
	assertList(t, s, "list", "e")
}

func testPendingWritesInvisible(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.Update(ctx, func(txn store.Txn) error {
		txn.Set("k", []byte("v"))
		_, err := txn.Get("k")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(r store.Reader) error {
		value, err := r.Get("k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), value)
		return nil
	})
	require.NoError(t, err)
}

func testListAndKeyNamespaces(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.Update(ctx, func(txn store.Txn) error {
		txn.ListAppend("buffer:fast", []byte("entry"))
		txn.Set("buffer:fast:watermark", []byte("123"))
		return nil
	})
	require.NoError(t, err)

	assertList(t, s, "buffer:fast", "entry")
	err = s.View(ctx, func(r store.Reader) error {
		value, err := r.Get("buffer:fast:watermark")
		require.NoError(t, err)
		assert.Equal(t, []byte("123"), value)
		return nil
	})
	require.NoError(t, err)
}

func assertList(t *testing.T, s store.Store, key string, expected ...string) {
	t.Helper()
	err := s.View(context.Background(), func(r store.Reader) error {
		values, err := r.ListRange(key)
		if err != nil {
			return err
		}
		got := make([]string, 0, len(values))
		for _, v := range values {
			got = append(got, string(v))
		}
		assert.Equal(t, expected, got)
		return nil
	})
	require.NoError(t, err)
}
