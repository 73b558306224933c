// Package store defines the atomic-group primitive every multi-key mutation of the bundler goes through.
//
// A group reads committed state and records writes; the writes are applied all at once when the group
// function returns nil, and discarded when it returns an error. Backends may run the group function more
// than once when a concurrent writer touched a key the group read, so group functions must not have side
// effects outside the Txn. Reads inside a group do not observe the group's own pending writes.
package store

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("store resource not found")

var ErrTxnConflict = errors.New("transaction aborted after repeated conflicts")

type Reader interface {
	Get(key string) ([]byte, error)
	ListRange(key string) ([][]byte, error)
}

type Txn interface {
	Reader
	Set(key string, value []byte)
	Delete(key string)
	ListAppend(key string, values ...[]byte)
	ListTrimFront(key string, n int)
}

type Store interface {
	Update(ctx context.Context, fn func(txn Txn) error) error
	View(ctx context.Context, fn func(r Reader) error) error
	Close() error
}

type WriteKind int

const (
	OpSet WriteKind = iota
	OpDelete
	OpListAppend
	OpListTrimFront
)

type Write struct {
	Kind   WriteKind
	Key    string
	Value  []byte
	Values [][]byte
	N      int
}

// WriteSet records the writes of a group in order. Backends embed it in their Txn.
type WriteSet struct {
	writes []Write
}

func (ws *WriteSet) Set(key string, value []byte) {
	ws.writes = append(ws.writes, Write{Kind: OpSet, Key: key, Value: value})
}

func (ws *WriteSet) Delete(key string) {
	ws.writes = append(ws.writes, Write{Kind: OpDelete, Key: key})
}

func (ws *WriteSet) ListAppend(key string, values ...[]byte) {
	if len(values) == 0 {
		return
	}
	ws.writes = append(ws.writes, Write{Kind: OpListAppend, Key: key, Values: values})
}

func (ws *WriteSet) ListTrimFront(key string, n int) {
	if n <= 0 {
		return
	}
	ws.writes = append(ws.writes, Write{Kind: OpListTrimFront, Key: key, N: n})
}

func (ws *WriteSet) Writes() []Write {
	return ws.writes
}

func (ws *WriteSet) Reset() {
	ws.writes = nil
}
