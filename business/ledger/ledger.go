// Package ledger holds the persisted state shared by the admission servers, the batch scheduler and
// the submitter: operation statuses, nullifier reservations, the tier buffers and the job outbox.
// Mutations take a store.Txn so callers compose them into one atomic group.
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nocturne-xyz/bundler/entities"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
)

// Ledger answers read-only queries against the committed state.
type Ledger struct {
	store store.Store
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

func (l *Ledger) OperationStatus(ctx context.Context, digest common.Hash) (entities.OperationStatus, error) {
	var status entities.OperationStatus
	err := l.store.View(ctx, func(r store.Reader) error {
		var err error
		status, err = GetStatus(r, digest)
		return err
	})
	return status, err
}

func (l *Ledger) NullifierExists(ctx context.Context, n entities.Nullifier) (bool, error) {
	var held bool
	err := l.store.View(ctx, func(r store.Reader) error {
		var err error
		_, held, err = NullifierHolder(r, n)
		return err
	})
	return held, err
}

func (l *Ledger) Operation(ctx context.Context, digest common.Hash) (entities.Operation, error) {
	var op entities.Operation
	err := l.store.View(ctx, func(r store.Reader) error {
		var err error
		op, err = GetOperation(r, digest)
		return err
	})
	return op, err
}

func (l *Ledger) BufferSnapshot(ctx context.Context, tier entities.Tier) (Snapshot, error) {
	var snapshot Snapshot
	err := l.store.View(ctx, func(r store.Reader) error {
		var err error
		snapshot, err = NewTierBuffer(tier).Snapshot(r)
		return err
	})
	return snapshot, err
}
