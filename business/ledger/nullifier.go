package ledger

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nocturne-xyz/bundler/entities"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	pkgerrors "github.com/pkg/errors"
)

// NullifierHolder returns the digest of the operation currently reserving n.
func NullifierHolder(r store.Reader, n entities.Nullifier) (common.Hash, bool, error) {
	value, err := r.Get(nullifierKey(n))
	if errors.Is(err, store.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, pkgerrors.Wrapf(err, "getting nullifier [%s]", n)
	}
	return common.BytesToHash(value), true, nil
}

// FirstReserved returns the first of the nullifiers that is already reserved.
func FirstReserved(r store.Reader, nullifiers []entities.Nullifier) (entities.Nullifier, bool, error) {
	for _, n := range nullifiers {
		_, held, err := NullifierHolder(r, n)
		if err != nil {
			return "", false, err
		}
		if held {
			return n.Canonical(), true, nil
		}
	}
	return "", false, nil
}

// ReserveNullifiers reserves every nullifier for digest, failing with a conflict error naming the
// first nullifier that is already held.
func ReserveNullifiers(txn store.Txn, digest common.Hash, nullifiers []entities.Nullifier) error {
	n, held, err := FirstReserved(txn, nullifiers)
	if err != nil {
		return err
	}
	if held {
		return entities.NewConflictError("nullifier [%s] already reserved", n)
	}

	for _, n := range nullifiers {
		txn.Set(nullifierKey(n), digest.Bytes())
	}
	return nil
}

// ReleaseNullifiers frees the nullifiers still held by digest. Reservations taken over by another
// operation are left alone.
func ReleaseNullifiers(txn store.Txn, digest common.Hash, nullifiers []entities.Nullifier) error {
	for _, n := range nullifiers {
		holder, held, err := NullifierHolder(txn, n)
		if err != nil {
			return err
		}
		if held && holder == digest {
			txn.Delete(nullifierKey(n))
		}
	}
	return nil
}
