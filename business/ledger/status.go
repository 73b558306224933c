package ledger

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nocturne-xyz/bundler/entities"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	pkgerrors "github.com/pkg/errors"
)

var ErrIllegalTransition = errors.New("illegal status transition")

func GetStatus(r store.Reader, digest common.Hash) (entities.OperationStatus, error) {
	value, err := r.Get(statusKey(digest))
	if errors.Is(err, store.ErrNotFound) {
		return "", entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return "", pkgerrors.Wrapf(err, "getting status of [%s]", digest.Hex())
	}
	return entities.OperationStatus(value), nil
}

// TransitionStatus moves an operation to next. An operation without a status can only become ADMITTED.
func TransitionStatus(txn store.Txn, digest common.Hash, next entities.OperationStatus) error {
	current, err := GetStatus(txn, digest)
	switch {
	case errors.Is(err, entities.ErrStoreEntityNotFound):
		if next != entities.StatusAdmitted {
			return pkgerrors.Wrapf(ErrIllegalTransition, "[%s] has no status, cannot become %s", digest.Hex(), next)
		}
	case err != nil:
		return err
	case !current.CanTransitionTo(next):
		return pkgerrors.Wrapf(ErrIllegalTransition, "[%s] %s -> %s", digest.Hex(), current, next)
	}

	txn.Set(statusKey(digest), []byte(next))
	return nil
}

func PutOperation(txn store.Txn, digest common.Hash, op entities.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return pkgerrors.Wrap(err, "marshalling operation")
	}
	txn.Set(operationKey(digest), data)
	return nil
}

func GetOperation(r store.Reader, digest common.Hash) (entities.Operation, error) {
	value, err := r.Get(operationKey(digest))
	if errors.Is(err, store.ErrNotFound) {
		return entities.Operation{}, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return entities.Operation{}, pkgerrors.Wrapf(err, "getting operation [%s]", digest.Hex())
	}

	var op entities.Operation
	if err := json.Unmarshal(value, &op); err != nil {
		return entities.Operation{}, pkgerrors.Wrapf(err, "unmarshalling operation [%s]", digest.Hex())
	}
	return op, nil
}
