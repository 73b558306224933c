package admission

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/nocturne-xyz/bundler/business/ledger"
	"github.com/nocturne-xyz/bundler/entities"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	"github.com/nocturne-xyz/bundler/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Simulator interface {
	Simulate(ctx context.Context, op entities.Operation) (entities.SimulationResult, error)
}

type GasPriceOracle interface {
	GasPriceFloor(ctx context.Context) (*big.Int, error)
}

type Config struct {
	IgnoreGasPrice    bool
	SimulationTimeout time.Duration
}

type Validator struct {
	store     store.Store
	simulator Simulator
	gasOracle GasPriceOracle
	validate  *validator.Validate
	clock     clockwork.Clock
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
}

func NewValidator(s store.Store, simulator Simulator, gasOracle GasPriceOracle, clock clockwork.Clock, config Config, m *metrics.Metrics, logger *zap.SugaredLogger) *Validator {
	return &Validator{
		store:     s,
		simulator: simulator,
		gasOracle: gasOracle,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		clock:     clock,
		config:    config,
		metrics:   m,
		logger:    logger,
	}
}

// Admit screens the operation and, when it passes, reserves its nullifiers, marks it ADMITTED and
// appends it to the fast tier in one atomic group. Nothing is persisted for a rejected operation.
func (v *Validator) Admit(ctx context.Context, op entities.Operation) (common.Hash, error) {
	digest, err := v.admit(ctx, op)
	if err != nil {
		kind := entities.KindOf(err)
		v.metrics.IncRejected(string(kind))
		if kind.Rejected() {
			v.logger.Infow("Rejected operation", "digest", digest.Hex(), "kind", kind, "reason", entities.ReasonOf(err))
		} else {
			v.logger.Errorw("Failed to admit operation", "digest", digest.Hex(), "error", err)
		}
		return digest, err
	}

	v.metrics.IncAdmitted()
	v.logger.Infow("Admitted operation", "digest", digest.Hex(), "nullifiers", len(op.Nullifiers))
	return digest, nil
}

func (v *Validator) admit(ctx context.Context, op entities.Operation) (common.Hash, error) {
	if err := v.checkStructure(op); err != nil {
		return common.Hash{}, err
	}

	op = op.Canonicalize()
	digest := op.Digest()

	if n, dup := op.DuplicateNullifier(); dup {
		return digest, entities.NewConflictError("nullifier [%s] appears more than once", n)
	}

	err := v.store.View(ctx, func(r store.Reader) error {
		status, err := ledger.GetStatus(r, digest)
		if err == nil {
			return entities.NewConflictError("operation [%s] already %s", digest.Hex(), status)
		}
		if !errors.Is(err, entities.ErrStoreEntityNotFound) {
			return entities.NewPersistenceError(err, "checking operation status")
		}

		n, held, err := ledger.FirstReserved(r, op.Nullifiers)
		if err != nil {
			return entities.NewPersistenceError(err, "checking nullifiers")
		}
		if held {
			return entities.NewConflictError("nullifier [%s] already reserved", n)
		}
		return nil
	})
	if err != nil {
		return digest, err
	}

	if err := v.checkGasPrice(ctx, op); err != nil {
		return digest, err
	}

	if err := v.simulate(ctx, op); err != nil {
		return digest, err
	}

	entry := entities.BufferedOperation{
		Digest:     digest,
		Operation:  op,
		EnqueuedAt: v.clock.Now().UTC(),
	}
	err = v.store.Update(ctx, func(txn store.Txn) error {
		if err := ledger.ReserveNullifiers(txn, digest, op.Nullifiers); err != nil {
			return err
		}
		if err := ledger.TransitionStatus(txn, digest, entities.StatusAdmitted); err != nil {
			return err
		}
		if err := ledger.PutOperation(txn, digest, op); err != nil {
			return err
		}
		return ledger.NewTierBuffer(entities.TierFast).Append(txn, entry)
	})
	if err != nil {
		var typed *entities.Error
		if errors.As(err, &typed) {
			return digest, err
		}
		return digest, entities.NewPersistenceError(err, "persisting admitted operation")
	}

	return digest, nil
}

func (v *Validator) checkStructure(op entities.Operation) error {
	if err := v.validate.Struct(op); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			fe := fieldErrors[0]
			return entities.NewValidationError("field [%s] failed check [%s]", fe.Field(), fe.Tag())
		}
		return entities.NewValidationError("invalid operation: %v", err)
	}

	if op.GasPriceInt().Sign() <= 0 {
		return entities.NewValidationError("gas price must be positive")
	}

	now := v.clock.Now().Unix()
	if int64(op.Deadline) <= now {
		return entities.NewValidationError("deadline [%d] has passed", op.Deadline)
	}

	return nil
}

func (v *Validator) checkGasPrice(ctx context.Context, op entities.Operation) error {
	if v.config.IgnoreGasPrice {
		return nil
	}

	floor, err := v.gasOracle.GasPriceFloor(ctx)
	if err != nil {
		return entities.NewChainError(err, "fetching gas price")
	}
	if op.GasPriceInt().Cmp(floor) < 0 {
		return entities.NewEconomicError("gas price [%s] below floor [%s]", op.GasPriceInt(), floor)
	}
	return nil
}

func (v *Validator) simulate(ctx context.Context, op entities.Operation) error {
	if v.config.SimulationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.config.SimulationTimeout)
		defer cancel()
	}

	result, err := v.simulator.Simulate(ctx, op)
	if err != nil {
		if entities.KindOf(err) == entities.KindSimulation {
			return err
		}
		return entities.NewChainError(err, "simulating operation")
	}
	if !result.AssetsUnwrapped {
		return entities.NewSimulationError("operation would fail processing: %s", result.FailureReason)
	}
	if !result.OpProcessed {
		return entities.NewSimulationError("operation would fail execution: %s", result.FailureReason)
	}
	return nil
}
