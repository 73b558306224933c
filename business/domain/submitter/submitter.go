package submitter

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/nocturne-xyz/bundler/business/ledger"
	"github.com/nocturne-xyz/bundler/entities"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	"github.com/nocturne-xyz/bundler/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type JobSource interface {
	PollJobs(ctx context.Context) ([]entities.BatchJob, error)
	Commit(ctx context.Context) error
	AllowRebalance()
}

type Chain interface {
	SubmitBundle(ctx context.Context, job entities.BatchJob) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	DecodeOperationResults(receipt *types.Receipt) ([]entities.OperationResult, error)
}

type AuditIndexer interface {
	IndexTransitions(ctx context.Context, transitions []entities.StatusTransition) error
}

type Config struct {
	SubmissionAttempts int
	RetryDelay         time.Duration
	PollDelay          time.Duration
}

func (c *Config) Validate() error {
	if c.SubmissionAttempts <= 0 {
		return fmt.Errorf("submission attempts must be positive, got %d", c.SubmissionAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay)
	}
	if c.PollDelay < 0 {
		return fmt.Errorf("poll delay must not be negative, got %s", c.PollDelay)
	}
	return nil
}

// Submitter is the single sequential worker turning batch jobs into bundle transactions.
type Submitter struct {
	store   store.Store
	jobs    JobSource
	chain   Chain
	audit   AuditIndexer
	clock   clockwork.Clock
	config  Config
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

func NewSubmitter(s store.Store, jobs JobSource, chain Chain, audit AuditIndexer, clock clockwork.Clock, config Config, m *metrics.Metrics, logger *zap.SugaredLogger) *Submitter {
	if config.SubmissionAttempts <= 0 {
		config.SubmissionAttempts = 1
	}
	return &Submitter{
		store:   s,
		jobs:    jobs,
		chain:   chain,
		audit:   audit,
		clock:   clock,
		config:  config,
		metrics: m,
		logger:  logger,
	}
}

// Start consumes jobs until the context is cancelled. A persistence failure stops the worker without
// committing the polled jobs, so they are delivered again after a restart.
func (s *Submitter) Start(ctx context.Context) error {
	for {
		count, err := s.consumeBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Errorw("Error consuming jobs", "error", err)
			return errors.Wrap(err, "consuming jobs")
		}
		if count > 0 {
			s.logger.Infow("Processed jobs", "count", count)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.config.PollDelay):
		}
	}
}

func (s *Submitter) consumeBatch(ctx context.Context) (int, error) {
	defer s.jobs.AllowRebalance()
	jobs, err := s.jobs.PollJobs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "poll jobs")
	}

	for _, job := range jobs {
		err := s.ProcessJob(ctx, job)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// offsets stay uncommitted, finished jobs are skipped on redelivery
			return 0, errors.Wrapf(ctxErr, "interrupted at job [%s]", job.Key)
		}
		if err == nil {
			continue
		}
		if entities.KindOf(err) == entities.KindPersistence {
			return 0, errors.Wrapf(err, "processing job [%s]", job.Key)
		}
		s.logger.Errorw("Job failed", "job", job.Key, "kind", entities.KindOf(err), "error", err)
	}

	err = s.jobs.Commit(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "committing jobs")
	}
	return len(jobs), nil
}

// ProcessJob submits the batch as one transaction and reconciles the outcome of every operation.
// A job seen before is not submitted again. Once the operations are IN_FLIGHT the job is carried to
// a decision even when ctx is cancelled: the store writes of the revert and reconcile steps do not
// observe cancellation.
func (s *Submitter) ProcessJob(ctx context.Context, job entities.BatchJob) error {
	var state entities.JobState
	var seen bool
	err := s.store.View(ctx, func(r store.Reader) error {
		var err error
		state, seen, err = ledger.GetJobState(r, job.Key)
		return err
	})
	if err != nil {
		return entities.NewPersistenceError(err, "reading job state")
	}
	if seen {
		switch state {
		case entities.JobStateDone:
			s.logger.Infow("Skipping processed job", "job", job.Key)
		default:
			s.logger.Warnw("Job was interrupted while in flight, leaving it for manual intervention", "job", job.Key, "state", state)
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "job not started")
	}

	digests := job.Digests()
	err = s.store.Update(ctx, func(txn store.Txn) error {
		for _, digest := range digests {
			if err := ledger.TransitionStatus(txn, digest, entities.StatusInFlight); err != nil {
				return err
			}
		}
		ledger.SetJobState(txn, job.Key, entities.JobStateInFlight)
		return nil
	})
	if err != nil {
		return entities.NewPersistenceError(err, "marking operations in flight")
	}

	decisionCtx := context.WithoutCancel(ctx)

	txHash, err := s.broadcast(ctx, job)
	if err != nil {
		return s.revertWith(decisionCtx, job, err)
	}

	// the transaction may still be mined, so the operations keep their nullifiers
	receipt, err := s.chain.WaitForReceipt(ctx, txHash)
	if err != nil {
		return entities.NewChainError(err, "waiting for receipt of "+txHash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return s.revertWith(decisionCtx, job, entities.NewSubmissionError(errors.New("bundle transaction reverted"), "transaction "+txHash.Hex()))
	}

	return s.reconcile(decisionCtx, job, receipt)
}

func (s *Submitter) broadcast(ctx context.Context, job entities.BatchJob) (common.Hash, error) {
	var err error
	for attempt := 1; attempt <= s.config.SubmissionAttempts; attempt++ {
		s.metrics.IncSubmissionAttempts()
		var txHash common.Hash
		txHash, err = s.chain.SubmitBundle(ctx, job)
		if err == nil {
			s.logger.Infow("Submitted bundle", "job", job.Key, "tx_hash", txHash.Hex(), "operations", len(job.Operations), "gas_limit", job.GasLimit())
			return txHash, nil
		}
		s.logger.Warnw("Bundle submission failed", "job", job.Key, "attempt", attempt, "error", err)
		if attempt == s.config.SubmissionAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return common.Hash{}, entities.NewSubmissionError(ctx.Err(), "submission interrupted")
		case <-s.clock.After(s.config.RetryDelay):
		}
	}

	return common.Hash{}, entities.NewSubmissionError(err, fmt.Sprintf("submission failed after %d attempts", s.config.SubmissionAttempts))
}

// revertWith reverts the job and returns the submission failure that caused it.
func (s *Submitter) revertWith(ctx context.Context, job entities.BatchJob, cause error) error {
	if err := s.revert(ctx, job, cause); err != nil {
		return err
	}
	return cause
}

// revert marks every operation of the job BUNDLE_REVERTED and frees their nullifiers.
func (s *Submitter) revert(ctx context.Context, job entities.BatchJob, cause error) error {
	err := s.store.Update(ctx, func(txn store.Txn) error {
		for _, op := range job.Operations {
			digest := op.Digest()
			if err := ledger.TransitionStatus(txn, digest, entities.StatusBundleReverted); err != nil {
				return err
			}
			if err := ledger.ReleaseNullifiers(txn, digest, op.Nullifiers); err != nil {
				return err
			}
		}
		ledger.SetJobState(txn, job.Key, entities.JobStateDone)
		return nil
	})
	if err != nil {
		return entities.NewPersistenceError(err, "reverting bundle")
	}

	now := s.clock.Now().UTC()
	transitions := make([]entities.StatusTransition, 0, len(job.Operations))
	for _, op := range job.Operations {
		transitions = append(transitions, entities.StatusTransition{
			Digest:     op.Digest(),
			Status:     entities.StatusBundleReverted,
			JobKey:     job.Key,
			Nullifiers: op.Nullifiers,
			Reason:     entities.ReasonOf(cause),
			Timestamp:  now,
		})
		s.metrics.IncOutcome(string(entities.StatusBundleReverted))
	}
	s.logger.Warnw("Bundle reverted", "job", job.Key, "operations", len(job.Operations), "error", cause)
	s.index(ctx, transitions)
	return nil
}

func (s *Submitter) reconcile(ctx context.Context, job entities.BatchJob, receipt *types.Receipt) error {
	results, err := s.chain.DecodeOperationResults(receipt)
	if err != nil {
		return entities.NewChainError(err, "decoding operation results")
	}

	byDigest := make(map[common.Hash]entities.OperationResult, len(results))
	for _, result := range results {
		byDigest[result.Digest] = result
	}

	now := s.clock.Now().UTC()
	transitions := make([]entities.StatusTransition, 0, len(job.Operations))
	for _, op := range job.Operations {
		digest := op.Digest()
		result, ok := byDigest[digest]
		if !ok {
			return entities.NewChainError(fmt.Errorf("no processed event for operation [%s]", digest.Hex()), "decoding operation results")
		}
		transitions = append(transitions, entities.StatusTransition{
			Digest:     digest,
			Status:     entities.StatusFromOutcome(result.AssetsUnwrapped, result.OpProcessed),
			JobKey:     job.Key,
			TxHash:     receipt.TxHash.Hex(),
			Nullifiers: op.Nullifiers,
			Reason:     result.FailureReason,
			Timestamp:  now,
		})
	}

	err = s.store.Update(ctx, func(txn store.Txn) error {
		for _, transition := range transitions {
			if err := ledger.TransitionStatus(txn, transition.Digest, transition.Status); err != nil {
				return err
			}
			if transition.Status.ReleasesNullifiers() {
				if err := ledger.ReleaseNullifiers(txn, transition.Digest, transition.Nullifiers); err != nil {
					return err
				}
			}
		}
		ledger.SetJobState(txn, job.Key, entities.JobStateDone)
		return nil
	})
	if err != nil {
		return entities.NewPersistenceError(err, "persisting bundle outcome")
	}

	for _, transition := range transitions {
		s.metrics.IncOutcome(string(transition.Status))
	}
	s.logger.Infow("Bundle confirmed", "job", job.Key, "tx_hash", receipt.TxHash.Hex(), "block", receipt.BlockNumber, "operations", len(transitions))
	s.index(ctx, transitions)
	return nil
}

// index is best effort: the ledger is the source of truth.
func (s *Submitter) index(ctx context.Context, transitions []entities.StatusTransition) {
	if s.audit == nil || len(transitions) == 0 {
		return
	}
	if err := s.audit.IndexTransitions(ctx, transitions); err != nil {
		s.logger.Warnw("Indexing status transitions failed", "count", len(transitions), "error", err)
	}
}
