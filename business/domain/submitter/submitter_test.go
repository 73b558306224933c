package submitter

import (
	"context"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/nocturne-xyz/bundler/business/domain/batcher"
	"github.com/nocturne-xyz/bundler/business/ledger"
	"github.com/nocturne-xyz/bundler/entities"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	"github.com/nocturne-xyz/bundler/infrastructure/store/pebbledb"
	"github.com/nocturne-xyz/bundler/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type FakeChain struct {
	submitErr   error
	submitCount int
	receipt     *types.Receipt
	receiptErr  error
	results     []entities.OperationResult
	decodeErr   error
	onSubmit    func(job entities.BatchJob)
}

func (f *FakeChain) SubmitBundle(_ context.Context, job entities.BatchJob) (common.Hash, error) {
	f.submitCount++
	if f.onSubmit != nil {
		f.onSubmit(job)
	}
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	return f.receipt.TxHash, nil
}

func (f *FakeChain) WaitForReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

func (f *FakeChain) DecodeOperationResults(_ *types.Receipt) ([]entities.OperationResult, error) {
	return f.results, f.decodeErr
}

type FakeJobSource struct {
	mu                  sync.Mutex
	jobs                []entities.BatchJob
	commitCount         int
	allowRebalanceCount int
}

func (f *FakeJobSource) PollJobs(_ context.Context) ([]entities.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.jobs
	f.jobs = nil
	return jobs, nil
}

func (f *FakeJobSource) Commit(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCount++
	return nil
}

func (f *FakeJobSource) AllowRebalance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowRebalanceCount++
}

type FakeAuditIndexer struct {
	transitions []entities.StatusTransition
}

func (f *FakeAuditIndexer) IndexTransitions(_ context.Context, transitions []entities.StatusTransition) error {
	f.transitions = append(f.transitions, transitions...)
	return nil
}

var m = metrics.NewMetrics("test")

var testConfig = Config{SubmissionAttempts: 3, RetryDelay: time.Millisecond}

func newTestStore(t *testing.T) store.Store {
	tempDir, err := os.MkdirTemp("", "bundler_submitter_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tempDir) })

	s, err := pebbledb.NewStore(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func successReceipt() *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      common.HexToHash("0xfeed"),
		BlockNumber: big.NewInt(42),
	}
}

var nextNullifier uint64

func newOperation() entities.Operation {
	nextNullifier++
	return entities.Operation{
		Payload:    hexutil.Bytes{0x0a},
		Nullifiers: []entities.Nullifier{entities.Nullifier(hexutil.EncodeUint64(nextNullifier)), entities.Nullifier(hexutil.EncodeUint64(nextNullifier + 1_000_000))},
		GasPrice:   (*hexutil.Big)(big.NewInt(1)),
		GasLimit:   200_000,
		Deadline:   4_000_000_000,
	}.Canonicalize()
}

// seedBatch admits the given number of operations and moves them into a batch job.
func seedBatch(t *testing.T, s store.Store, count int) entities.BatchJob {
	ops := make([]entities.Operation, 0, count)
	for n := 0; n < count; n++ {
		op := newOperation()
		ops = append(ops, op)
		err := s.Update(context.Background(), func(txn store.Txn) error {
			if err := ledger.ReserveNullifiers(txn, op.Digest(), op.Nullifiers); err != nil {
				return err
			}
			return ledger.TransitionStatus(txn, op.Digest(), entities.StatusAdmitted)
		})
		require.NoError(t, err)
	}

	job := entities.NewBatchJob(ops, time.Now())
	err := s.Update(context.Background(), func(txn store.Txn) error {
		for _, op := range ops {
			if err := ledger.TransitionStatus(txn, op.Digest(), entities.StatusInBatch); err != nil {
				return err
			}
		}
		_, err := ledger.EnqueueJob(txn, job)
		return err
	})
	require.NoError(t, err)
	return job
}

func statusOf(t *testing.T, s store.Store, op entities.Operation) entities.OperationStatus {
	status, err := ledger.New(s).OperationStatus(context.Background(), op.Digest())
	require.NoError(t, err)
	return status
}

func nullifiersHeld(t *testing.T, s store.Store, op entities.Operation) bool {
	held := true
	for _, n := range op.Nullifiers {
		exists, err := ledger.New(s).NullifierExists(context.Background(), n)
		require.NoError(t, err)
		held = held && exists
	}
	return held
}

func jobState(t *testing.T, s store.Store, key string) entities.JobState {
	var state entities.JobState
	err := s.View(context.Background(), func(r store.Reader) error {
		var err error
		state, _, err = ledger.GetJobState(r, key)
		return err
	})
	require.NoError(t, err)
	return state
}

func newTestSubmitter(s store.Store, source JobSource, chain Chain, audit AuditIndexer) *Submitter {
	return NewSubmitter(s, source, chain, audit, clockwork.NewRealClock(), testConfig, m, zap.NewNop().Sugar())
}

func TestSubmitter_ProcessJob_givenSubmissionFailure_thenBundleRevertedAndNullifiersReleased(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 2)
	chain := &FakeChain{submitErr: errors.New("nonce too low"), receipt: successReceipt()}
	audit := &FakeAuditIndexer{}

	err := newTestSubmitter(s, &FakeJobSource{}, chain, audit).ProcessJob(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, entities.KindSubmission, entities.KindOf(err))
	assert.Equal(t, 3, chain.submitCount)

	for _, op := range job.Operations {
		assert.Equal(t, entities.StatusBundleReverted, statusOf(t, s, op))
		assert.False(t, nullifiersHeld(t, s, op))
	}
	assert.Equal(t, entities.JobStateDone, jobState(t, s, job.Key))
	require.Len(t, audit.transitions, 2)
	assert.Equal(t, entities.StatusBundleReverted, audit.transitions[0].Status)

	// released nullifiers can be reserved again
	err = s.Update(context.Background(), func(txn store.Txn) error {
		return ledger.ReserveNullifiers(txn, common.HexToHash("0x99"), job.Operations[0].Nullifiers)
	})
	assert.NoError(t, err)
}

func TestSubmitter_ProcessJob_givenFailedReceipt_thenBundleReverted(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 1)
	receipt := successReceipt()
	receipt.Status = types.ReceiptStatusFailed
	chain := &FakeChain{receipt: receipt}

	err := newTestSubmitter(s, &FakeJobSource{}, chain, nil).ProcessJob(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, entities.KindSubmission, entities.KindOf(err))
	assert.Equal(t, 1, chain.submitCount)
	assert.Equal(t, entities.StatusBundleReverted, statusOf(t, s, job.Operations[0]))
	assert.False(t, nullifiersHeld(t, s, job.Operations[0]))
}

func TestSubmitter_ProcessJob_givenMixedOutcomes_thenStatusesAndNullifiersReconciled(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 3)
	chain := &FakeChain{
		receipt: successReceipt(),
		results: []entities.OperationResult{
			{Digest: job.Operations[0].Digest(), OpProcessed: true, AssetsUnwrapped: true},
			{Digest: job.Operations[1].Digest(), OpProcessed: false, AssetsUnwrapped: false, FailureReason: "invalid proof"},
			{Digest: job.Operations[2].Digest(), OpProcessed: false, AssetsUnwrapped: true, FailureReason: "out of gas"},
		},
	}
	audit := &FakeAuditIndexer{}

	err := newTestSubmitter(s, &FakeJobSource{}, chain, audit).ProcessJob(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, entities.StatusExecutedSuccess, statusOf(t, s, job.Operations[0]))
	assert.True(t, nullifiersHeld(t, s, job.Operations[0]))

	assert.Equal(t, entities.StatusOperationProcessingFailed, statusOf(t, s, job.Operations[1]))
	assert.False(t, nullifiersHeld(t, s, job.Operations[1]))

	assert.Equal(t, entities.StatusOperationExecutionFailed, statusOf(t, s, job.Operations[2]))
	assert.True(t, nullifiersHeld(t, s, job.Operations[2]))

	assert.Equal(t, entities.JobStateDone, jobState(t, s, job.Key))
	require.Len(t, audit.transitions, 3)
	assert.Equal(t, "invalid proof", audit.transitions[1].Reason)
	assert.Equal(t, successReceipt().TxHash.Hex(), audit.transitions[1].TxHash)
}

func TestSubmitter_ProcessJob_givenSameJobTwice_thenSecondIsNoop(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 1)
	chain := &FakeChain{
		receipt: successReceipt(),
		results: []entities.OperationResult{{Digest: job.Operations[0].Digest(), OpProcessed: true, AssetsUnwrapped: true}},
	}
	submitter := newTestSubmitter(s, &FakeJobSource{}, chain, nil)

	require.NoError(t, submitter.ProcessJob(context.Background(), job))
	require.NoError(t, submitter.ProcessJob(context.Background(), job))
	assert.Equal(t, 1, chain.submitCount)
	assert.Equal(t, entities.StatusExecutedSuccess, statusOf(t, s, job.Operations[0]))
}

func TestSubmitter_ProcessJob_givenUndecodableReceipt_thenOperationsStayInFlight(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 2)
	chain := &FakeChain{receipt: successReceipt(), decodeErr: errors.New("unexpected log layout")}
	submitter := newTestSubmitter(s, &FakeJobSource{}, chain, nil)

	err := submitter.ProcessJob(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, entities.KindChain, entities.KindOf(err))
	for _, op := range job.Operations {
		assert.Equal(t, entities.StatusInFlight, statusOf(t, s, op))
		assert.True(t, nullifiersHeld(t, s, op))
	}
	assert.Equal(t, entities.JobStateInFlight, jobState(t, s, job.Key))

	// a redelivered job is left alone
	require.NoError(t, submitter.ProcessJob(context.Background(), job))
	assert.Equal(t, 1, chain.submitCount)
}

func TestSubmitter_ProcessJob_givenMissingEvent_thenChainError(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 2)
	chain := &FakeChain{
		receipt: successReceipt(),
		results: []entities.OperationResult{{Digest: job.Operations[0].Digest(), OpProcessed: true, AssetsUnwrapped: true}},
	}

	err := newTestSubmitter(s, &FakeJobSource{}, chain, nil).ProcessJob(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, entities.KindChain, entities.KindOf(err))
	assert.Equal(t, entities.StatusInFlight, statusOf(t, s, job.Operations[0]))
}

func TestSubmitter_ProcessJob_givenCancelDuringRetries_thenStillReverted(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain := &FakeChain{submitErr: errors.New("nonce too low"), receipt: successReceipt()}
	chain.onSubmit = func(_ entities.BatchJob) { cancel() }
	submitter := newTestSubmitter(s, &FakeJobSource{}, chain, nil)

	err := submitter.ProcessJob(ctx, job)
	require.Error(t, err)
	assert.Equal(t, entities.KindSubmission, entities.KindOf(err))
	for _, op := range job.Operations {
		assert.Equal(t, entities.StatusBundleReverted, statusOf(t, s, op))
		assert.False(t, nullifiersHeld(t, s, op))
	}
	assert.Equal(t, entities.JobStateDone, jobState(t, s, job.Key))
}

func TestSubmitter_ProcessJob_givenCancelledContext_thenJobUntouched(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 1)
	chain := &FakeChain{receipt: successReceipt()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestSubmitter(s, &FakeJobSource{}, chain, nil).ProcessJob(ctx, job)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, chain.submitCount)
	assert.Equal(t, entities.StatusInBatch, statusOf(t, s, job.Operations[0]))
	assert.Equal(t, entities.JobState(""), jobState(t, s, job.Key))
}

func TestSubmitter_ProcessJob_givenReceiptWaitFails_thenOperationsStayInFlight(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 2)
	chain := &FakeChain{receipt: successReceipt(), receiptErr: errors.New("timeout waiting for receipt")}
	audit := &FakeAuditIndexer{}

	err := newTestSubmitter(s, &FakeJobSource{}, chain, audit).ProcessJob(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, entities.KindChain, entities.KindOf(err))
	assert.Equal(t, 1, chain.submitCount)
	for _, op := range job.Operations {
		assert.Equal(t, entities.StatusInFlight, statusOf(t, s, op))
		assert.True(t, nullifiersHeld(t, s, op))
	}
	assert.Equal(t, entities.JobStateInFlight, jobState(t, s, job.Key))
	assert.Empty(t, audit.transitions)
}

func TestSubmitter_consumeBatch_givenCancelDuringJob_thenNoCommitAndRedeliverySkips(t *testing.T) {
	s := newTestStore(t)
	first := seedBatch(t, s, 1)
	second := seedBatch(t, s, 1)
	source := &FakeJobSource{jobs: []entities.BatchJob{first, second}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain := &FakeChain{submitErr: errors.New("rpc down"), receipt: successReceipt()}
	chain.onSubmit = func(_ entities.BatchJob) { cancel() }
	submitter := newTestSubmitter(s, source, chain, nil)

	_, err := submitter.consumeBatch(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, source.commitCount)
	assert.Equal(t, entities.StatusBundleReverted, statusOf(t, s, first.Operations[0]))
	assert.False(t, nullifiersHeld(t, s, first.Operations[0]))
	assert.Equal(t, entities.StatusInBatch, statusOf(t, s, second.Operations[0]))

	// both jobs are delivered again after the restart
	source.jobs = []entities.BatchJob{first, second}
	chain.submitErr = nil
	chain.onSubmit = nil
	chain.results = []entities.OperationResult{{Digest: second.Operations[0].Digest(), OpProcessed: true, AssetsUnwrapped: true}}
	count, err := submitter.consumeBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, source.commitCount)
	assert.Equal(t, entities.StatusBundleReverted, statusOf(t, s, first.Operations[0]))
	assert.Equal(t, entities.StatusExecutedSuccess, statusOf(t, s, second.Operations[0]))
}

func TestSubmitter_consumeBatch_thenProcessAndCommit(t *testing.T) {
	s := newTestStore(t)
	first := seedBatch(t, s, 1)
	second := seedBatch(t, s, 1)
	source := &FakeJobSource{jobs: []entities.BatchJob{first, second}}
	chain := &FakeChain{submitErr: errors.New("rpc down"), receipt: successReceipt()}

	count, err := newTestSubmitter(s, source, chain, nil).consumeBatch(context.Background())
	require.NoError(t, err, "submission failures do not stop the worker")
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, source.commitCount)
	assert.Equal(t, 1, source.allowRebalanceCount)
	assert.Equal(t, entities.StatusBundleReverted, statusOf(t, s, first.Operations[0]))
	assert.Equal(t, entities.StatusBundleReverted, statusOf(t, s, second.Operations[0]))
}

func TestSubmitter_consumeBatch_givenPersistenceError_thenNoCommit(t *testing.T) {
	s := newTestStore(t)
	// operations of this job were never batched, so they cannot move to IN_FLIGHT
	job := entities.NewBatchJob([]entities.Operation{newOperation()}, time.Now())
	source := &FakeJobSource{jobs: []entities.BatchJob{job}}
	chain := &FakeChain{receipt: successReceipt()}

	_, err := newTestSubmitter(s, source, chain, nil).consumeBatch(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, source.commitCount)
	assert.Equal(t, 1, source.allowRebalanceCount)
	assert.Equal(t, 0, chain.submitCount)
}

func TestPipeline_slowTierBatchMovesThroughStatuses(t *testing.T) {
	s := newTestStore(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))

	var ops []entities.Operation
	for n := 0; n < 6; n++ {
		op := newOperation()
		ops = append(ops, op)
		err := s.Update(context.Background(), func(txn store.Txn) error {
			if err := ledger.ReserveNullifiers(txn, op.Digest(), op.Nullifiers); err != nil {
				return err
			}
			if err := ledger.TransitionStatus(txn, op.Digest(), entities.StatusAdmitted); err != nil {
				return err
			}
			return ledger.NewTierBuffer(entities.TierSlow).Append(txn, entities.BufferedOperation{
				Digest: op.Digest(), Operation: op, EnqueuedAt: clock.Now(),
			})
		})
		require.NoError(t, err)
	}

	config := batcher.Config{PollInterval: time.Second, MediumSize: 4, MediumLatency: 2 * time.Second, SlowSize: 8, SlowLatency: 5 * time.Second}
	scheduler := batcher.NewScheduler(s, &collectingPublisher{}, clock, config, m, zap.NewNop().Sugar())

	job, err := scheduler.Tick(context.Background())
	require.NoError(t, err)
	require.Nil(t, job)

	clock.Advance(6 * time.Second)
	job, err = scheduler.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Len(t, job.Operations, 6)
	for _, op := range ops {
		assert.Equal(t, entities.StatusInBatch, statusOf(t, s, op))
	}

	var results []entities.OperationResult
	for _, op := range ops {
		results = append(results, entities.OperationResult{Digest: op.Digest(), OpProcessed: true, AssetsUnwrapped: true})
	}
	chain := &FakeChain{receipt: successReceipt(), results: results}
	chain.onSubmit = func(submitted entities.BatchJob) {
		for _, op := range submitted.Operations {
			assert.Equal(t, entities.StatusInFlight, statusOf(t, s, op))
		}
	}

	require.NoError(t, newTestSubmitter(s, &FakeJobSource{}, chain, nil).ProcessJob(context.Background(), *job))
	assert.Equal(t, 1, chain.submitCount)
	for _, op := range ops {
		assert.Equal(t, entities.StatusExecutedSuccess, statusOf(t, s, op))
	}
}

type collectingPublisher struct {
	jobs []entities.BatchJob
}

func (c *collectingPublisher) PublishJobs(_ context.Context, jobs []entities.BatchJob) error {
	c.jobs = append(c.jobs, jobs...)
	return nil
}

func TestSubmitter_Start_thenStopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	job := seedBatch(t, s, 1)
	source := &FakeJobSource{jobs: []entities.BatchJob{job}}
	chain := &FakeChain{
		receipt: successReceipt(),
		results: []entities.OperationResult{{Digest: job.Operations[0].Digest(), OpProcessed: true, AssetsUnwrapped: true}},
	}
	config := testConfig
	config.PollDelay = 5 * time.Millisecond
	submitter := NewSubmitter(s, source, chain, nil, clockwork.NewRealClock(), config, m, zap.NewNop().Sugar())
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- submitter.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.commitCount >= 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, entities.StatusExecutedSuccess, statusOf(t, s, job.Operations[0]))
}

func TestConfig_Validate(t *testing.T) {
	valid := testConfig
	assert.NoError(t, valid.Validate())

	invalid := testConfig
	invalid.SubmissionAttempts = 0
	assert.Error(t, invalid.Validate())
}
