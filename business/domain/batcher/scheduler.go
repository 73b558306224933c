package batcher

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nocturne-xyz/bundler/business/ledger"
	"github.com/nocturne-xyz/bundler/entities"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	"github.com/nocturne-xyz/bundler/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type JobPublisher interface {
	PublishJobs(ctx context.Context, jobs []entities.BatchJob) error
}

type Scheduler struct {
	store     store.Store
	publisher JobPublisher
	clock     clockwork.Clock
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
}

func NewScheduler(s store.Store, publisher JobPublisher, clock clockwork.Clock, config Config, m *metrics.Metrics, logger *zap.SugaredLogger) *Scheduler {
	if len(config.StagingOrder) == 0 {
		config.StagingOrder = DefaultStagingOrder
	}
	return &Scheduler{
		store:     s,
		publisher: publisher,
		clock:     clock,
		config:    config,
		metrics:   m,
		logger:    logger,
	}
}

// Start polls the tier buffers every poll interval until the context is cancelled. Errors of a single
// tick are logged and the next tick tries again.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Errorw("Batch formation failed", "error", err)
			}
			if _, err := s.RelayOutbox(ctx); err != nil {
				s.logger.Errorw("Relaying jobs failed", "error", err)
			}
		}
	}
}

// stage is the outcome of evaluating the tier triggers against one set of snapshots.
type stage struct {
	snapshots map[entities.Tier]ledger.Snapshot
	staged    map[entities.Tier]bool
	count     int
}

// Tick forms at most one batch. The status updates, buffer drains and the outbox write of the job
// happen in one atomic group. Returns nil when nothing was staged.
func (s *Scheduler) Tick(ctx context.Context) (*entities.BatchJob, error) {
	var job *entities.BatchJob
	var slowest entities.Tier
	var duplicate bool

	err := s.store.Update(ctx, func(txn store.Txn) error {
		job = nil
		now := s.clock.Now().UTC()

		st, err := s.evaluate(txn, now)
		if err != nil {
			return err
		}
		if st.count == 0 {
			return nil
		}

		ops := make([]entities.Operation, 0, st.count)
		for _, tier := range s.config.StagingOrder {
			if !st.staged[tier] {
				continue
			}
			for _, entry := range st.snapshots[tier].Entries {
				if err := ledger.TransitionStatus(txn, entry.Digest, entities.StatusInBatch); err != nil {
					return errors.Wrapf(err, "staging operation from %s tier", tier)
				}
				ops = append(ops, entry.Operation)
			}
			ledger.NewTierBuffer(tier).Drain(txn, st.snapshots[tier], st.snapshots[tier].Len())
		}
		slowest = slowestStaged(st.staged)

		batch := entities.NewBatchJob(ops, now)
		enqueued, err := ledger.EnqueueJob(txn, batch)
		if err != nil {
			return err
		}
		duplicate = !enqueued
		job = &batch
		return nil
	})
	if err != nil {
		return nil, entities.NewPersistenceError(err, "forming batch")
	}
	if job == nil {
		return nil, nil
	}
	if duplicate {
		s.logger.Warnw("Batch already enqueued", "job", job.Key)
	}

	s.metrics.ObserveBatch(string(slowest), len(job.Operations))
	s.logger.Infow("Formed batch", "job", job.Key, "operations", len(job.Operations), "tier", slowest)
	return job, nil
}

func (s *Scheduler) evaluate(r store.Reader, now time.Time) (stage, error) {
	st := stage{
		snapshots: make(map[entities.Tier]ledger.Snapshot, len(entities.Tiers)),
		staged:    make(map[entities.Tier]bool, len(entities.Tiers)),
	}
	for _, tier := range entities.Tiers {
		snapshot, err := ledger.NewTierBuffer(tier).Snapshot(r)
		if err != nil {
			return stage{}, err
		}
		st.snapshots[tier] = snapshot
		s.metrics.SetBuffered(string(tier), snapshot.Len())
	}

	fast := st.snapshots[entities.TierFast]
	medium := st.snapshots[entities.TierMedium]
	slow := st.snapshots[entities.TierSlow]

	// triggers are always evaluated slowest first: a triggered slower tier counts towards the
	// size threshold of the faster ones.
	if slow.Len() > 0 && (fast.Len()+medium.Len()+slow.Len() >= s.config.SlowSize || slow.Age(now) >= s.config.SlowLatency) {
		st.staged[entities.TierSlow] = true
		st.count += slow.Len()
	}
	if medium.Len() > 0 && (st.count+medium.Len()+fast.Len() >= s.config.MediumSize || medium.Age(now) >= s.config.MediumLatency) {
		st.staged[entities.TierMedium] = true
		st.count += medium.Len()
	}
	if fast.Len() > 0 {
		st.staged[entities.TierFast] = true
		st.count += fast.Len()
	}

	return st, nil
}

func slowestStaged(staged map[entities.Tier]bool) entities.Tier {
	for _, tier := range []entities.Tier{entities.TierSlow, entities.TierMedium, entities.TierFast} {
		if staged[tier] {
			return tier
		}
	}
	return ""
}

// RelayOutbox publishes every job waiting in the outbox and trims the relayed jobs afterwards. A crash
// between publishing and trimming publishes the same jobs again; the submitter ignores duplicates.
func (s *Scheduler) RelayOutbox(ctx context.Context) (int, error) {
	var jobs []entities.BatchJob
	err := s.store.View(ctx, func(r store.Reader) error {
		var err error
		jobs, err = ledger.PendingJobs(r)
		return err
	})
	if err != nil {
		return 0, entities.NewPersistenceError(err, "reading outbox")
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	if err := s.publisher.PublishJobs(ctx, jobs); err != nil {
		return 0, errors.Wrap(err, "publishing jobs")
	}

	err = s.store.Update(ctx, func(txn store.Txn) error {
		ledger.TrimOutbox(txn, len(jobs))
		return nil
	})
	if err != nil {
		return 0, entities.NewPersistenceError(err, "trimming outbox")
	}

	s.metrics.AddRelayedJobs(len(jobs))
	for _, job := range jobs {
		s.logger.Infow("Relayed job", "job", job.Key, "operations", len(job.Operations))
	}
	return len(jobs), nil
}
