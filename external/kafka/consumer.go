package kafka

import (
	"context"
	"encoding/json"

	"github.com/nocturne-xyz/bundler/entities"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type ConsumerClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	AllowRebalance()
}

type Consumer struct {
	kcl        ConsumerClient
	maxRecords int
	logger     *zap.SugaredLogger
}

func NewConsumer(kafkaClient ConsumerClient, maxRecords int, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{
		kcl:        kafkaClient,
		maxRecords: maxRecords,
		logger:     logger,
	}
}

// PollJobs returns the next jobs in partition order. Records that do not decode to a consistent job
// can never be processed and are skipped.
func (c *Consumer) PollJobs(ctx context.Context) ([]entities.BatchJob, error) {
	fetches := c.kcl.PollRecords(ctx, c.maxRecords)
	if errs := fetches.Errors(); len(errs) > 0 {
		// Only non-retryable errors are returned.
		// Errors are typically per partition.
		for _, err := range errs {
			c.logger.Errorw("Fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
		}
		return nil, errors.New("fetching records")
	}

	var jobs []entities.BatchJob
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		job, err := unmarshalJob(record)
		if err != nil {
			c.logger.Errorw("Skipping undecodable job record", "partition", record.Partition, "offset", record.Offset, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// AllowRebalance needs to be called after polling in case option BlockRebalanceOnPoll is set
func (c *Consumer) AllowRebalance() {
	c.kcl.AllowRebalance()
}

func (c *Consumer) Commit(ctx context.Context) error {
	err := c.kcl.CommitUncommittedOffsets(ctx)
	if err != nil {
		return errors.Wrap(err, "committing offsets")
	}
	return nil
}

func unmarshalJob(record *kgo.Record) (entities.BatchJob, error) {
	var job entities.BatchJob
	if err := json.Unmarshal(record.Value, &job); err != nil {
		return entities.BatchJob{}, errors.Wrap(err, "unmarshalling job")
	}
	if len(job.Operations) == 0 {
		return entities.BatchJob{}, errors.Errorf("job [%s] without operations", job.Key)
	}
	if expected := entities.BatchKey(job.Operations); expected != job.Key || expected != string(record.Key) {
		return entities.BatchJob{}, errors.Errorf("job key [%s] does not match its operations [%s]", job.Key, expected)
	}
	return job, nil
}
