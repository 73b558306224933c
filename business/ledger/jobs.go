package ledger

import (
	"encoding/json"
	"errors"

	"github.com/nocturne-xyz/bundler/entities"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	pkgerrors "github.com/pkg/errors"
)

// EnqueueJob records the job and appends its key to the outbox. A job whose key was recorded before
// is not enqueued again and false is returned.
func EnqueueJob(txn store.Txn, job entities.BatchJob) (bool, error) {
	_, err := txn.Get(jobKey(job.Key))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, pkgerrors.Wrapf(err, "checking job [%s]", job.Key)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, pkgerrors.Wrap(err, "marshalling job")
	}
	txn.Set(jobKey(job.Key), data)
	txn.ListAppend(outboxKey, []byte(job.Key))
	return true, nil
}

func GetJob(r store.Reader, key string) (entities.BatchJob, error) {
	value, err := r.Get(jobKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return entities.BatchJob{}, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return entities.BatchJob{}, pkgerrors.Wrapf(err, "getting job [%s]", key)
	}

	var job entities.BatchJob
	if err := json.Unmarshal(value, &job); err != nil {
		return entities.BatchJob{}, pkgerrors.Wrapf(err, "unmarshalling job [%s]", key)
	}
	return job, nil
}

// PendingJobs returns the jobs waiting in the outbox, oldest first.
func PendingJobs(r store.Reader) ([]entities.BatchJob, error) {
	keys, err := r.ListRange(outboxKey)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading outbox")
	}

	jobs := make([]entities.BatchJob, 0, len(keys))
	for _, key := range keys {
		job, err := GetJob(r, string(key))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// TrimOutbox removes the first n relayed jobs from the outbox. The job records stay for deduplication.
func TrimOutbox(txn store.Txn, n int) {
	txn.ListTrimFront(outboxKey, n)
}

func GetJobState(r store.Reader, key string) (entities.JobState, bool, error) {
	value, err := r.Get(jobStateKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerrors.Wrapf(err, "getting state of job [%s]", key)
	}
	return entities.JobState(value), true, nil
}

func SetJobState(txn store.Txn, key string, state entities.JobState) {
	txn.Set(jobStateKey(key), []byte(state))
}
