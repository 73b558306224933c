package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nocturne-xyz/bundler/entities"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Client publishes batch jobs. The record key is the job key, so a re-published job lands in the same
// partition as its first copy.
type Client struct {
	kcl KafkaClient
}

func NewClient(kafkaClient KafkaClient) *Client {
	return &Client{
		kcl: kafkaClient,
	}
}

func (kc *Client) PublishJobs(ctx context.Context, jobs []entities.BatchJob) error {
	var records []*kgo.Record

	for _, job := range jobs {
		record, err := createJobRecord(job)
		if err != nil {
			return fmt.Errorf("creating kafka record for job [%s]: %w", job.Key, err)
		}
		records = append(records, record)
	}

	results := kc.kcl.ProduceSync(ctx, records...)
	err := results.FirstErr()
	if err != nil {
		return fmt.Errorf("kafka error: %w", err)
	}

	return nil
}

func createJobRecord(job entities.BatchJob) (*kgo.Record, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshalling job to json: %w", err)
	}

	return &kgo.Record{
		Key:   []byte(job.Key),
		Value: payload,
	}, nil
}
