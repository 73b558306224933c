package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/nocturne-xyz/bundler/entities"
)

// Client indexes operation status transitions. The document id is the operation digest, so the index
// holds the latest known status of every operation.
type Client struct {
	index    string
	esClient *elasticsearch.Client
}

func NewClient(addresses []string, username, password, index string, timeout time.Duration) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: timeout,
		},
	}

	esClient, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %v", err)
	}

	return &Client{
		index:    index,
		esClient: esClient,
	}, nil
}

type operationDocument struct {
	Digest     string   `json:"digest"`
	Status     string   `json:"status"`
	JobKey     string   `json:"jobKey"`
	TxHash     string   `json:"txHash,omitempty"`
	Nullifiers []string `json:"nullifiers"`
	Reason     string   `json:"reason,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (es *Client) IndexTransitions(ctx context.Context, transitions []entities.StatusTransition) error {
	var buf bytes.Buffer

	for _, transition := range transitions {
		// Metadata line for each document
		meta := []byte(fmt.Sprintf(`{ "index": { "_index": "%s", "_id": "%s" } }%s`, es.index, transition.Digest.Hex(), "\n"))
		buf.Write(meta)

		data, err := json.Marshal(toDocument(transition))
		if err != nil {
			return fmt.Errorf("error serializing status transition: %w", err)
		}
		buf.Write(data)
		buf.Write([]byte("\n"))
	}

	res, err := es.esClient.Bulk(bytes.NewReader(buf.Bytes()), es.esClient.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk request error: %s", res.String())
	}

	var response bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return fmt.Errorf("decoding bulk response: %w", err)
	}
	if response.Errors {
		for _, item := range response.Items {
			for _, result := range item {
				if result.Error.Type != "" {
					return fmt.Errorf("bulk item error: %s: %s", result.Error.Type, result.Error.Reason)
				}
			}
		}
		return fmt.Errorf("bulk request reported item errors")
	}

	return nil
}

func toDocument(transition entities.StatusTransition) operationDocument {
	nullifiers := make([]string, 0, len(transition.Nullifiers))
	for _, n := range transition.Nullifiers {
		nullifiers = append(nullifiers, string(n))
	}
	return operationDocument{
		Digest:     transition.Digest.Hex(),
		Status:     string(transition.Status),
		JobKey:     transition.JobKey,
		TxHash:     transition.TxHash,
		Nullifiers: nullifiers,
		Reason:     transition.Reason,
		Timestamp:  transition.Timestamp.UnixMilli(),
	}
}
