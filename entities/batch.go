package entities

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Tier string

const (
	TierFast   Tier = "fast"
	TierMedium Tier = "medium"
	TierSlow   Tier = "slow"
)

var Tiers = []Tier{TierFast, TierMedium, TierSlow}

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFast:
		return TierFast, nil
	case TierMedium:
		return TierMedium, nil
	case TierSlow:
		return TierSlow, nil
	}
	return "", fmt.Errorf("unknown tier [%s]", s)
}

type BufferedOperation struct {
	Digest     common.Hash `json:"digest"`
	Operation  Operation   `json:"operation"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

type BatchJob struct {
	Key        string      `json:"key"`
	Operations []Operation `json:"operations"`
	CreatedAt  time.Time   `json:"createdAt"`
}

func NewBatchJob(operations []Operation, createdAt time.Time) BatchJob {
	return BatchJob{
		Key:        BatchKey(operations),
		Operations: operations,
		CreatedAt:  createdAt,
	}
}

// BatchKey is the keccak hash of the ordered operation digests.
func BatchKey(operations []Operation) string {
	data := make([]byte, 0, len(operations)*common.HashLength)
	for _, op := range operations {
		data = append(data, op.Digest().Bytes()...)
	}
	return crypto.Keccak256Hash(data).Hex()
}

func (j BatchJob) Digests() []common.Hash {
	digests := make([]common.Hash, 0, len(j.Operations))
	for _, op := range j.Operations {
		digests = append(digests, op.Digest())
	}
	return digests
}

// GasLimit is the sum of the declared gas bounds of all operations, saturating at math.MaxUint64.
func (j BatchJob) GasLimit() uint64 {
	var total uint64
	for _, op := range j.Operations {
		sum, carry := bits.Add64(total, op.GasLimit, 0)
		if carry != 0 {
			return math.MaxUint64
		}
		total = sum
	}
	return total
}

type JobState string

const (
	JobStateInFlight JobState = "in_flight"
	JobStateDone     JobState = "done"
)

// StatusTransition records an operation reaching a status, for the audit index.
type StatusTransition struct {
	Digest     common.Hash     `json:"digest"`
	Status     OperationStatus `json:"status"`
	JobKey     string          `json:"jobKey"`
	TxHash     string          `json:"txHash,omitempty"`
	Nullifiers []Nullifier     `json:"nullifiers"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
