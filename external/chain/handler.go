package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/nocturne-xyz/bundler/entities"
)

const handlerABIJSON = `[
  {
    "type": "function",
    "name": "processBundle",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "operations", "type": "bytes[]"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "simulateOperation",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "operation", "type": "bytes"}],
    "outputs": [
      {"name": "opProcessed", "type": "bool"},
      {"name": "assetsUnwrapped", "type": "bool"},
      {"name": "failureReason", "type": "string"}
    ]
  },
  {
    "type": "event",
    "name": "OperationProcessed",
    "anonymous": false,
    "inputs": [
      {"name": "operationDigest", "type": "bytes32", "indexed": true},
      {"name": "opProcessed", "type": "bool", "indexed": false},
      {"name": "assetsUnwrapped", "type": "bool", "indexed": false},
      {"name": "failureReason", "type": "string", "indexed": false}
    ]
  }
]`

const (
	methodProcessBundle     = "processBundle"
	methodSimulateOperation = "simulateOperation"
	eventOperationProcessed = "OperationProcessed"
)

// Handler encodes calls to and decodes events of the on-chain operation handler.
type Handler struct {
	address common.Address
	abi     abi.ABI
}

func NewHandler(address common.Address) (*Handler, error) {
	parsed, err := abi.JSON(strings.NewReader(handlerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing handler abi: %w", err)
	}
	return &Handler{address: address, abi: parsed}, nil
}

func (h *Handler) Address() common.Address {
	return h.address
}

func (h *Handler) PackProcessBundle(ops []entities.Operation) ([]byte, error) {
	payloads := make([][]byte, 0, len(ops))
	for _, op := range ops {
		payloads = append(payloads, op.Payload)
	}
	return h.abi.Pack(methodProcessBundle, payloads)
}

func (h *Handler) PackSimulateOperation(op entities.Operation) ([]byte, error) {
	return h.abi.Pack(methodSimulateOperation, []byte(op.Payload))
}

func (h *Handler) UnpackSimulation(data []byte) (entities.SimulationResult, error) {
	var out struct {
		OpProcessed     bool
		AssetsUnwrapped bool
		FailureReason   string
	}
	if err := h.abi.UnpackIntoInterface(&out, methodSimulateOperation, data); err != nil {
		return entities.SimulationResult{}, fmt.Errorf("unpacking simulation result: %w", err)
	}
	return entities.SimulationResult{
		OpProcessed:     out.OpProcessed,
		AssetsUnwrapped: out.AssetsUnwrapped,
		FailureReason:   out.FailureReason,
	}, nil
}

// DecodeOperationResults extracts the OperationProcessed events the handler emitted in the receipt.
// Logs of other contracts or other events are ignored.
func (h *Handler) DecodeOperationResults(receipt *types.Receipt) ([]entities.OperationResult, error) {
	if receipt == nil {
		return nil, fmt.Errorf("nil receipt")
	}

	event := h.abi.Events[eventOperationProcessed]
	var results []entities.OperationResult
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != h.address || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		if len(lg.Topics) != 2 {
			return nil, fmt.Errorf("operation processed log [%d] has %d topics", lg.Index, len(lg.Topics))
		}

		var payload struct {
			OpProcessed     bool
			AssetsUnwrapped bool
			FailureReason   string
		}
		if err := h.abi.UnpackIntoInterface(&payload, eventOperationProcessed, lg.Data); err != nil {
			return nil, fmt.Errorf("unpacking operation processed log [%d]: %w", lg.Index, err)
		}
		results = append(results, entities.OperationResult{
			Digest:          lg.Topics[1],
			OpProcessed:     payload.OpProcessed,
			AssetsUnwrapped: payload.AssetsUnwrapped,
			FailureReason:   payload.FailureReason,
		})
	}
	return results, nil
}
