package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/nocturne-xyz/bundler/entities"
)

const executionReverted = "execution reverted"

type CallClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Simulator predicts the outcome of a single operation with an eth_call of the handler's simulation
// entry point against the latest block.
type Simulator struct {
	client  CallClient
	handler *Handler
	from    common.Address
}

func NewSimulator(client CallClient, handler *Handler, from common.Address) *Simulator {
	return &Simulator{client: client, handler: handler, from: from}
}

func (s *Simulator) Simulate(ctx context.Context, op entities.Operation) (entities.SimulationResult, error) {
	calldata, err := s.handler.PackSimulateOperation(op)
	if err != nil {
		return entities.SimulationResult{}, fmt.Errorf("build calldata: %w", err)
	}

	to := s.handler.Address()
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{
		From: s.from,
		To:   &to,
		Gas:  op.GasLimit,
		Data: calldata,
	}, nil)
	if err != nil {
		if reason, reverted := revertReason(err); reverted {
			return entities.SimulationResult{}, entities.NewSimulationError("operation reverts: %s", reason)
		}
		return entities.SimulationResult{}, fmt.Errorf("calling simulation: %w", err)
	}

	return s.handler.UnpackSimulation(out)
}

// revertReason reports whether the call error is an EVM revert and extracts its reason. Transport and
// timeout errors are not reverts.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(data); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
		if strings.Contains(dataErr.Error(), executionReverted) {
			return strings.TrimPrefix(strings.TrimPrefix(dataErr.Error(), executionReverted), ": "), true
		}
	}

	if strings.Contains(err.Error(), executionReverted) {
		return err.Error(), true
	}
	return "", false
}
