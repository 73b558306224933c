package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/nocturne-xyz/bundler/entities"
	"go.uber.org/zap"
)

// EthClient is the subset of the go-ethereum client used by the bundler.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Config struct {
	ChainID             *big.Int
	Confirmations       uint64
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	// GasOverhead is added to the summed gas bounds of the operations.
	GasOverhead uint64
}

// Adapter submits bundles to the handler contract and follows them until confirmation.
type Adapter struct {
	client  EthClient
	signer  Signer
	handler *Handler
	clock   clockwork.Clock
	config  Config
	logger  *zap.SugaredLogger
}

func NewAdapter(client EthClient, signer Signer, handler *Handler, clock clockwork.Clock, config Config, logger *zap.SugaredLogger) *Adapter {
	if config.ReceiptPollInterval <= 0 {
		config.ReceiptPollInterval = time.Second
	}
	return &Adapter{
		client:  client,
		signer:  signer,
		handler: handler,
		clock:   clock,
		config:  config,
		logger:  logger,
	}
}

// SubmitBundle signs and broadcasts one processBundle transaction carrying every operation of the job.
func (a *Adapter) SubmitBundle(ctx context.Context, job entities.BatchJob) (common.Hash, error) {
	calldata, err := a.handler.PackProcessBundle(job.Operations)
	if err != nil {
		return common.Hash{}, fmt.Errorf("build calldata: %w", err)
	}

	from := a.signer.From()
	to := a.handler.Address()

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}

	tipCap, feeCap := a.suggestFees(ctx)
	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.config.ChainID,
		Nonce:     nonce,
		To:        &to,
		Value:     big.NewInt(0),
		Gas:       job.GasLimit() + a.config.GasOverhead,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Data:      calldata,
	})

	signed, err := a.signer.SignTx(ctx, unsigned)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}

	a.logger.Infow("Sent bundle transaction",
		"job", job.Key,
		"tx_hash", signed.Hash().Hex(),
		"nonce", nonce,
		"gas_limit", signed.Gas(),
		"gas_tip_cap", tipCap.String(),
		"gas_fee_cap", feeCap.String())
	return signed.Hash(), nil
}

// suggestFees returns EIP-1559 tip and fee caps, falling back to fixed values when the node cannot
// suggest them.
func (a *Adapter) suggestFees(ctx context.Context) (*big.Int, *big.Int) {
	head, _ := a.client.HeaderByNumber(ctx, nil)
	tipCap, err := a.client.SuggestGasTipCap(ctx)
	if err != nil || tipCap == nil {
		tipCap = big.NewInt(2_000_000_000)
	}
	var feeCap *big.Int
	if head != nil && head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)
	} else if sp, err := a.client.SuggestGasPrice(ctx); err == nil && sp != nil {
		feeCap = sp
	} else {
		feeCap = new(big.Int).Add(big.NewInt(2_000_000_000), tipCap)
	}
	return tipCap, feeCap
}

// WaitForReceipt polls for the receipt until it is included and has the configured number of
// confirmations, or the receipt timeout elapses.
func (a *Adapter) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if a.config.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.ReceiptTimeout)
		defer cancel()
	}

	for {
		receipt, err := a.confirmedReceipt(ctx, txHash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt of [%s]: %w", txHash.Hex(), ctx.Err())
		case <-a.clock.After(a.config.ReceiptPollInterval):
		}
	}
}

// confirmedReceipt returns nil without error while the transaction is pending or not yet confirmed.
func (a *Adapter) confirmedReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := a.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for receipt of [%s]: %w", txHash.Hex(), ctx.Err())
		}
		a.logger.Warnw("Failed to get transaction receipt", "tx_hash", txHash.Hex(), "error", err)
		return nil, nil
	}
	if receipt.Status == types.ReceiptStatusFailed || a.config.Confirmations <= 1 {
		return receipt, nil
	}

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		a.logger.Warnw("Failed to get latest block for confirmation count", "tx_hash", txHash.Hex(), "error", err)
		return nil, nil
	}
	included := receipt.BlockNumber.Uint64()
	if head < included || head-included+1 < a.config.Confirmations {
		return nil, nil
	}
	return receipt, nil
}

func (a *Adapter) DecodeOperationResults(receipt *types.Receipt) ([]entities.OperationResult, error) {
	return a.handler.DecodeOperationResults(receipt)
}
