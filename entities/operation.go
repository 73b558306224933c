package entities

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Nullifier is a one-time-use note identifier. The canonical form is a 0x prefixed,
// left padded 32 byte hex string.
type Nullifier string

func (n Nullifier) Canonical() Nullifier {
	return Nullifier(common.HexToHash(string(n)).Hex())
}

func (n Nullifier) Bytes() []byte {
	return common.HexToHash(string(n)).Bytes()
}

type Operation struct {
	Payload    hexutil.Bytes `json:"payload" validate:"required,min=1"`
	Nullifiers []Nullifier   `json:"nullifiers" validate:"required,min=1,dive,required,startswith=0x,hexadecimal,max=66"`
	GasPrice   *hexutil.Big  `json:"gasPrice" validate:"required"`
	GasLimit   uint64        `json:"gasLimit" validate:"gt=0,max=1000000000"`
	Deadline   uint64        `json:"deadline" validate:"gt=0"`
}

// Canonicalize returns a copy of the operation with all nullifiers in canonical form.
func (op Operation) Canonicalize() Operation {
	nullifiers := make([]Nullifier, 0, len(op.Nullifiers))
	for _, n := range op.Nullifiers {
		nullifiers = append(nullifiers, Nullifier(strings.TrimSpace(string(n))).Canonical())
	}
	op.Nullifiers = nullifiers
	return op
}

// Digest is the content hash identifying the operation. Nullifiers are hashed in canonical form,
// so two encodings of the same operation share a digest.
func (op Operation) Digest() common.Hash {
	var data []byte
	data = append(data, op.Payload...)
	for _, n := range op.Nullifiers {
		data = append(data, n.Bytes()...)
	}
	data = append(data, common.BigToHash(op.GasPriceInt()).Bytes()...)
	data = binary.BigEndian.AppendUint64(data, op.GasLimit)
	data = binary.BigEndian.AppendUint64(data, op.Deadline)
	return crypto.Keccak256Hash(data)
}

func (op Operation) GasPriceInt() *big.Int {
	if op.GasPrice == nil {
		return new(big.Int)
	}
	return op.GasPrice.ToInt()
}

// DuplicateNullifier returns the first nullifier that appears more than once in the operation.
func (op Operation) DuplicateNullifier() (Nullifier, bool) {
	seen := make(map[Nullifier]struct{}, len(op.Nullifiers))
	for _, n := range op.Nullifiers {
		c := n.Canonical()
		if _, ok := seen[c]; ok {
			return c, true
		}
		seen[c] = struct{}{}
	}
	return "", false
}

// OperationResult is the on-chain outcome of a single operation in a processed bundle.
type OperationResult struct {
	Digest          common.Hash
	OpProcessed     bool
	AssetsUnwrapped bool
	FailureReason   string
}

type SimulationResult struct {
	OpProcessed     bool
	AssetsUnwrapped bool
	FailureReason   string
}
