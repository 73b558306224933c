package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/nocturne-xyz/bundler/entities"
)

const outboxKey = "outbox"

func statusKey(digest common.Hash) string {
	return "status:" + digest.Hex()
}

func operationKey(digest common.Hash) string {
	return "op:" + digest.Hex()
}

func nullifierKey(n entities.Nullifier) string {
	return "nullifier:" + string(n.Canonical())
}

func bufferKey(tier entities.Tier) string {
	return "buffer:" + string(tier)
}

func watermarkKey(tier entities.Tier) string {
	return "buffer:" + string(tier) + ":watermark"
}

func jobKey(key string) string {
	return "job:" + key
}

func jobStateKey(key string) string {
	return "jobstate:" + key
}
