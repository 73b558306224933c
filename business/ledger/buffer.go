package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nocturne-xyz/bundler/entities"
	"github.com/nocturne-xyz/bundler/infrastructure/store"
	pkgerrors "github.com/pkg/errors"
)

// TierBuffer is the durable FIFO of operations waiting in one tier, plus the enqueue time of its
// oldest entry.
type TierBuffer struct {
	Tier entities.Tier
}

func NewTierBuffer(tier entities.Tier) TierBuffer {
	return TierBuffer{Tier: tier}
}

type Snapshot struct {
	Tier      entities.Tier
	Entries   []entities.BufferedOperation
	Watermark time.Time
}

func (s Snapshot) Len() int {
	return len(s.Entries)
}

func (s Snapshot) HasWatermark() bool {
	return !s.Watermark.IsZero()
}

// Age is how long the oldest entry has been waiting. Zero for an empty buffer.
func (s Snapshot) Age(now time.Time) time.Duration {
	if !s.HasWatermark() {
		return 0
	}
	return now.Sub(s.Watermark)
}

// Snapshot reads the entries and watermark without mutating the buffer.
func (b TierBuffer) Snapshot(r store.Reader) (Snapshot, error) {
	values, err := r.ListRange(bufferKey(b.Tier))
	if err != nil {
		return Snapshot{}, pkgerrors.Wrapf(err, "reading %s buffer", b.Tier)
	}

	snapshot := Snapshot{Tier: b.Tier, Entries: make([]entities.BufferedOperation, 0, len(values))}
	for _, v := range values {
		var entry entities.BufferedOperation
		if err := json.Unmarshal(v, &entry); err != nil {
			return Snapshot{}, pkgerrors.Wrapf(err, "unmarshalling %s buffer entry", b.Tier)
		}
		snapshot.Entries = append(snapshot.Entries, entry)
	}

	watermark, err := r.Get(watermarkKey(b.Tier))
	if errors.Is(err, store.ErrNotFound) {
		return snapshot, nil
	}
	if err != nil {
		return Snapshot{}, pkgerrors.Wrapf(err, "reading %s watermark", b.Tier)
	}
	snapshot.Watermark, err = decodeTime(watermark)
	if err != nil {
		return Snapshot{}, pkgerrors.Wrapf(err, "decoding %s watermark", b.Tier)
	}

	return snapshot, nil
}

// Append adds entries to the tail of the buffer and stamps the watermark with the first entry's
// enqueue time when the buffer was empty. Call it at most once per buffer within a group.
func (b TierBuffer) Append(txn store.Txn, entries ...entities.BufferedOperation) error {
	if len(entries) == 0 {
		return nil
	}

	values := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return pkgerrors.Wrap(err, "marshalling buffer entry")
		}
		values = append(values, data)
	}

	current, err := txn.ListRange(bufferKey(b.Tier))
	if err != nil {
		return pkgerrors.Wrapf(err, "reading %s buffer", b.Tier)
	}
	if len(current) == 0 {
		txn.Set(watermarkKey(b.Tier), encodeTime(entries[0].EnqueuedAt))
	}

	txn.ListAppend(bufferKey(b.Tier), values...)
	return nil
}

// Drain removes the first n entries of the snapshot taken in the same group. The watermark moves to
// the oldest remaining entry and is cleared when the buffer becomes empty.
func (b TierBuffer) Drain(txn store.Txn, snapshot Snapshot, n int) {
	n = min(n, snapshot.Len())
	if n <= 0 {
		return
	}

	txn.ListTrimFront(bufferKey(b.Tier), n)
	if n == snapshot.Len() {
		txn.Delete(watermarkKey(b.Tier))
		return
	}
	txn.Set(watermarkKey(b.Tier), encodeTime(snapshot.Entries[n].EnqueuedAt))
}

func encodeTime(t time.Time) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano))
}

func decodeTime(value []byte) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, string(value))
}
