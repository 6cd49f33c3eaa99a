package rewards

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// PayoutNotePrefix tags every cashback payout so landed payouts can be found on chain.
const PayoutNotePrefix = "socialtag-cashback:"

// IdempotencyKey derives the stable key of one payout. It is the same on every retry of the
// same ledger entry, which is what lets a resumed entry detect payouts that already landed.
func IdempotencyKey(userID string, key EntryKey, pool string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", userID, key.SourceTxID, key.TransferIndex, pool)))
	return hex.EncodeToString(sum[:])
}

// Lease is the 32-byte chain lease for an idempotency key. While a leased payout's validity
// window is open, the chain rejects a second payout carrying the same lease.
func Lease(idempotencyKey string) ([32]byte, error) {
	var lease [32]byte
	raw, err := hex.DecodeString(idempotencyKey)
	if err != nil {
		return lease, fmt.Errorf("decode idempotency key: %w", err)
	}
	if len(raw) != len(lease) {
		return lease, fmt.Errorf("idempotency key must be %d bytes, got %d", len(lease), len(raw))
	}
	copy(lease[:], raw)
	return lease, nil
}

func PayoutNote(idempotencyKey string) []byte {
	return []byte(PayoutNotePrefix + idempotencyKey)
}

// KeyFromNote extracts the idempotency key from a payout note.
func KeyFromNote(note []byte) (string, bool) {
	if !bytes.HasPrefix(note, []byte(PayoutNotePrefix)) {
		return "", false
	}
	key := string(note[len(PayoutNotePrefix):])
	if key == "" {
		return "", false
	}
	return key, true
}

// AssignIdempotencyKeys fills the key of every item that does not have one yet.
func AssignIdempotencyKeys(userID string, key EntryKey, items []RewardLineItem) {
	for i := range items {
		if items[i].IdempotencyKey == "" {
			items[i].IdempotencyKey = IdempotencyKey(userID, key, items[i].Pool)
		}
	}
}
