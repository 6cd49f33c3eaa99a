package indexer

import (
	"context"
	"encoding/base64"
	"net/url"
	"strconv"

	"github.com/socialtag/cashback/pkg/rewards"
)

// PayoutVerifier finds cashback payouts the reward wallet already sent, by their note.
type PayoutVerifier struct {
	http   *HTTPClient
	sender string
}

var _ rewards.PayoutVerifier = (*PayoutVerifier)(nil)

func NewPayoutVerifier(http *HTTPClient, rewardWallet string) *PayoutVerifier {
	return &PayoutVerifier{http: http, sender: rewardWallet}
}

// LandedPayouts returns idempotency key -> payout tx id for every item found on chain.
// Items not found are simply absent.
func (v *PayoutVerifier) LandedPayouts(ctx context.Context, items []rewards.RewardLineItem) (map[string]string, error) {
	landed := make(map[string]string, len(items))
	for _, it := range items {
		if it.IdempotencyKey == "" {
			continue
		}
		q := url.Values{}
		q.Set("address-role", "sender")
		q.Set("tx-type", txTypeAssetTransfer)
		q.Set("asset-id", strconv.FormatUint(it.AssetID, 10))
		q.Set("note-prefix", base64.StdEncoding.EncodeToString(rewards.PayoutNote(it.IdempotencyKey)))

		var resp transactionsPage
		if err := v.http.getJSON(ctx, "payouts", accountTransactions(v.sender), q, &resp); err != nil {
			return nil, &rewards.TransientFetchError{Op: "verify payouts", Address: v.sender, Err: err}
		}
		for _, tx := range resp.Transactions {
			key, ok := rewards.KeyFromNote(tx.Note)
			if !ok || key != it.IdempotencyKey || tx.AssetTransfer == nil || tx.AssetTransfer.AssetID != it.AssetID {
				continue
			}
			landed[key] = tx.ID
			break
		}
	}
	return landed, nil
}
