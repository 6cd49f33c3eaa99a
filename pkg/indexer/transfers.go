package indexer

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/socialtag/cashback/pkg/metrics"
	"github.com/socialtag/cashback/pkg/rewards"
	"go.uber.org/zap"
)

// Client reads qualifying source transfers from the indexer.
type Client struct {
	http           *HTTPClient
	logger         *zap.Logger
	sourceAssetID  uint64
	masterContract string

	// PageLimit is the page size requested; MaxPages bounds one fetch.
	PageLimit int
	MaxPages  int
}

var _ rewards.TransferSource = (*Client)(nil)

func NewClient(http *HTTPClient, cfg rewards.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:           http,
		logger:         logger,
		sourceAssetID:  cfg.SourceAssetID,
		masterContract: cfg.MasterContract,
		PageLimit:      1000,
		MaxPages:       100,
	}
}

var errTooManyPages = errors.New("page limit reached before the end of results")

// FetchQualifyingTransfers returns transfers of the source asset from sourceAddress into the
// master contract, strictly after since, in ascending chain order. Any failure is reported
// as a rewards.TransientFetchError and nothing partial is returned.
func (c *Client) FetchQualifyingTransfers(ctx context.Context, sourceAddress string, since time.Time) ([]rewards.RawTransfer, error) {
	fail := func(err error) ([]rewards.RawTransfer, error) {
		return nil, &rewards.TransientFetchError{Op: "fetch transfers", Address: sourceAddress, Err: err}
	}

	q := url.Values{}
	q.Set("address", c.masterContract)
	q.Set("asset-id", strconv.FormatUint(c.sourceAssetID, 10))
	q.Set("limit", strconv.Itoa(c.PageLimit))
	if !since.IsZero() {
		q.Set("after-time", since.UTC().Format(time.RFC3339))
	}

	var out []rewards.RawTransfer
	for page := 0; ; page++ {
		if page >= c.MaxPages {
			return fail(errTooManyPages)
		}
		var resp transactionsPage
		if err := c.http.getJSON(ctx, "transactions", accountTransactions(sourceAddress), q, &resp); err != nil {
			return fail(err)
		}
		for _, tx := range resp.Transactions {
			out = append(out, c.qualifying(tx)...)
		}
		if resp.NextToken == "" {
			if c.PageLimit > 0 && len(resp.Transactions) >= c.PageLimit {
				c.logger.Warn("Indexer returned a full page without a next token, results may be truncated",
					zap.String("address", sourceAddress),
					zap.Int("count", len(resp.Transactions)))
			}
			break
		}
		q.Set("next", resp.NextToken)
	}

	filtered := out[:0]
	seen := make(map[rewards.EntryKey]bool, len(out))
	for _, t := range out {
		if !t.ChainTimestamp.After(since) || seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		filtered = append(filtered, t)
	}
	rewards.SortTransfers(filtered)
	return filtered, nil
}

// qualifying flattens tx depth-first (index 0 is the outer transaction) and keeps transfers
// that match the source asset and master contract. Malformed records are dropped and counted.
func (c *Client) qualifying(tx Transaction) []rewards.RawTransfer {
	if tx.ID == "" || tx.RoundTime <= 0 {
		metrics.IndexerRejectedRecords.Inc()
		c.logger.Debug("Rejected indexer record without id or round time", zap.String("tx_id", tx.ID))
		return nil
	}
	ts := time.Unix(tx.RoundTime, 0).UTC()

	var out []rewards.RawTransfer
	for i, t := range Flatten(tx) {
		if t.TxType != txTypeAssetTransfer {
			continue
		}
		if t.AssetTransfer == nil {
			metrics.IndexerRejectedRecords.Inc()
			c.logger.Debug("Rejected asset transfer without transfer body",
				zap.String("tx_id", tx.ID), zap.Int("transfer_index", i))
			continue
		}
		at := t.AssetTransfer
		if at.AssetID != c.sourceAssetID || at.Receiver != c.masterContract || at.Amount == 0 {
			continue
		}
		out = append(out, rewards.RawTransfer{
			TxID:           tx.ID,
			TransferIndex:  i,
			Amount:         at.Amount,
			ChainTimestamp: ts,
			IsInner:        i > 0,
		})
	}
	return out
}

// Flatten lists tx followed by its inner transactions in depth-first order.
func Flatten(tx Transaction) []Transaction {
	out := []Transaction{tx}
	for _, inner := range tx.InnerTxns {
		out = append(out, Flatten(inner)...)
	}
	return out
}
