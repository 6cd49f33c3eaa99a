package indexer

import "fmt"

const (
	accountTransactionsPath = "/v2/accounts/%s/transactions"
	accountAssetsPath       = "/v2/accounts/%s/assets"

	txTypeAssetTransfer = "axfer"
)

func accountTransactions(addr string) string { return fmt.Sprintf(accountTransactionsPath, addr) }
func accountAssets(addr string) string       { return fmt.Sprintf(accountAssetsPath, addr) }

// Transaction is the subset of an indexer transaction record the service reads. Inner
// transactions carry no id of their own.
type Transaction struct {
	ID             string         `json:"id"`
	TxType         string         `json:"tx-type"`
	Sender         string         `json:"sender"`
	RoundTime      int64          `json:"round-time"`
	ConfirmedRound uint64         `json:"confirmed-round"`
	Note           []byte         `json:"note"`
	AssetTransfer  *AssetTransfer `json:"asset-transfer-transaction"`
	InnerTxns      []Transaction  `json:"inner-txns"`
}

type AssetTransfer struct {
	Amount   uint64 `json:"amount"`
	AssetID  uint64 `json:"asset-id"`
	Receiver string `json:"receiver"`
}

type transactionsPage struct {
	CurrentRound uint64        `json:"current-round"`
	NextToken    string        `json:"next-token"`
	Transactions []Transaction `json:"transactions"`
}

// AssetHolding is one entry of an account's asset list.
type AssetHolding struct {
	AssetID  uint64 `json:"asset-id"`
	Amount   uint64 `json:"amount"`
	IsFrozen bool   `json:"is-frozen"`
	Deleted  bool   `json:"deleted"`
}

type assetsPage struct {
	CurrentRound uint64         `json:"current-round"`
	NextToken    string         `json:"next-token"`
	Assets       []AssetHolding `json:"assets"`
}
