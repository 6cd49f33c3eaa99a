package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/socialtag/cashback/pkg/rewards"
	"go.uber.org/zap"
)

// Submitter pays reward line items from the reward wallet. Each item becomes one asset
// transfer carrying the item's lease and note, so a retry of the same item cannot land twice
// inside the validity window and can always be found afterwards.
type Submitter struct {
	chain   Chain
	account crypto.Account
	logger  *zap.Logger

	// ConfirmRounds is how long to wait for each transfer. ValidRounds, when set, narrows
	// the transaction validity window.
	ConfirmRounds uint64
	ValidRounds   uint64
}

var _ rewards.Distributor = (*Submitter)(nil)

// NewSubmitter derives the reward wallet from its 25-word mnemonic.
func NewSubmitter(chain Chain, walletMnemonic string, logger *zap.Logger) (*Submitter, error) {
	if strings.TrimSpace(walletMnemonic) == "" {
		return nil, &rewards.ConfigError{Field: "REWARD_WALLET_MNEMONIC", Err: errors.New("is required")}
	}
	sk, err := mnemonic.ToPrivateKey(walletMnemonic)
	if err != nil {
		return nil, &rewards.ConfigError{Field: "REWARD_WALLET_MNEMONIC", Err: err}
	}
	account, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, &rewards.ConfigError{Field: "REWARD_WALLET_MNEMONIC", Err: err}
	}
	return NewSubmitterWithAccount(chain, account, logger), nil
}

func NewSubmitterWithAccount(chain Chain, account crypto.Account, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		chain:         chain,
		account:       account,
		logger:        logger.With(zap.String("reward_wallet", account.Address.String())),
		ConfirmRounds: 4,
	}
}

// Address is the reward wallet address.
func (s *Submitter) Address() string {
	return s.account.Address.String()
}

// Distribute sends one transfer per item, in order, and waits for each to confirm. It
// returns one tx id per item or a *rewards.DistributionError listing what did confirm.
func (s *Submitter) Distribute(ctx context.Context, receiver string, items []rewards.RewardLineItem) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	failed := func(confirmed []string, broadcast bool, err error) ([]string, error) {
		return nil, &rewards.DistributionError{Receiver: receiver, Confirmed: confirmed, Broadcast: broadcast, Err: err}
	}

	sp, err := s.chain.SuggestedParams(ctx)
	if err != nil {
		return failed(nil, false, fmt.Errorf("suggested params: %w", err))
	}
	if s.ValidRounds > 0 {
		sp.LastRoundValid = sp.FirstRoundValid + types.Round(s.ValidRounds)
	}

	var (
		confirmed []string
		broadcast bool
	)
	for _, it := range items {
		stx, err := s.sign(receiver, it, sp)
		if err != nil {
			return failed(confirmed, broadcast, fmt.Errorf("build %s payout: %w", it.Pool, err))
		}

		// A failed send may still have reached the node, so from here on the entry has to
		// be verified on chain before it is paid again.
		broadcast = true
		txID, err := s.chain.SendRawTransaction(ctx, stx)
		if err != nil {
			return failed(confirmed, broadcast, fmt.Errorf("send %s payout: %w", it.Pool, err))
		}

		round, err := s.chain.WaitForConfirmation(ctx, txID, s.ConfirmRounds)
		if err != nil {
			s.logger.Warn("Payout sent but not confirmed",
				zap.String("tx_id", txID),
				zap.String("pool", it.Pool),
				zap.String("receiver", receiver),
				zap.Error(err))
			return failed(confirmed, broadcast, fmt.Errorf("confirm %s payout %s: %w", it.Pool, txID, err))
		}
		confirmed = append(confirmed, txID)

		s.logger.Info("Payout confirmed",
			zap.String("tx_id", txID),
			zap.Uint64("round", round),
			zap.String("pool", it.Pool),
			zap.Uint64("asset_id", it.AssetID),
			zap.Uint64("amount", it.Amount),
			zap.String("receiver", receiver))
	}
	return confirmed, nil
}

func (s *Submitter) sign(receiver string, it rewards.RewardLineItem, sp types.SuggestedParams) ([]byte, error) {
	if it.IdempotencyKey == "" {
		return nil, errors.New("missing idempotency key")
	}
	lease, err := rewards.Lease(it.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	txn, err := transaction.MakeAssetTransferTxn(
		s.account.Address.String(),
		receiver,
		it.Amount,
		rewards.PayoutNote(it.IdempotencyKey),
		sp,
		"",
		it.AssetID,
	)
	if err != nil {
		return nil, err
	}
	txn.Lease = lease

	_, stx, err := crypto.SignTransaction(s.account.PrivateKey, txn)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return stx, nil
}
