package payout

import (
	"context"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/socialtag/cashback/pkg/utils"
)

// Chain is the slice of algod the submitter needs.
type Chain interface {
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	SendRawTransaction(ctx context.Context, stx []byte) (string, error)
	// WaitForConfirmation returns the confirmed round or an error once rounds have passed.
	WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error)
}

// AlgodChain is Chain backed by an algod node.
type AlgodChain struct {
	client *algod.Client
}

var _ Chain = (*AlgodChain)(nil)

// NewAlgodChainFromEnv connects using ALGOD_URL and ALGOD_TOKEN.
func NewAlgodChainFromEnv() (*AlgodChain, error) {
	return NewAlgodChain(
		utils.Env("ALGOD_URL", "https://mainnet-api.4160.nodely.dev"),
		utils.Env("ALGOD_TOKEN", ""),
	)
}

func NewAlgodChain(address, token string) (*AlgodChain, error) {
	client, err := algod.MakeClient(address, token)
	if err != nil {
		return nil, fmt.Errorf("algod client: %w", err)
	}
	return &AlgodChain{client: client}, nil
}

func (c *AlgodChain) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	return c.client.SuggestedParams().Do(ctx)
}

func (c *AlgodChain) SendRawTransaction(ctx context.Context, stx []byte) (string, error) {
	return c.client.SendRawTransaction(stx).Do(ctx)
}

func (c *AlgodChain) WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error) {
	info, err := transaction.WaitForConfirmation(c.client, txID, rounds, ctx)
	if err != nil {
		return 0, err
	}
	return info.ConfirmedRound, nil
}

// Ping checks the node answers status queries.
func (c *AlgodChain) Ping(ctx context.Context) error {
	_, err := c.client.Status().Do(ctx)
	return err
}
