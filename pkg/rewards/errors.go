package rewards

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrNotRegistered     = errors.New("user is not registered for cashback")
	ErrAlreadyRegistered = errors.New("user already registered with a different source address")
	ErrAlreadyRecorded   = errors.New("ledger entry already recorded")
	ErrEntryNotFound     = errors.New("ledger entry not found")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrMissingUserID     = errors.New("user id is required")
)

// TransientFetchError means an indexer or opt-in lookup failed. Nothing was mutated and the
// user is retried on the next sweep.
type TransientFetchError struct {
	Op      string
	Address string
	Err     error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error: %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// DistributionError means a payout batch did not fully land. Confirmed lists tx ids that did
// land before the failure. Broadcast is false only when no transaction was handed to a node.
type DistributionError struct {
	Receiver  string
	Key       EntryKey
	Confirmed []string
	Broadcast bool
	Err       error
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("distribution failed for %s to %s (%d confirmed): %v", e.Key, e.Receiver, len(e.Confirmed), e.Err)
}

func (e *DistributionError) Unwrap() error { return e.Err }

// PersistenceError is a failed store write. When PayoutsLanded is set, tokens already moved
// on chain and the ledger does not show it yet.
type PersistenceError struct {
	Op            string
	Key           EntryKey
	PayoutsLanded bool
	PayoutTxIDs   []string
	Err           error
}

func (e *PersistenceError) Error() string {
	if e.PayoutsLanded {
		return fmt.Sprintf("persistence error after payout (%s %s, txs %v): %v", e.Op, e.Key, e.PayoutTxIDs, e.Err)
	}
	return fmt.Sprintf("persistence error: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigError is returned for malformed pool or chain configuration. Fatal at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a fetch failure that warrants a quiet retry next sweep.
func IsTransient(err error) bool {
	var tfe *TransientFetchError
	return errors.As(err, &tfe)
}
