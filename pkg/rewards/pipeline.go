package rewards

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/socialtag/cashback/pkg/metrics"
	"go.uber.org/zap"
)

// TransferSource returns qualifying transfers into the master contract made by sourceAddress
// strictly after since. A zero since means the full history.
type TransferSource interface {
	FetchQualifyingTransfers(ctx context.Context, sourceAddress string, since time.Time) ([]RawTransfer, error)
}

// OptInResolver returns the assets an address can currently receive.
type OptInResolver interface {
	GetOptedInAssets(ctx context.Context, address string) (AssetSet, error)
}

// Distributor pays items to receiver and returns one tx id per item, in order. Any failure
// fails the whole call.
type Distributor interface {
	Distribute(ctx context.Context, receiver string, items []RewardLineItem) ([]string, error)
}

// PayoutVerifier looks up payouts that already landed on chain, keyed by idempotency key.
type PayoutVerifier interface {
	LandedPayouts(ctx context.Context, items []RewardLineItem) (map[string]string, error)
}

// UserReport summarises what one ProcessUser call did.
type UserReport struct {
	UserID            string
	Fetched           int
	Duplicates        int
	EntriesRecorded   int
	Resumed           int
	PayoutsSubmitted  int
	PreviousWatermark time.Time
	Watermark         time.Time
}

// Pipeline drives one registered user from "new transfers on the indexer" to "ledger entries
// recorded and payouts confirmed". It holds no per-user state between calls; everything
// needed to resume lives in the Store.
type Pipeline struct {
	Store       Store
	Transfers   TransferSource
	OptIn       OptInResolver
	Distributor Distributor
	Verifier    PayoutVerifier
	Config      Config
	Logger      *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewPipeline checks that every collaborator is present.
func NewPipeline(store Store, transfers TransferSource, optIn OptInResolver, distributor Distributor, verifier PayoutVerifier, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case store == nil:
		return nil, errors.New("pipeline: store is required")
	case transfers == nil:
		return nil, errors.New("pipeline: transfer source is required")
	case optIn == nil:
		return nil, errors.New("pipeline: opt-in resolver is required")
	case distributor == nil:
		return nil, errors.New("pipeline: distributor is required")
	case verifier == nil:
		return nil, errors.New("pipeline: payout verifier is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		Store:       store,
		Transfers:   transfers,
		OptIn:       optIn,
		Distributor: distributor,
		Verifier:    verifier,
		Config:      cfg,
		Logger:      logger,
	}, nil
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// callContext bounds an external call. Batches of n chain transactions get n slots.
func (p *Pipeline) callContext(ctx context.Context, n int) (context.Context, context.CancelFunc) {
	timeout := p.Config.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if n < 1 {
		n = 1
	}
	return context.WithTimeout(ctx, timeout*time.Duration(n))
}

// ProcessUser runs one sweep step for user. Transfers are handled in chain-time order and the
// watermark only moves once all of them are recorded; on error it stays where it was so the
// next sweep re-fetches the same window.
func (p *Pipeline) ProcessUser(ctx context.Context, user RegisteredUser) (UserReport, error) {
	report := UserReport{
		UserID:            user.UserID,
		PreviousWatermark: user.LastProcessedAt,
		Watermark:         user.LastProcessedAt,
	}
	if !user.Registered() {
		return report, ErrNotRegistered
	}

	transfers, err := p.fetchTransfers(ctx, user)
	if err != nil {
		return report, err
	}
	report.Fetched = len(transfers)

	ledger, err := p.Store.GetLedger(ctx, user.UserID)
	if err != nil {
		return report, &PersistenceError{Op: "load ledger", Err: err}
	}
	byKey := make(map[EntryKey]LedgerEntry, len(ledger))
	for _, e := range ledger {
		byKey[e.Key] = e
	}

	run := &userRun{
		p:      p,
		user:   user,
		logger: p.logger().With(zap.String("user_id", user.UserID)),
		report: &report,
	}

	fetched := make(map[EntryKey]bool, len(transfers))
	for _, t := range transfers {
		fetched[t.Key()] = true
	}
	// Pending entries the indexer did not return again still need settling.
	for _, e := range ledger {
		if e.Processed || fetched[e.Key] {
			continue
		}
		if err := run.settle(ctx, e, true); err != nil {
			return report, err
		}
	}

	maxSeen := user.LastProcessedAt
	for _, t := range transfers {
		if existing, ok := byKey[t.Key()]; ok {
			if existing.Processed {
				report.Duplicates++
				metrics.DuplicateTransfers.Inc()
			} else if err := run.settle(ctx, existing, true); err != nil {
				return report, err
			}
		} else if err := run.record(ctx, t); err != nil {
			return report, err
		}
		if t.ChainTimestamp.After(maxSeen) {
			maxSeen = t.ChainTimestamp
		}
	}

	if maxSeen.After(user.LastProcessedAt) {
		if err := p.Store.AdvanceWatermark(ctx, user.UserID, maxSeen); err != nil {
			metrics.PersistenceFailures.WithLabelValues("false").Inc()
			return report, &PersistenceError{Op: "advance watermark", Err: err}
		}
		report.Watermark = maxSeen
	}
	return report, nil
}

func (p *Pipeline) fetchTransfers(ctx context.Context, user RegisteredUser) ([]RawTransfer, error) {
	fctx, cancel := p.callContext(ctx, 1)
	defer cancel()

	raw, err := p.Transfers.FetchQualifyingTransfers(fctx, user.SourceAddress, user.LastProcessedAt)
	if err != nil {
		if !IsTransient(err) {
			err = &TransientFetchError{Op: "fetch transfers", Address: user.SourceAddress, Err: err}
		}
		return nil, err
	}

	out := make([]RawTransfer, 0, len(raw))
	for _, t := range raw {
		if !t.ChainTimestamp.After(user.LastProcessedAt) {
			continue
		}
		out = append(out, t)
	}
	SortTransfers(out)
	return out, nil
}

// userRun carries the opt-in lookup across the transfers of one ProcessUser call.
type userRun struct {
	p      *Pipeline
	user   RegisteredUser
	logger *zap.Logger
	report *UserReport
	optIn  AssetSet
}

func (r *userRun) optedIn(ctx context.Context) (AssetSet, error) {
	if r.optIn != nil {
		return r.optIn, nil
	}
	octx, cancel := r.p.callContext(ctx, 1)
	defer cancel()

	set, err := r.p.OptIn.GetOptedInAssets(octx, r.user.RewardAddress)
	if err != nil {
		if !IsTransient(err) {
			err = &TransientFetchError{Op: "resolve opt-ins", Address: r.user.RewardAddress, Err: err}
		}
		return nil, err
	}
	if set == nil {
		set = AssetSet{}
	}
	r.optIn = set
	return set, nil
}

// record handles a transfer the ledger has never seen.
func (r *userRun) record(ctx context.Context, t RawTransfer) error {
	key := t.Key()
	amount := r.p.Config.SourceAmount(t.Amount)
	entry := LedgerEntry{
		Key:        key,
		Amount:     amount,
		ObservedAt: t.ChainTimestamp.UTC(),
		IsInner:    t.IsInner,
		CreatedAt:  r.p.now().UTC(),
	}

	optIn, err := r.optedIn(ctx)
	if err != nil {
		return err
	}

	items := ComputeRewards(amount, optIn, r.p.Config.Pools)
	if len(items) > 0 && r.p.Config.EnforcePoolCaps {
		if items, err = r.applyCaps(ctx, key, items); err != nil {
			return err
		}
	}

	if len(items) == 0 {
		entry.Processed = true
		if err := r.p.Store.AppendLedgerEntry(ctx, r.user.UserID, entry); err != nil {
			metrics.PersistenceFailures.WithLabelValues("false").Inc()
			return &PersistenceError{Op: "append entry", Key: key, Err: err}
		}
		r.report.EntriesRecorded++
		metrics.EntriesRecorded.WithLabelValues("unrewarded").Inc()
		r.logger.Debug("Recorded transfer without rewards",
			zap.String("source_tx_id", key.SourceTxID),
			zap.Int("transfer_index", key.TransferIndex),
			zap.String("amount", amount.String()))
		return nil
	}

	AssignIdempotencyKeys(r.user.UserID, key, items)
	entry.RewardLineItems = items
	// The pending entry is written before any payout so a crash leaves a trace to resume from.
	if err := r.p.Store.AppendLedgerEntry(ctx, r.user.UserID, entry); err != nil {
		metrics.PersistenceFailures.WithLabelValues("false").Inc()
		return &PersistenceError{Op: "append pending entry", Key: key, Err: err}
	}
	return r.settle(ctx, entry, false)
}

func (r *userRun) applyCaps(ctx context.Context, key EntryKey, items []RewardLineItem) ([]RewardLineItem, error) {
	stats, err := r.p.Store.GetPoolStatistics(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "load pool statistics", Key: key, Err: err}
	}
	out, adjustments := ApplyPoolCaps(items, DistributedByPool(stats), r.p.Config.Pools)
	for _, a := range adjustments {
		metrics.PoolCapAdjustments.WithLabelValues(a.Pool).Inc()
		r.logger.Warn("Reward reduced by pool cap",
			zap.String("pool", a.Pool),
			zap.String("source_tx_id", key.SourceTxID),
			zap.Uint64("requested", a.Requested),
			zap.Uint64("granted", a.Granted))
	}
	return out, nil
}

// settle pays whatever is still owed on a pending entry and finalizes it. When resumed, the
// chain is consulted first so payouts that landed before a crash are not sent again.
func (r *userRun) settle(ctx context.Context, entry LedgerEntry, resumed bool) error {
	key := entry.Key
	items := make([]RewardLineItem, len(entry.RewardLineItems))
	copy(items, entry.RewardLineItems)
	AssignIdempotencyKeys(r.user.UserID, key, items)

	outstanding := unpaid(items)
	if resumed && len(outstanding) > 0 {
		vctx, cancel := r.p.callContext(ctx, 1)
		landed, err := r.p.Verifier.LandedPayouts(vctx, pick(items, outstanding))
		cancel()
		if err != nil {
			if !IsTransient(err) {
				err = &TransientFetchError{Op: "verify payouts", Address: r.user.RewardAddress, Err: err}
			}
			return err
		}
		for _, i := range outstanding {
			if txID, ok := landed[items[i].IdempotencyKey]; ok {
				items[i].PayoutTxID = txID
			}
		}
		if found := len(outstanding) - len(unpaid(items)); found > 0 {
			r.logger.Warn("Found payouts that landed before the ledger was updated",
				zap.String("source_tx_id", key.SourceTxID),
				zap.Int("transfer_index", key.TransferIndex),
				zap.Int("landed", found))
		}
		outstanding = unpaid(items)
	}

	if len(outstanding) > 0 {
		batch := pick(items, outstanding)
		dctx, cancel := r.p.callContext(ctx, len(batch))
		txIDs, err := r.p.Distributor.Distribute(dctx, r.user.RewardAddress, batch)
		cancel()
		if err == nil && len(txIDs) != len(batch) {
			err = fmt.Errorf("distributor returned %d tx ids for %d items", len(txIDs), len(batch))
		}
		if err != nil {
			return r.distributionFailed(ctx, entry, resumed, err)
		}
		for j, i := range outstanding {
			items[i].PayoutTxID = txIDs[j]
			metrics.PayoutsSubmitted.WithLabelValues(items[i].Pool).Inc()
		}
		r.report.PayoutsSubmitted += len(batch)
	}

	if err := r.p.Store.FinalizeLedgerEntry(ctx, r.user.UserID, key, items); err != nil {
		txIDs := payoutTxIDs(items)
		metrics.PersistenceFailures.WithLabelValues("true").Inc()
		r.logger.Error("Payout landed but the ledger was not updated, manual reconciliation required",
			zap.Bool("manual_reconciliation", true),
			zap.String("source_tx_id", key.SourceTxID),
			zap.Int("transfer_index", key.TransferIndex),
			zap.String("reward_address", r.user.RewardAddress),
			zap.Strings("payout_tx_ids", txIDs),
			zap.Error(err))
		return &PersistenceError{Op: "finalize entry", Key: key, PayoutsLanded: true, PayoutTxIDs: txIDs, Err: err}
	}

	r.report.EntriesRecorded++
	kind := "rewarded"
	if resumed {
		r.report.Resumed++
		kind = "resumed"
	}
	metrics.EntriesRecorded.WithLabelValues(kind).Inc()
	for _, it := range items {
		metrics.RewardDistributed.WithLabelValues(it.Pool).Add(float64(it.Amount))
	}
	r.logger.Info("Recorded rewarded transfer",
		zap.String("source_tx_id", key.SourceTxID),
		zap.Int("transfer_index", key.TransferIndex),
		zap.String("amount", entry.Amount.String()),
		zap.Strings("payout_tx_ids", payoutTxIDs(items)),
		zap.Bool("resumed", resumed))
	return nil
}

// distributionFailed leaves the store in a state the next sweep can resume from. A new entry
// whose payouts were never broadcast is discarded; anything else stays pending so the next
// attempt verifies on chain before paying again.
func (r *userRun) distributionFailed(ctx context.Context, entry LedgerEntry, resumed bool, err error) error {
	metrics.DistributionFailures.Inc()

	var de *DistributionError
	if !errors.As(err, &de) {
		de = &DistributionError{Err: err, Broadcast: true}
	}
	de.Receiver = r.user.RewardAddress
	de.Key = entry.Key

	fields := []zap.Field{
		zap.String("source_tx_id", entry.Key.SourceTxID),
		zap.Int("transfer_index", entry.Key.TransferIndex),
		zap.String("reward_address", r.user.RewardAddress),
		zap.Strings("confirmed_tx_ids", de.Confirmed),
		zap.Bool("broadcast", de.Broadcast),
		zap.Error(de.Err),
	}

	if !resumed && !de.Broadcast {
		if derr := r.p.Store.DiscardPendingEntry(ctx, r.user.UserID, entry.Key); derr != nil {
			r.logger.Warn("Could not discard pending entry after failed payout; it will be verified next sweep",
				append(fields, zap.NamedError("discard_error", derr))...)
		} else {
			r.logger.Warn("Payout failed before broadcast", fields...)
		}
		return de
	}

	r.logger.Error("Payout failed after broadcast; entry left pending for verification", fields...)
	return de
}

func unpaid(items []RewardLineItem) []int {
	var idx []int
	for i, it := range items {
		if it.PayoutTxID == "" {
			idx = append(idx, i)
		}
	}
	return idx
}

func pick(items []RewardLineItem, idx []int) []RewardLineItem {
	out := make([]RewardLineItem, 0, len(idx))
	for _, i := range idx {
		out = append(out, items[i])
	}
	return out
}

func payoutTxIDs(items []RewardLineItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it.PayoutTxID != "" {
			out = append(out, it.PayoutTxID)
		}
	}
	return out
}

// OutcomeLabel is the metrics label for a ProcessUser result.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case IsTransient(err):
		return "skipped"
	default:
		return "failed"
	}
}

// ErrorFields returns log fields describing err for the scheduler's per-user boundary.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		fields = append(fields,
			zap.String("op", pe.Op),
			zap.String("source_tx_id", pe.Key.SourceTxID),
			zap.Bool("payouts_landed", pe.PayoutsLanded))
	}
	var de *DistributionError
	if errors.As(err, &de) {
		fields = append(fields,
			zap.String("source_tx_id", de.Key.SourceTxID),
			zap.String("transfer_index", strconv.Itoa(de.Key.TransferIndex)))
	}
	return fields
}
