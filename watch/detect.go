package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lightningnetwork/depositd/amount"
	"github.com/lightningnetwork/depositd/chain"
	"github.com/lightningnetwork/depositd/dispatch"
	"github.com/lightningnetwork/depositd/store"
)

// runDetection scans the chain for transfers into w.Address, credits at
// most once per txHash, and on an exact-enough amount match with
// sufficient confirmations runs the confirmation path.
func (e *Engine) runDetection(ctx context.Context, w store.Watch) error {
	adapter, err := e.chains.MustLookup(w.Chain)
	if err != nil {
		return err
	}

	tip, err := adapter.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("watch: current height: %w", err)
	}

	// Resume from the persisted cursor, but never scan further back than
	// the configured window: after a long outage the cursor can be far
	// behind the tip, and an unbounded range is how an EVM FilterLogs
	// call starts timing out on every tick.
	from := subtractBounded(tip, e.cfg.ScanWindowBlocks)
	if w.LastScannedBlock > from {
		from = w.LastScannedBlock
	}
	if from > tip {
		from = tip
	}

	transfers, err := adapter.ScanTokenTransfersTo(ctx, w.Address, w.Token, from, tip)
	if err != nil {
		return fmt.Errorf("watch: scan transfers: %w", err)
	}

	decimals, err := adapter.Decimals(w.Token)
	if err != nil {
		return err
	}

	w.LastScannedBlock = tip

	for _, t := range transfers {
		if err := e.considerTransfer(ctx, w, t, decimals); err != nil {
			return err
		}
	}

	// Persist the advanced cursor; w is this function's own copy.
	if err := e.st.MarkChecked(ctx, w.ID, e.clock.Now(), w.LastScannedBlock); err != nil {
		return fmt.Errorf("watch: mark checked: %w", err)
	}
	return nil
}

// considerTransfer applies the at-most-once-credit and amount-tolerance
// rules to a single candidate transfer.
func (e *Engine) considerTransfer(ctx context.Context, w store.Watch, t chain.Transfer, decimals amount.Decimals) error {
	txHash := t.TxHash
	if txHash == "" && t.Synthetic {
		// Balance-delta fallback: key uniqueness on (chain, address,
		// synthetic-nonce). Weaker than a real txHash: two deposits
		// landing between ticks can merge into one credit.
		txHash = fmt.Sprintf("synthetic:%s:%s:%s", w.Chain, w.Address, t.SyntheticNonce)
	}

	err := e.st.InsertDepositOnce(ctx, store.Deposit{
		ID:       uuid.NewString(),
		Chain:    w.Chain,
		TxHash:   txHash,
		WalletID: w.WalletID,
		Token:    w.Token,
		Amount:   t.Amount,
		Status:   store.DepositPending,
	})
	if errors.Is(err, store.ErrDuplicateDeposit) {
		e.metrics.duplicateDeposits.Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("watch: insert deposit: %w", err)
	}

	if !amount.WithinTolerance(w.ExpectedAmount, t.Amount, decimals) {
		// Mismatched amounts are logged but the watch is neither
		// credited nor disposed of; only an exact match confirms.
		e.log.Infof("watch: watch %s amount mismatch: expected %s observed %s",
			w.ID, w.ExpectedAmount, t.Amount)
		return nil
	}

	confs := t.Confirmations
	if confs > e.cfg.RequiredConfirmations {
		confs = e.cfg.RequiredConfirmations
	}

	if err := e.st.RecordEvidence(ctx, w.ID, txHash, t.Amount, confs); err != nil {
		return fmt.Errorf("watch: record evidence: %w", err)
	}

	if err := e.tower.ObserveEvidence(ctx, w.WalletID); err != nil {
		return fmt.Errorf("watch: wallet lifecycle: %w", err)
	}

	if confs < e.cfg.RequiredConfirmations {
		return nil
	}

	w.TxHash = txHash
	w.ActualAmount = t.Amount
	w.HasActualAmount = true
	w.Confirmations = confs

	return e.runConfirmation(ctx, w)
}

// runConfirmation enqueues the sweep item, attempts delivery, and only
// finalizes the watch once the callback succeeds.
func (e *Engine) runConfirmation(ctx context.Context, w store.Watch) error {
	item := store.BatchItem{
		WatchID: w.ID,
		Chain:   w.Chain,
		UserID:  w.UserID,
		Amount:  w.ActualAmount,
		Period:  currentBatchPeriod(e.clock.Now()),
	}
	if err := e.onBatchEligible(ctx, item); err != nil && !errors.Is(err, store.ErrBatchItemExists) {
		return fmt.Errorf("watch: enqueue batch item: %w", err)
	}

	if w.CallbackURL == "" {
		// No external callback configured: evidence and the queued
		// sweep are enough to finalize immediately.
		return e.finalize(ctx, w, store.WatchConfirmed, true)
	}

	result, _ := e.dispatch.Deliver(ctx, toDispatchWatch(w), dispatch.Confirmed)
	if result != dispatch.OK {
		// RETRIABLE or PERMANENT: leave ACTIVE with evidence stored;
		// retries happen on subsequent ticks and in the maintenance
		// loop. Record the attempt so callbackAttempts reflects every
		// delivery try, not just the one that finally succeeds.
		if err := e.st.SetCallbackSent(ctx, w.ID, false, e.clock.Now()); err != nil {
			return fmt.Errorf("watch: record callback attempt: %w", err)
		}
		return nil
	}

	return e.finalize(ctx, w, store.WatchConfirmed, true)
}

func (e *Engine) finalize(ctx context.Context, w store.Watch, status store.WatchStatus, callbackSent bool) error {
	if err := e.st.SetCallbackSent(ctx, w.ID, callbackSent, e.clock.Now()); err != nil {
		return fmt.Errorf("watch: set callback sent: %w", err)
	}
	if err := e.st.TransitionTerminal(ctx, w.ID, status, false); err != nil {
		if errors.Is(err, store.ErrStoreConflict) {
			return nil
		}
		return fmt.Errorf("watch: transition terminal: %w", err)
	}
	if err := e.tower.Finalize(ctx, w.WalletID, callbackSent); err != nil {
		return fmt.Errorf("watch: finalize wallet: %w", err)
	}

	switch status {
	case store.WatchConfirmed:
		e.metrics.confirmations.Inc()
	case store.WatchExpired:
		e.metrics.expirations.Inc()
	}
	return nil
}

func subtractBounded(tip, window uint64) uint64 {
	if window >= tip {
		return 0
	}
	return tip - window
}

// currentBatchPeriod buckets now into a two-hour sweep period
// (floor(hour/2)), the granularity batch queues are keyed on.
func currentBatchPeriod(now time.Time) int64 {
	const periodSeconds = 2 * 60 * 60
	return now.Unix() / periodSeconds
}
