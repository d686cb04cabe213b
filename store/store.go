package store

import (
	"context"
	"time"

	"github.com/lightningnetwork/depositd/chain"
	"github.com/shopspring/decimal"
)

// Store is the durable-state contract the Watch Engine, Dispatcher,
// Batch Scheduler, and Address Lifecycle all depend on. Every method
// that can race with itself across ticks is conditional on the row's
// current state, never a blind overwrite.
type Store interface {
	// StartOrReuseWatch atomically finds the existing ACTIVE watch for
	// (userId, chain) or inserts a new one; at most one ACTIVE watch
	// exists per (userId, chain). Reuse extends expiresAt and updates
	// the expected amount / callback URL on the existing row.
	StartOrReuseWatch(ctx context.Context, p StartWatchParams) (Watch, error)

	// GetWatch returns a single Watch by ID.
	GetWatch(ctx context.Context, watchID string) (Watch, error)

	// ListActiveWatches returns every Watch currently ACTIVE.
	ListActiveWatches(ctx context.Context) ([]Watch, error)

	// MarkChecked persists lastCheckedAt and (if scanning advanced)
	// lastScannedBlock for watchID.
	MarkChecked(ctx context.Context, watchID string, now time.Time, lastScannedBlock uint64) error

	// RecordEvidence writes deposit evidence onto an ACTIVE watch. This
	// may happen before the callback succeeds.
	RecordEvidence(ctx context.Context, watchID string, txHash string, actualAmount decimal.Decimal, confirmations uint32) error

	// SetCallbackSent marks whether the terminal callback for watchID has
	// been delivered successfully, and bumps callbackAttempts/
	// lastCallbackAttempt.
	SetCallbackSent(ctx context.Context, watchID string, sent bool, attemptedAt time.Time) error

	// TransitionTerminal moves watchID from ACTIVE to newStatus, failing
	// with ErrStoreConflict if the row is no longer ACTIVE. forced
	// indicates a force-stop transition, which is permitted even when
	// callbackSent is false.
	TransitionTerminal(ctx context.Context, watchID string, newStatus WatchStatus, forced bool) error

	// InsertDepositOnce inserts a Deposit row keyed by (chain, txHash),
	// returning ErrDuplicateDeposit if one already exists. This is the
	// system's at-most-once credit boundary.
	InsertDepositOnce(ctx context.Context, d Deposit) error

	// TransitionWallet moves a Wallet between WalletStatus values,
	// failing with ErrStoreConflict if from does not match the wallet's
	// current status.
	TransitionWallet(ctx context.Context, walletID string, from, to WalletStatus) error

	// GetWallet returns a single Wallet by ID.
	GetWallet(ctx context.Context, walletID string) (Wallet, error)

	// EnqueueBatchItem inserts a new QUEUED BatchItem for watchID,
	// failing with ErrBatchItemExists if one is already non-terminal for
	// that watch.
	EnqueueBatchItem(ctx context.Context, item BatchItem) error

	// ListEligibleBatchItems returns every QUEUED BatchItem for a
	// (chain, period) pair.
	ListEligibleBatchItems(ctx context.Context, c chain.ID, period int64) ([]BatchItem, error)

	// TransitionBatchItem moves a BatchItem between states, failing with
	// ErrStoreConflict if from does not match.
	TransitionBatchItem(ctx context.Context, itemID string, from, to BatchItemState, txHash string) error

	// ListOrphanedCallbacks returns ACTIVE watches with evidence recorded
	// (txHash != "") but callbackSent == false, for the maintenance
	// loop's retry pass.
	ListOrphanedCallbacks(ctx context.Context) ([]Watch, error)

	// ListForceStopCandidates returns ACTIVE watches past
	// expiresAt+exhaust that the main engine tick hasn't already caught,
	// for the maintenance loop's crash-recovery backstop.
	ListForceStopCandidates(ctx context.Context, now time.Time, exhaust time.Duration) ([]Watch, error)

	// Close releases any held resources (connection pools, file handles).
	Close() error
}
