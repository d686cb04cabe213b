package store

import "errors"

// Sentinel errors: one value per precondition failure, switched on by
// callers rather than inspected by string.
var (
	// ErrStoreConflict signals a conditional UPDATE affected zero rows:
	// the row's current status no longer matches what the caller assumed.
	// Callers should re-read and decide.
	ErrStoreConflict = errors.New("store: conditional update conflict")

	// ErrWatchNotFound signals no Watch exists with the given ID.
	ErrWatchNotFound = errors.New("store: watch not found")

	// ErrWalletNotFound signals no Wallet exists with the given ID.
	ErrWalletNotFound = errors.New("store: wallet not found")

	// ErrDuplicateDeposit signals InsertDepositOnce observed an existing
	// (chain, txHash) row; the caller should treat this as a no-op, not
	// an error to surface.
	ErrDuplicateDeposit = errors.New("store: duplicate deposit")

	// ErrWatchAlreadyActive names an existing ACTIVE watch for (userId,
	// chain) bound to a different address than requested. No backend in
	// this package returns it: StartOrReuseWatch reuses the ACTIVE watch
	// for (userId, chain) and keeps that watch's address.
	ErrWatchAlreadyActive = errors.New("store: watch already active for user/chain")

	// ErrBatchItemExists signals EnqueueBatchItem was called for a
	// watchId that already has a non-terminal BatchItem.
	ErrBatchItemExists = errors.New("store: batch item already queued for watch")
)
