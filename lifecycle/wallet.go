// Package lifecycle enforces the Wallet status machine: fetch current
// state, switch on it, reject or transition. A receiving address is
// spent by its first observed deposit and never reassigned once USED or
// FAILED.
package lifecycle

import (
	"context"
	"errors"

	"github.com/lightningnetwork/depositd/store"
)

var (
	// ErrWalletNotUnused signals an attempt to bind evidence to a wallet
	// whose status is none of UNUSED, PENDING, USED or FAILED.
	ErrWalletNotUnused = errors.New("lifecycle: wallet is not UNUSED")

	// ErrWalletNotPending signals an attempt to finalize a wallet whose
	// status is none of UNUSED, PENDING, USED or FAILED.
	ErrWalletNotPending = errors.New("lifecycle: wallet is not PENDING")

	// ErrWalletTerminal signals an attempt to transition a wallet that
	// is already USED or FAILED; terminal wallets are never reassigned.
	ErrWalletTerminal = errors.New("lifecycle: wallet already in a terminal state")
)

// Tower drives the UNUSED -> PENDING -> USED|FAILED transitions for
// Wallets. It holds no state of its own beyond the Store it wraps.
type Tower struct {
	store store.Store
}

// NewTower returns a Tower backed by s.
func NewTower(s store.Store) *Tower {
	return &Tower{store: s}
}

// ObserveEvidence moves a wallet UNUSED -> PENDING on first sight of
// deposit evidence. Calling it again on an already-PENDING wallet is a
// harmless no-op, since the Watch Engine may record evidence more than
// once per watch.
func (t *Tower) ObserveEvidence(ctx context.Context, walletID string) error {
	w, err := t.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}

	switch w.Status {
	case store.WalletUnused:
		if err := t.store.TransitionWallet(ctx, walletID, store.WalletUnused, store.WalletPending); err != nil {
			if errors.Is(err, store.ErrStoreConflict) {
				// Lost a race with another tick's ObserveEvidence call;
				// the wallet is already PENDING, which is the outcome
				// we wanted.
				return nil
			}
			return err
		}
		return nil

	case store.WalletPending:
		return nil

	case store.WalletUsed, store.WalletFailed:
		return ErrWalletTerminal

	default:
		return ErrWalletNotUnused
	}
}

// Finalize moves a wallet to USED (callbackSent) or FAILED (force-stop
// without a delivered callback). It starts from PENDING when evidence
// was observed, or from UNUSED when the bound Watch reached its terminal
// status with none.
func (t *Tower) Finalize(ctx context.Context, walletID string, callbackSent bool) error {
	w, err := t.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}

	switch w.Status {
	case store.WalletPending, store.WalletUnused:
		// A force-stopped or plainly-expired Watch finalizes its wallet
		// even when evidence was never observed, so UNUSED is a valid
		// starting point here, not just PENDING.
		to := store.WalletFailed
		if callbackSent {
			to = store.WalletUsed
		}
		return t.store.TransitionWallet(ctx, walletID, w.Status, to)

	case store.WalletUsed, store.WalletFailed:
		return ErrWalletTerminal

	default:
		return ErrWalletNotPending
	}
}
