package watch

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/depositd/dispatch"
	"github.com/lightningnetwork/depositd/store"
)

// runExpiry handles a watch past expiresAt with no evidence yet: it is
// offered an EXPIRED callback and only terminates once that callback
// succeeds.
func (e *Engine) runExpiry(ctx context.Context, w store.Watch) error {
	if w.HasActualAmount || w.TxHash != "" {
		// Evidence arrived before expiry was observed; checkOne sends
		// such a watch to the confirmation path before it considers
		// expiry, so that path owns the transition.
		return nil
	}

	if w.CallbackURL == "" {
		return e.finalize(ctx, w, store.WatchExpired, true)
	}

	result, _ := e.dispatch.Deliver(ctx, toDispatchWatch(w), dispatch.Expired)
	if result != dispatch.OK {
		// Leave ACTIVE so the engine retries on a future tick. Record
		// the attempt so callbackAttempts reflects every delivery try.
		if err := e.st.SetCallbackSent(ctx, w.ID, false, e.clock.Now()); err != nil {
			return fmt.Errorf("watch: record callback attempt: %w", err)
		}
		return nil
	}

	return e.finalize(ctx, w, store.WatchExpired, true)
}

// forceStop terminates a watch past expiresAt + CallbackExhaust whose
// callback never succeeded, guaranteeing bounded liveness and recording
// callbackSent=false permanently.
func (e *Engine) forceStop(ctx context.Context, w store.Watch) error {
	target := store.WatchExpired
	if w.HasActualAmount || w.TxHash != "" {
		target = store.WatchConfirmed
	}

	if err := e.st.TransitionTerminal(ctx, w.ID, target, true); err != nil {
		return fmt.Errorf("watch: force-stop transition: %w", err)
	}
	if err := e.tower.Finalize(ctx, w.WalletID, false); err != nil {
		return fmt.Errorf("watch: force-stop wallet finalize: %w", err)
	}

	e.metrics.forceStops.Inc()
	if target == store.WatchConfirmed {
		e.metrics.confirmations.Inc()
	} else {
		e.metrics.expirations.Inc()
	}

	return nil
}
