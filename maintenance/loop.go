// Package maintenance is a periodic crash-recovery backstop: it retries
// orphaned callbacks and force-stops watches the main Watch Engine tick
// should have already caught but, after a restart or a long outage, may
// not have.
package maintenance

import (
	"context"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/robfig/cron/v3"

	"github.com/lightningnetwork/depositd/dispatch"
	"github.com/lightningnetwork/depositd/lifecycle"
	"github.com/lightningnetwork/depositd/store"
)

// Config configures a Loop.
type Config struct {
	// Interval is the pass period, default 10m.
	Interval time.Duration

	// CallbackExhaust is the same force-stop horizon the Watch Engine
	// uses.
	CallbackExhaust time.Duration
}

// Loop is the Maintenance loop.
type Loop struct {
	cfg   Config
	st    store.Store
	disp  *dispatch.Dispatcher
	tower *lifecycle.Tower
	log   btclog.Logger
	cron  *cron.Cron
}

// New constructs a Loop.
func New(cfg Config, st store.Store, disp *dispatch.Dispatcher, tower *lifecycle.Tower, log btclog.Logger) *Loop {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.CallbackExhaust == 0 {
		cfg.CallbackExhaust = 3 * time.Hour
	}
	if log == nil {
		log = btclog.Disabled
	}

	return &Loop{cfg: cfg, st: st, disp: disp, tower: tower, log: log}
}

// Run blocks, ticking every cfg.Interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.cron = cron.New()

	if _, err := l.cron.AddFunc("@every "+l.cfg.Interval.String(), func() {
		l.Tick(ctx)
	}); err != nil {
		return err
	}

	l.cron.Start()
	<-ctx.Done()
	stopCtx := l.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// Tick runs one maintenance pass: retry orphaned callbacks, then force-stop
// anything past its exhaust horizon that the main engine hasn't already
// caught.
func (l *Loop) Tick(ctx context.Context) {
	l.retryOrphanedCallbacks(ctx)
	l.forceStopOverdue(ctx)
}

func (l *Loop) retryOrphanedCallbacks(ctx context.Context) {
	watches, err := l.st.ListOrphanedCallbacks(ctx)
	if err != nil {
		l.log.Warnf("maintenance: list orphaned callbacks: %v", err)
		return
	}

	for _, w := range watches {
		// Orphaned callbacks always carry evidence; expired watches with
		// no evidence are retried by the engine's own expiry path.
		kind := dispatch.Confirmed
		status := store.WatchConfirmed

		dw := dispatch.Watch{
			ID: w.ID, UserID: w.UserID, Address: w.Address, Chain: w.Chain,
			Token: w.Token, ExpectedAmount: w.ExpectedAmount.String(),
			Confirmations: w.Confirmations, TxHash: w.TxHash,
			CallbackURL: w.CallbackURL, PaymentID: w.PaymentID,
		}
		if w.HasActualAmount {
			dw.ActualAmount = w.ActualAmount.String()
		}

		result, _ := l.disp.Deliver(ctx, dw, kind)
		if result != dispatch.OK {
			continue
		}

		now := time.Now()
		if err := l.st.SetCallbackSent(ctx, w.ID, true, now); err != nil {
			l.log.Warnf("maintenance: set callback sent for %s: %v", w.ID, err)
			continue
		}
		if err := l.st.TransitionTerminal(ctx, w.ID, status, false); err != nil {
			l.log.Warnf("maintenance: transition %s to %s: %v", w.ID, status, err)
			continue
		}
		if err := l.tower.Finalize(ctx, w.WalletID, true); err != nil {
			l.log.Warnf("maintenance: finalize wallet for %s: %v", w.ID, err)
		}
	}
}

func (l *Loop) forceStopOverdue(ctx context.Context) {
	watches, err := l.st.ListForceStopCandidates(ctx, time.Now(), l.cfg.CallbackExhaust)
	if err != nil {
		l.log.Warnf("maintenance: list force-stop candidates: %v", err)
		return
	}

	for _, w := range watches {
		target := store.WatchExpired
		if w.HasActualAmount || w.TxHash != "" {
			target = store.WatchConfirmed
		}

		if err := l.st.TransitionTerminal(ctx, w.ID, target, true); err != nil {
			l.log.Warnf("maintenance: force-stop %s: %v", w.ID, err)
			continue
		}
		if err := l.tower.Finalize(ctx, w.WalletID, false); err != nil {
			l.log.Warnf("maintenance: force-stop wallet finalize for %s: %v", w.ID, err)
		}
	}
}
