// Package watch implements the per-watch state machine and its periodic
// polling loop: a single cooperative tick loop that, per watch, runs the
// detection, expiry, or force-stop path and persists the result through
// the Store.
package watch

import (
	"context"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/lightningnetwork/depositd/chain"
	"github.com/lightningnetwork/depositd/dispatch"
	"github.com/lightningnetwork/depositd/lifecycle"
	"github.com/lightningnetwork/depositd/store"
)

// Engine loads every ACTIVE watch on each tick and drives it through
// detection, expiry, or force-stop.
type Engine struct {
	cfg      Config
	st       store.Store
	chains   *chain.Registry
	dispatch *dispatch.Dispatcher
	tower    *lifecycle.Tower
	clock    clock.Clock
	log      btclog.Logger
	metrics  *metrics

	locks sync.Map // watchID -> *sync.Mutex

	ticker ticker.Ticker

	// onBatchEligible lets the Batch Scheduler's enqueue logic live
	// outside this package while still being invoked synchronously from
	// the confirmation path, avoiding a watch<->batch import cycle.
	onBatchEligible func(ctx context.Context, item store.BatchItem) error
}

// Deps bundles Engine's constructor dependencies.
type Deps struct {
	Store       store.Store
	Chains      *chain.Registry
	Dispatcher  *dispatch.Dispatcher
	Tower       *lifecycle.Tower
	Clock       clock.Clock
	Log         btclog.Logger
	MetricsReg  *prometheus.Registry
	Ticker      ticker.Ticker
	OnBatchItem func(ctx context.Context, item store.BatchItem) error
}

// New constructs an Engine. If deps.Ticker is nil, a ticker.Ticker driven
// by cfg.PollInterval is created.
func New(cfg Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.NewDefaultClock()
	}
	if deps.Log == nil {
		deps.Log = btclog.Disabled
	}
	if deps.Ticker == nil {
		deps.Ticker = ticker.New(cfg.PollInterval)
	}
	if deps.OnBatchItem == nil {
		deps.OnBatchItem = func(ctx context.Context, item store.BatchItem) error {
			return deps.Store.EnqueueBatchItem(ctx, item)
		}
	}

	return &Engine{
		cfg:             cfg,
		st:              deps.Store,
		chains:          deps.Chains,
		dispatch:        deps.Dispatcher,
		tower:           deps.Tower,
		clock:           deps.Clock,
		log:             deps.Log,
		metrics:         newMetrics(deps.MetricsReg),
		ticker:          deps.Ticker,
		onBatchEligible: deps.OnBatchItem,
	}
}

// Run blocks, driving ticks until ctx is cancelled. A tick already in
// progress is allowed to finish its current watch before the loop
// observes cancellation.
func (e *Engine) Run(ctx context.Context) error {
	e.ticker.Resume()
	defer e.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-e.ticker.Ticks():
			if err := e.tick(ctx); err != nil {
				e.log.Errorf("watch: tick failed: %v", err)
			}
		}
	}
}

// lockFor returns the mutex guarding concurrent ticks for watchID. At
// most one tick is in flight per watch at any moment.
func (e *Engine) lockFor(watchID string) *sync.Mutex {
	l, _ := e.locks.LoadOrStore(watchID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// tick is one full pass over every ACTIVE watch.
func (e *Engine) tick(ctx context.Context) error {
	watches, err := e.st.ListActiveWatches(ctx)
	if err != nil {
		return err
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, e.cfg.MaxFanout)

	for _, w := range watches {
		w := w
		sem <- struct{}{}
		grp.Go(func() error {
			defer func() { <-sem }()
			e.checkOne(grpCtx, w)
			return nil
		})
	}

	err = grp.Wait()
	e.metrics.ticks.Inc()
	return err
}

// checkOne runs the per-watch decision tree under that watch's
// cooperative lock. Errors are logged and the watch is skipped for this
// tick; a per-watch failure never aborts the tick.
func (e *Engine) checkOne(ctx context.Context, w store.Watch) {
	lock := e.lockFor(w.ID)
	if !lock.TryLock() {
		// Another goroutine (or a slow previous tick) is already
		// handling this watch; skip rather than block the fan-out.
		return
	}
	defer lock.Unlock()

	e.metrics.watchesProcessed.Inc()

	now := e.clock.Now()
	grace := w.ExpiresAt.Add(e.cfg.CallbackExhaust)

	var err error
	switch {
	case now.After(grace) && !w.CallbackSent:
		err = e.forceStop(ctx, w)

	case w.HasActualAmount || w.TxHash != "":
		// Evidence was already recorded on a prior tick but the
		// terminal callback never succeeded: retry confirmation
		// delivery against the stored evidence rather than
		// re-scanning, since the matching transfer would now be
		// rejected as a duplicate deposit.
		err = e.runConfirmation(ctx, w)
		if err == nil {
			err = e.st.MarkChecked(ctx, w.ID, now, w.LastScannedBlock)
		}

	case now.After(w.ExpiresAt):
		err = e.runExpiry(ctx, w)

	default:
		err = e.runDetection(ctx, w)
		if err == nil {
			err = e.st.MarkChecked(ctx, w.ID, now, w.LastScannedBlock)
		}
	}

	if err != nil {
		e.metrics.watchesErrored.Inc()
		e.log.Warnf("watch: watch %s check failed: %v", w.ID, err)
	}
}
