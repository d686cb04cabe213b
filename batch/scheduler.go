// Package batch implements the Batch Scheduler: it queues confirmed
// deposits by (chain, period) and, when a period becomes eligible,
// sweeps them to the custody address in cost-aware groups. Queued
// deposits are sorted by (amount - gas cost) yield, and any item whose
// transfer cost would exceed its value is dropped and logged rather than
// swept at a loss.
package batch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/lightningnetwork/depositd/chain"
	"github.com/lightningnetwork/depositd/store"
)

// GasWallet names the gas-fee wallet depositd pays sweep transaction
// costs from for one chain, never from the user's receiving wallet.
type GasWallet struct {
	Address string
	Key     []byte
}

// ChainConfig bundles one chain's custody address, gas wallet, and batch
// eligibility thresholds.
type ChainConfig struct {
	Custody    string
	GasWallet  GasWallet
	Thresholds Thresholds
}

// Config configures a Scheduler.
type Config struct {
	Period     time.Duration // scheduling tick (default 5m)
	CronExpr   string        // robfig/cron schedule string, overrides Period if set
	Chains     map[chain.ID]ChainConfig
	MetricsReg *prometheus.Registry
}

// WalletKeySource resolves a wallet's signing key for use in a sweep.
// Kept as an interface so Scheduler never needs to know how keys are
// encrypted or derived; that machinery lives outside this process.
type WalletKeySource interface {
	WalletSigningKey(ctx context.Context, walletID string) ([]byte, string, error) // key, fromAddress
}

// Scheduler sweeps eligible batch periods on a cron-driven tick.
type Scheduler struct {
	cfg    Config
	st     store.Store
	chains *chain.Registry
	keys   WalletKeySource
	log    btclog.Logger
	cron   *cron.Cron

	itemsSwept *prometheus.CounterVec
}

// New constructs a Scheduler.
func New(cfg Config, st store.Store, chains *chain.Registry, keys WalletKeySource, log btclog.Logger) *Scheduler {
	if cfg.Period == 0 {
		cfg.Period = 5 * time.Minute
	}
	if log == nil {
		log = btclog.Disabled
	}

	itemsSwept := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd", Subsystem: "batch", Name: "items_swept_total",
		Help: "Number of batch items executed, by chain and outcome.",
	}, []string{"chain", "outcome"})
	if cfg.MetricsReg != nil {
		cfg.MetricsReg.MustRegister(itemsSwept)
	}

	return &Scheduler{cfg: cfg, st: st, chains: chains, keys: keys, log: log, itemsSwept: itemsSwept}
}

// Run blocks driving scheduling ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron = cron.New()

	spec := s.cfg.CronExpr
	if spec == "" {
		spec = fmt.Sprintf("@every %s", s.cfg.Period)
	}

	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.Tick(ctx); err != nil {
			s.log.Errorf("batch: tick failed: %v", err)
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// Tick evaluates every configured chain for eligibility and executes any
// period that qualifies. The current period and the two before it are
// considered, so items queued near a period boundary (or left behind by
// a restart) still age toward their max-wait trigger instead of being
// stranded in a closed period.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()
	period := currentPeriod(now)

	for id, cc := range s.cfg.Chains {
		for p := period - 2; p <= period; p++ {
			items, err := s.st.ListEligibleBatchItems(ctx, id, p)
			if err != nil {
				s.log.Warnf("batch: list items for %s: %v", id, err)
				continue
			}
			if len(items) == 0 {
				continue
			}

			adapter, err := s.chains.MustLookup(id)
			if err != nil {
				s.log.Warnf("batch: %v", err)
				continue
			}

			fees, err := adapter.FeeData(ctx)
			if err != nil {
				s.log.Warnf("batch: fee data for %s: %v", id, err)
				continue
			}

			if !Eligible(items, fees.Standard, now, cc.Thresholds) {
				continue
			}

			if err := s.execute(ctx, id, cc, adapter, items, fees.Standard); err != nil {
				s.log.Errorf("batch: execute %s period %d: %v", id, p, err)
			}
		}
	}

	return nil
}

// execute runs the QUEUED -> EXECUTING -> DONE|FAILED transition for a
// yield-sorted, dust-filtered group of items.
func (s *Scheduler) execute(ctx context.Context, id chain.ID, cc ChainConfig, adapter chain.Adapter, items []store.BatchItem, standardFee decimal.Decimal) error {
	plan := partition(items, standardFee, cc.Thresholds.MaxBatchSize)
	for _, it := range items {
		if !it.Amount.Sub(standardFee).IsPositive() {
			s.log.Infof("batch: item %s amount %s does not cover fee %s, not swept",
				it.ID, it.Amount, standardFee)
		}
	}

	var failed []string
	for _, it := range plan {
		if err := s.st.TransitionBatchItem(ctx, it.ID, store.BatchQueued, store.BatchExecuting, ""); err != nil {
			s.log.Warnf("batch: item %s not QUEUED, skipping: %v", it.ID, err)
			continue
		}

		txHash, err := s.sweepOne(ctx, cc, adapter, it)
		if err != nil {
			s.log.Errorf("batch: sweep item %s failed: %v", it.ID, err)
			failed = append(failed, it.ID)
			s.itemsSwept.WithLabelValues(string(id), "failed").Inc()
			if tErr := s.st.TransitionBatchItem(ctx, it.ID, store.BatchExecuting, store.BatchFailed, ""); tErr != nil {
				s.log.Errorf("batch: mark item %s failed: %v", it.ID, tErr)
			}
			continue
		}

		s.itemsSwept.WithLabelValues(string(id), "done").Inc()
		if err := s.st.TransitionBatchItem(ctx, it.ID, store.BatchExecuting, store.BatchDone, txHash); err != nil {
			s.log.Errorf("batch: mark item %s done: %v", it.ID, err)
		}
	}

	if len(failed) > 0 {
		s.log.Warnf("batch: %s sweep had %d failures: %v", id, len(failed), failed)
	}
	return nil
}

func (s *Scheduler) sweepOne(ctx context.Context, cc ChainConfig, adapter chain.Adapter, it store.BatchItem) (string, error) {
	watch, err := s.st.GetWatch(ctx, it.WatchID)
	if err != nil {
		return "", fmt.Errorf("lookup watch: %w", err)
	}

	key, _, err := s.keys.WalletSigningKey(ctx, watch.WalletID)
	if err != nil {
		return "", fmt.Errorf("resolve signing key: %w", err)
	}

	// Gas is paid from the dedicated gas-fee wallet, never the user
	// wallet, except where the chain requires the source wallet itself
	// to hold gas. In that case the source is expected to have been
	// topped up out of band from cc.GasWallet before this call; that
	// top-up flow lives in ops tooling, not here.
	_ = cc.GasWallet

	result, err := adapter.SendToken(ctx, key, watch.Token, cc.Custody, it.Amount, chain.FeeStandard)
	if err != nil {
		return "", err
	}
	return result.TxHash, nil
}

// partition sorts items by descending (amount - fee) yield, drops any
// item whose yield would be non-positive, and caps the group at
// maxBatchSize (0 means uncapped).
func partition(items []store.BatchItem, standardFee decimal.Decimal, maxBatchSize int) []store.BatchItem {
	type yielded struct {
		item  store.BatchItem
		yield decimal.Decimal
	}

	ys := make([]yielded, 0, len(items))
	for _, it := range items {
		ys = append(ys, yielded{item: it, yield: it.Amount.Sub(standardFee)})
	}

	sort.Slice(ys, func(i, j int) bool {
		return ys[i].yield.GreaterThan(ys[j].yield)
	})

	out := make([]store.BatchItem, 0, len(ys))
	for _, y := range ys {
		if !y.yield.IsPositive() {
			continue
		}
		out = append(out, y.item)
	}
	if maxBatchSize > 0 && len(out) > maxBatchSize {
		out = out[:maxBatchSize]
	}
	return out
}

// currentPeriod buckets t into a two-hour sweep period (floor(hour/2)),
// matching the bucketing used when items are enqueued.
func currentPeriod(t time.Time) int64 {
	const periodSeconds = 2 * 60 * 60
	return t.Unix() / periodSeconds
}
