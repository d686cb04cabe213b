// Package gasmonitor samples each enabled chain's fee data in the
// background, retains a 24h window of samples per chain, exposes
// current/average/trend accessors, and fires an advisory callback when a
// chain's standard fee drops to its configured threshold. The Batch
// Scheduler does not read these accessors; its fee trigger queries the
// chain adapter directly.
package gasmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/lightningnetwork/depositd/chain"
)

// Config configures a Monitor.
type Config struct {
	SampleInterval time.Duration // default 5m
	Retention      time.Duration // default 24h
	Thresholds     map[chain.ID]decimal.Decimal
	MetricsReg     *prometheus.Registry
}

// sample is one retained FeeData observation.
type sample struct {
	at   time.Time
	fees chain.FeeData
}

// ring is a time-bounded sample buffer for one chain: each add drops the
// samples older than the retention window. It has no count cap.
type ring struct {
	mu      sync.Mutex
	samples []sample
}

func (r *ring) add(s sample, retention time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = append(r.samples, s)
	cutoff := s.at.Add(-retention)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		i++
	}
	r.samples = r.samples[i:]
}

func (r *ring) snapshot() []sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Monitor samples fee data per enabled chain on a cron-driven tick.
type Monitor struct {
	cfg     Config
	chains  *chain.Registry
	log     btclog.Logger
	cron    *cron.Cron
	rings   map[chain.ID]*ring
	ringsMu sync.RWMutex

	standardFee *prometheus.GaugeVec

	onThreshold func(id chain.ID, standard decimal.Decimal)
}

// New constructs a Monitor.
func New(cfg Config, chains *chain.Registry, log btclog.Logger, onThreshold func(chain.ID, decimal.Decimal)) *Monitor {
	if log == nil {
		log = btclog.Disabled
	}
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 5 * time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}

	standardFee := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "depositd", Subsystem: "gas", Name: "standard_fee",
		Help: "Most recently sampled standard fee per chain, in the chain's native fee unit.",
	}, []string{"chain"})
	if cfg.MetricsReg != nil {
		cfg.MetricsReg.MustRegister(standardFee)
	}

	return &Monitor{
		cfg:         cfg,
		chains:      chains,
		log:         log,
		rings:       make(map[chain.ID]*ring),
		standardFee: standardFee,
		onThreshold: onThreshold,
	}
}

func (m *Monitor) ringFor(id chain.ID) *ring {
	m.ringsMu.Lock()
	defer m.ringsMu.Unlock()

	r, ok := m.rings[id]
	if !ok {
		r = &ring{}
		m.rings[id] = r
	}
	return r
}

// Run blocks, sampling every cfg.SampleInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.cron = cron.New()

	spec := cronEvery(m.cfg.SampleInterval)
	if _, err := m.cron.AddFunc(spec, func() {
		m.sampleAll(ctx)
	}); err != nil {
		return err
	}

	m.cron.Start()
	<-ctx.Done()
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

func cronEvery(d time.Duration) string {
	return "@every " + d.String()
}

func (m *Monitor) sampleAll(ctx context.Context) {
	for _, id := range m.chains.Enabled() {
		adapter, ok := m.chains.Lookup(id)
		if !ok {
			continue
		}

		fees, err := adapter.FeeData(ctx)
		if err != nil {
			m.log.Warnf("gasmonitor: fee data for %s: %v", id, err)
			continue
		}

		m.ringFor(id).add(sample{at: time.Now(), fees: fees}, m.cfg.Retention)
		m.standardFee.WithLabelValues(string(id)).Set(fees.Standard.InexactFloat64())

		if threshold, ok := m.cfg.Thresholds[id]; ok && fees.Standard.LessThanOrEqual(threshold) && m.onThreshold != nil {
			m.onThreshold(id, fees.Standard)
		}
	}
}

// Current returns the most recent retained sample for id, if any.
func (m *Monitor) Current(id chain.ID) (chain.FeeData, bool) {
	samples := m.ringFor(id).snapshot()
	if len(samples) == 0 {
		return chain.FeeData{}, false
	}
	return samples[len(samples)-1].fees, true
}

// Average returns the mean "standard" fee across all retained samples for
// id.
func (m *Monitor) Average(id chain.ID) (decimal.Decimal, bool) {
	samples := m.ringFor(id).snapshot()
	if len(samples) == 0 {
		return decimal.Decimal{}, false
	}

	sum := decimal.Zero
	for _, s := range samples {
		sum = sum.Add(s.fees.Standard)
	}
	return sum.Div(decimal.NewFromInt(int64(len(samples)))), true
}

// Trend returns the linear delta between the oldest and newest retained
// "standard" fee samples for id: positive means fees are rising.
func (m *Monitor) Trend(id chain.ID) (decimal.Decimal, bool) {
	samples := m.ringFor(id).snapshot()
	if len(samples) < 2 {
		return decimal.Zero, false
	}
	first := samples[0].fees.Standard
	last := samples[len(samples)-1].fees.Standard
	return last.Sub(first), true
}
