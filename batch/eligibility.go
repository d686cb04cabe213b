package batch

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lightningnetwork/depositd/store"
)

// Thresholds holds one chain's batch eligibility triggers.
type Thresholds struct {
	// MinBatchSize fires the batch as soon as this many items are
	// queued in a period.
	MinBatchSize int

	// MaxBatchSize caps how many items a single execution sweeps; the
	// remainder stays QUEUED for the next tick.
	MaxBatchSize int

	MaxWait       time.Duration
	FeeThreshold  decimal.Decimal // per-chain "standard" fee ceiling
	PriorityChain bool            // chain is in the always-execute priority set
}

// DefaultThresholds returns the stock triggers.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinBatchSize: 20,
		MaxBatchSize: 20,
		MaxWait:      4 * time.Hour,
	}
}

// Eligible reports whether a period's queued items should be swept now.
// Any one of the size, age, fee, or priority triggers fires the batch.
func Eligible(items []store.BatchItem, standardFee decimal.Decimal, now time.Time, t Thresholds) bool {
	if len(items) == 0 {
		return false
	}
	if t.MinBatchSize > 0 && len(items) >= t.MinBatchSize {
		return true
	}
	if t.PriorityChain {
		return true
	}

	oldest := items[0].CreatedAt
	for _, it := range items[1:] {
		if it.CreatedAt.Before(oldest) {
			oldest = it.CreatedAt
		}
	}
	if now.Sub(oldest) >= t.MaxWait {
		return true
	}

	if !t.FeeThreshold.IsZero() && standardFee.LessThanOrEqual(t.FeeThreshold) {
		return true
	}

	return false
}
