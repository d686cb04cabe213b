package batch

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/depositd/store"
)

func items(n int, createdAt time.Time) []store.BatchItem {
	out := make([]store.BatchItem, n)
	for i := range out {
		out[i] = store.BatchItem{
			ID:        string(rune('a' + i)),
			Amount:    decimal.NewFromInt(10),
			CreatedAt: createdAt,
		}
	}
	return out
}

// TestEligibleSizeTrigger: a batch of 5 with MinBatchSize=5 fires
// immediately.
func TestEligibleSizeTrigger(t *testing.T) {
	th := Thresholds{MinBatchSize: 5, MaxWait: 4 * time.Hour}
	now := time.Now()

	require.False(t, Eligible(items(4, now), decimal.NewFromInt(100), now, th))
	require.True(t, Eligible(items(5, now), decimal.NewFromInt(100), now, th))
}

// TestEligibleAgeTrigger: a batch of 4 fires once its oldest item is 4h
// old.
func TestEligibleAgeTrigger(t *testing.T) {
	th := Thresholds{MinBatchSize: 5, MaxWait: 4 * time.Hour}
	created := time.Now().Add(-4 * time.Hour)
	now := created.Add(4 * time.Hour)

	require.False(t, Eligible(items(4, created), decimal.NewFromInt(100), created.Add(time.Hour), th))
	require.True(t, Eligible(items(4, created), decimal.NewFromInt(100), now, th))
}

func TestEligibleFeeThreshold(t *testing.T) {
	th := Thresholds{
		MinBatchSize: 20,
		MaxWait:      4 * time.Hour,
		FeeThreshold: decimal.NewFromInt(5),
	}
	now := time.Now()

	require.False(t, Eligible(items(2, now), decimal.NewFromInt(10), now, th))
	require.True(t, Eligible(items(2, now), decimal.NewFromInt(5), now, th))
	require.True(t, Eligible(items(2, now), decimal.NewFromInt(1), now, th))
}

func TestEligiblePriorityChain(t *testing.T) {
	th := Thresholds{MinBatchSize: 20, MaxWait: 4 * time.Hour, PriorityChain: true}
	now := time.Now()

	require.True(t, Eligible(items(1, now), decimal.NewFromInt(100), now, th))
}

func TestEligibleEmpty(t *testing.T) {
	th := DefaultThresholds()
	require.False(t, Eligible(nil, decimal.Zero, time.Now(), th))
}

func TestPartitionDropsNonPositiveYield(t *testing.T) {
	its := []store.BatchItem{
		{ID: "big", Amount: decimal.NewFromInt(100)},
		{ID: "dust", Amount: decimal.NewFromInt(1)},
	}
	fee := decimal.NewFromInt(5)

	out := partition(its, fee, 0)
	require.Len(t, out, 1)
	require.Equal(t, "big", out[0].ID)
}

func TestPartitionSortsByYieldDescending(t *testing.T) {
	its := []store.BatchItem{
		{ID: "low", Amount: decimal.NewFromInt(20)},
		{ID: "high", Amount: decimal.NewFromInt(50)},
	}
	fee := decimal.NewFromInt(5)

	out := partition(its, fee, 0)
	require.Len(t, out, 2)
	require.Equal(t, "high", out[0].ID)
	require.Equal(t, "low", out[1].ID)

	capped := partition(its, fee, 1)
	require.Len(t, capped, 1)
	require.Equal(t, "high", capped[0].ID)
}
