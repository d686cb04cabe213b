package batch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/depositd/amount"
	"github.com/lightningnetwork/depositd/chain"
	"github.com/lightningnetwork/depositd/chain/mock"
	"github.com/lightningnetwork/depositd/store"
)

type fakeKeySource struct{}

func (fakeKeySource) WalletSigningKey(_ context.Context, walletID string) ([]byte, string, error) {
	return []byte("key-" + walletID), "0xfrom", nil
}

// seedQueuedItems creates n ACTIVE watches (each owning its own PENDING wallet)
// and a matching QUEUED BatchItem for each, returning the watch IDs so the
// test can look up final BatchItem state afterward.
func seedQueuedItems(t *testing.T, st *store.Memory, n int, period int64) []string {
	t.Helper()

	watchIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		userID := fmt.Sprintf("user-%d", i)
		walletID := fmt.Sprintf("wallet-%d", i)

		st.PutWallet(store.Wallet{ID: walletID, Status: store.WalletPending})

		w, err := st.StartOrReuseWatch(context.Background(), store.StartWatchParams{
			UserID:         userID,
			WalletID:       walletID,
			Address:        fmt.Sprintf("0xaddr%d", i),
			Chain:          chain.BSC,
			Token:          chain.USDT,
			ExpectedAmount: decimal.NewFromInt(10),
			ExpiresAt:      time.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		require.NoError(t, st.EnqueueBatchItem(context.Background(), store.BatchItem{
			WatchID: w.ID,
			Chain:   chain.BSC,
			UserID:  userID,
			Amount:  decimal.NewFromInt(10),
			Period:  period,
		}))

		watchIDs = append(watchIDs, w.ID)
	}
	return watchIDs
}

// TestSchedulerExecutesEligibleBatch: queue 20 confirmed items on one
// chain within a period; a single sweep tick executes them all to DONE
// or FAILED with per-item tx hashes.
func TestSchedulerExecutesEligibleBatch(t *testing.T) {
	st := store.NewMemory()
	adapter := mock.New(chain.BSC, amount.Decimals18)
	registry := chain.NewRegistry()
	registry.Register(chain.BSC, adapter)

	period := currentPeriod(time.Now())
	watchIDs := seedQueuedItems(t, st, 20, period)

	sched := New(Config{
		Chains: map[chain.ID]ChainConfig{
			chain.BSC: {
				Custody:    "0xcustody",
				Thresholds: Thresholds{MinBatchSize: 20, MaxBatchSize: 20, MaxWait: 4 * time.Hour},
			},
		},
	}, st, registry, fakeKeySource{}, nil)

	require.NoError(t, sched.Tick(context.Background()))

	var done, failed int
	for _, watchID := range watchIDs {
		got, err := st.BatchItemByWatch(context.Background(), watchID)
		require.NoError(t, err)
		switch got.State {
		case store.BatchDone:
			done++
			require.NotEmpty(t, got.TxHash)
		case store.BatchFailed:
			failed++
		default:
			t.Fatalf("watch %s item left in state %s", watchID, got.State)
		}
	}
	require.Equal(t, len(watchIDs), done+failed)
	require.Len(t, adapter.Sent(), done)
}

// TestSchedulerSkipsIneligiblePeriod covers the negative case: a handful
// of queued items under every threshold stay QUEUED.
func TestSchedulerSkipsIneligiblePeriod(t *testing.T) {
	st := store.NewMemory()
	adapter := mock.New(chain.BSC, amount.Decimals18)
	registry := chain.NewRegistry()
	registry.Register(chain.BSC, adapter)

	period := currentPeriod(time.Now())
	watchIDs := seedQueuedItems(t, st, 2, period)

	sched := New(Config{
		Chains: map[chain.ID]ChainConfig{
			chain.BSC: {
				Custody:    "0xcustody",
				Thresholds: Thresholds{MinBatchSize: 20, MaxBatchSize: 20, MaxWait: 4 * time.Hour},
			},
		},
	}, st, registry, fakeKeySource{}, nil)

	require.NoError(t, sched.Tick(context.Background()))

	for _, watchID := range watchIDs {
		got, err := st.BatchItemByWatch(context.Background(), watchID)
		require.NoError(t, err)
		require.Equal(t, store.BatchQueued, got.State)
	}
	require.Empty(t, adapter.Sent())
}
