package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/depositd/chain"
)

func TestStartOrReuseWatchEnforcesSingleActivePerUserChain(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	p := StartWatchParams{
		UserID:         "u1",
		WalletID:       "w1",
		Address:        "0xabc",
		Chain:          chain.BSC,
		Token:          chain.USDT,
		ExpectedAmount: decimal.NewFromInt(10),
		ExpiresAt:      time.Now().Add(time.Hour),
	}

	first, err := s.StartOrReuseWatch(ctx, p)
	require.NoError(t, err)

	p.ExpectedAmount = decimal.NewFromInt(20)
	p.ExpiresAt = first.ExpiresAt.Add(time.Hour)
	second, err := s.StartOrReuseWatch(ctx, p)
	require.NoError(t, err)

	// Reuse: same row, extended expiry and updated expected amount.
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.ExpectedAmount.Equal(decimal.NewFromInt(20)))
	require.True(t, second.ExpiresAt.After(first.ExpiresAt))

	active, err := s.ListActiveWatches(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestStartOrReuseWatchSeparateChainsIndependent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	mk := func(c chain.ID) StartWatchParams {
		return StartWatchParams{
			UserID: "u1", WalletID: "w-" + string(c), Address: "addr-" + string(c),
			Chain: c, Token: chain.USDT, ExpectedAmount: decimal.NewFromInt(1),
			ExpiresAt: time.Now().Add(time.Hour),
		}
	}

	_, err := s.StartOrReuseWatch(ctx, mk(chain.BSC))
	require.NoError(t, err)
	_, err = s.StartOrReuseWatch(ctx, mk(chain.Ethereum))
	require.NoError(t, err)

	active, err := s.ListActiveWatches(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestInsertDepositOnceRejectsDuplicate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	d := Deposit{Chain: chain.BSC, TxHash: "0xAAA", Amount: decimal.NewFromInt(10)}
	require.NoError(t, s.InsertDepositOnce(ctx, d))
	require.ErrorIs(t, s.InsertDepositOnce(ctx, d), ErrDuplicateDeposit)
}

func TestTransitionTerminalRequiresActive(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	w, err := s.StartOrReuseWatch(ctx, StartWatchParams{
		UserID: "u1", WalletID: "w1", Address: "0xabc", Chain: chain.BSC,
		Token: chain.USDT, ExpectedAmount: decimal.NewFromInt(10),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, s.TransitionTerminal(ctx, w.ID, WatchExpired, true))

	// Second terminal transition on the same row is a conflict: no Watch
	// ever leaves a terminal state.
	require.ErrorIs(t, s.TransitionTerminal(ctx, w.ID, WatchConfirmed, true), ErrStoreConflict)
}

func TestTransitionTerminalRejectsWhenCallbackNotSentAndNotForced(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	w, err := s.StartOrReuseWatch(ctx, StartWatchParams{
		UserID: "u1", WalletID: "w1", Address: "0xabc", Chain: chain.BSC,
		Token: chain.USDT, ExpectedAmount: decimal.NewFromInt(10),
		ExpiresAt:   time.Now().Add(time.Hour),
		CallbackURL: "https://example.test/hook",
	})
	require.NoError(t, err)

	require.ErrorIs(t, s.TransitionTerminal(ctx, w.ID, WatchConfirmed, false), ErrStoreConflict)
}

func TestTransitionWalletRequiresFromMatch(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	s.PutWallet(Wallet{ID: "w1", Status: WalletUnused})

	require.NoError(t, s.TransitionWallet(ctx, "w1", WalletUnused, WalletPending))
	require.ErrorIs(t, s.TransitionWallet(ctx, "w1", WalletUnused, WalletPending), ErrStoreConflict)
}

func TestEnqueueBatchItemRejectsSecondNonTerminal(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	item := BatchItem{WatchID: "watch-1", Chain: chain.BSC, Amount: decimal.NewFromInt(10)}
	require.NoError(t, s.EnqueueBatchItem(ctx, item))
	require.ErrorIs(t, s.EnqueueBatchItem(ctx, item), ErrBatchItemExists)
}

func TestListOrphanedCallbacksAndForceStopCandidates(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	w, err := s.StartOrReuseWatch(ctx, StartWatchParams{
		UserID: "u1", WalletID: "w1", Address: "0xabc", Chain: chain.BSC,
		Token: chain.USDT, ExpectedAmount: decimal.NewFromInt(10),
		ExpiresAt:   time.Now().Add(-time.Hour),
		CallbackURL: "https://example.test/hook",
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordEvidence(ctx, w.ID, "0xAAA", decimal.NewFromInt(10), 5))

	orphaned, err := s.ListOrphanedCallbacks(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, w.ID, orphaned[0].ID)

	candidates, err := s.ListForceStopCandidates(ctx, time.Now().Add(4*time.Hour), 3*time.Hour)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	none, err := s.ListForceStopCandidates(ctx, time.Now(), 3*time.Hour)
	require.NoError(t, err)
	require.Empty(t, none)
}
