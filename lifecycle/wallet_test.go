package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/depositd/chain"
	"github.com/lightningnetwork/depositd/store"
)

func newTestWallet(id string, status store.WalletStatus) store.Wallet {
	return store.Wallet{
		ID:      id,
		UserID:  "user-1",
		Chain:   chain.BSC,
		Address: "0xabc",
		Status:  status,
	}
}

func TestObserveEvidenceUnusedToPending(t *testing.T) {
	s := store.NewMemory()
	s.PutWallet(newTestWallet("w1", store.WalletUnused))
	tower := NewTower(s)

	require.NoError(t, tower.ObserveEvidence(context.Background(), "w1"))

	got, err := s.GetWallet(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, store.WalletPending, got.Status)
}

func TestObserveEvidenceIdempotentWhenAlreadyPending(t *testing.T) {
	s := store.NewMemory()
	s.PutWallet(newTestWallet("w1", store.WalletPending))
	tower := NewTower(s)

	require.NoError(t, tower.ObserveEvidence(context.Background(), "w1"))

	got, err := s.GetWallet(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, store.WalletPending, got.Status)
}

func TestObserveEvidenceRejectsTerminal(t *testing.T) {
	s := store.NewMemory()
	s.PutWallet(newTestWallet("w1", store.WalletUsed))
	tower := NewTower(s)

	err := tower.ObserveEvidence(context.Background(), "w1")
	require.ErrorIs(t, err, ErrWalletTerminal)
}

func TestFinalizeToUsedOnCallbackSent(t *testing.T) {
	s := store.NewMemory()
	s.PutWallet(newTestWallet("w1", store.WalletPending))
	tower := NewTower(s)

	require.NoError(t, tower.Finalize(context.Background(), "w1", true))

	got, _ := s.GetWallet(context.Background(), "w1")
	require.Equal(t, store.WalletUsed, got.Status)
}

func TestFinalizeToFailedOnForceStop(t *testing.T) {
	s := store.NewMemory()
	s.PutWallet(newTestWallet("w1", store.WalletPending))
	tower := NewTower(s)

	require.NoError(t, tower.Finalize(context.Background(), "w1", false))

	got, _ := s.GetWallet(context.Background(), "w1")
	require.Equal(t, store.WalletFailed, got.Status)
}

// TestWalletNeverReassignedPastTerminal: a USED or FAILED wallet never
// returns to UNUSED or PENDING.
func TestWalletNeverReassignedPastTerminal(t *testing.T) {
	s := store.NewMemory()
	s.PutWallet(newTestWallet("w1", store.WalletUsed))
	tower := NewTower(s)

	require.ErrorIs(t, tower.Finalize(context.Background(), "w1", true), ErrWalletTerminal)

	got, _ := s.GetWallet(context.Background(), "w1")
	require.Equal(t, store.WalletUsed, got.Status)
}

// TestFinalizeFromUnused covers a Watch that never observed any evidence
// before reaching a terminal status (a plain expiry or a force-stop with
// zero transfers): the bound wallet finalizes straight from UNUSED
// instead of requiring a PENDING hop.
func TestFinalizeFromUnused(t *testing.T) {
	s := store.NewMemory()
	s.PutWallet(newTestWallet("w1", store.WalletUnused))
	tower := NewTower(s)

	require.NoError(t, tower.Finalize(context.Background(), "w1", false))

	got, _ := s.GetWallet(context.Background(), "w1")
	require.Equal(t, store.WalletFailed, got.Status)
}
