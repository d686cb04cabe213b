package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/depositd/chain"
	"github.com/shopspring/decimal"
)

// Memory is an in-process map-backed Store, a fully synchronous fake
// used by the engine, scheduler, lifecycle and maintenance test suites so
// they never need
// a running Postgres or a SQLite file.
type Memory struct {
	mu sync.Mutex

	wallets    map[string]Wallet
	watches    map[string]Watch
	deposits   map[string]Deposit // keyed by chain+"|"+txHash
	batchItems map[string]BatchItem

	activeByUserChain map[string]string // userId|chain -> watchId
	batchByWatch      map[string]string // watchId -> non-terminal batchItem id
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		wallets:           make(map[string]Wallet),
		watches:           make(map[string]Watch),
		deposits:          make(map[string]Deposit),
		batchItems:        make(map[string]BatchItem),
		activeByUserChain: make(map[string]string),
		batchByWatch:      make(map[string]string),
	}
}

var _ Store = (*Memory)(nil)

func userChainKey(userID string, c chain.ID) string {
	return userID + "|" + string(c)
}

func depositKey(c chain.ID, txHash string) string {
	return string(c) + "|" + txHash
}

// PutWallet seeds a wallet directly; used by test setup code.
func (m *Memory) PutWallet(w Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.ID] = w
}

// BatchItemByWatch returns the (possibly terminal) BatchItem for watchID,
// regardless of state; used by test assertions that need to observe a
// batch item after it has left QUEUED.
func (m *Memory) BatchItemByWatch(_ context.Context, watchID string) (BatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.batchItems {
		if item.WatchID == watchID {
			return item, nil
		}
	}
	return BatchItem{}, fmt.Errorf("store: no batch item for watch %s", watchID)
}

func (m *Memory) StartOrReuseWatch(_ context.Context, p StartWatchParams) (Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userChainKey(p.UserID, p.Chain)
	if existingID, ok := m.activeByUserChain[key]; ok {
		existing := m.watches[existingID]
		if existing.Status != WatchActive {
			// Stale index entry from a transition that didn't clean up;
			// fall through to create a fresh watch.
			delete(m.activeByUserChain, key)
		} else {
			existing.ExpiresAt = p.ExpiresAt
			existing.ExpectedAmount = p.ExpectedAmount
			existing.CallbackURL = p.CallbackURL
			existing.PaymentID = p.PaymentID
			m.watches[existingID] = existing
			return existing, nil
		}
	}

	w := Watch{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		WalletID:       p.WalletID,
		Address:        p.Address,
		Chain:          p.Chain,
		Token:          p.Token,
		ExpectedAmount: p.ExpectedAmount,
		Status:         WatchActive,
		ExpiresAt:      p.ExpiresAt,
		CreatedAt:      time.Now(),
		CallbackURL:    p.CallbackURL,
		PaymentID:      p.PaymentID,
	}
	m.watches[w.ID] = w
	m.activeByUserChain[key] = w.ID
	return w, nil
}

func (m *Memory) GetWatch(_ context.Context, watchID string) (Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[watchID]
	if !ok {
		return Watch{}, ErrWatchNotFound
	}
	return w, nil
}

func (m *Memory) ListActiveWatches(_ context.Context) ([]Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Watch, 0, len(m.watches))
	for _, w := range m.watches {
		if w.Status == WatchActive {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) MarkChecked(_ context.Context, watchID string, now time.Time, lastScannedBlock uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[watchID]
	if !ok {
		return ErrWatchNotFound
	}
	w.LastCheckedAt = now
	if lastScannedBlock > w.LastScannedBlock {
		w.LastScannedBlock = lastScannedBlock
	}
	m.watches[watchID] = w
	return nil
}

func (m *Memory) RecordEvidence(_ context.Context, watchID string, txHash string, actualAmount decimal.Decimal, confirmations uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[watchID]
	if !ok {
		return ErrWatchNotFound
	}
	w.TxHash = txHash
	w.ActualAmount = actualAmount
	w.HasActualAmount = true
	w.Confirmations = confirmations
	m.watches[watchID] = w
	return nil
}

func (m *Memory) SetCallbackSent(_ context.Context, watchID string, sent bool, attemptedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[watchID]
	if !ok {
		return ErrWatchNotFound
	}
	w.CallbackSent = sent
	w.CallbackAttempts++
	w.LastCallbackAttempt = attemptedAt
	m.watches[watchID] = w
	return nil
}

func (m *Memory) TransitionTerminal(_ context.Context, watchID string, newStatus WatchStatus, forced bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[watchID]
	if !ok {
		return ErrWatchNotFound
	}
	if w.Status != WatchActive {
		return ErrStoreConflict
	}
	if !forced && w.CallbackURL != "" && !w.CallbackSent {
		return ErrStoreConflict
	}

	w.Status = newStatus
	m.watches[watchID] = w
	delete(m.activeByUserChain, userChainKey(w.UserID, w.Chain))
	return nil
}

func (m *Memory) InsertDepositOnce(_ context.Context, d Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := depositKey(d.Chain, d.TxHash)
	if _, exists := m.deposits[key]; exists {
		return ErrDuplicateDeposit
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.deposits[key] = d
	return nil
}

func (m *Memory) TransitionWallet(_ context.Context, walletID string, from, to WalletStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Status != from {
		return ErrStoreConflict
	}
	w.Status = to
	w.UpdatedAt = time.Now()
	m.wallets[walletID] = w
	return nil
}

func (m *Memory) GetWallet(_ context.Context, walletID string) (Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (m *Memory) EnqueueBatchItem(_ context.Context, item BatchItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.batchByWatch[item.WatchID]; exists {
		return ErrBatchItemExists
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.State == "" {
		item.State = BatchQueued
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	m.batchItems[item.ID] = item
	m.batchByWatch[item.WatchID] = item.ID
	return nil
}

func (m *Memory) ListEligibleBatchItems(_ context.Context, c chain.ID, period int64) ([]BatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BatchItem, 0)
	for _, item := range m.batchItems {
		if item.Chain == c && item.Period == period && item.State == BatchQueued {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *Memory) TransitionBatchItem(_ context.Context, itemID string, from, to BatchItemState, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.batchItems[itemID]
	if !ok {
		return fmt.Errorf("store: batch item %s not found", itemID)
	}
	if item.State != from {
		return ErrStoreConflict
	}
	item.State = to
	item.UpdatedAt = time.Now()
	if txHash != "" {
		item.TxHash = txHash
	}
	m.batchItems[itemID] = item

	if to == BatchDone || to == BatchFailed {
		delete(m.batchByWatch, item.WatchID)
	}
	return nil
}

func (m *Memory) ListOrphanedCallbacks(_ context.Context) ([]Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Watch, 0)
	for _, w := range m.watches {
		if w.Status == WatchActive && w.TxHash != "" && !w.CallbackSent {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) ListForceStopCandidates(_ context.Context, now time.Time, exhaust time.Duration) ([]Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Watch, 0)
	for _, w := range m.watches {
		if w.Status == WatchActive && now.After(w.ExpiresAt.Add(exhaust)) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
