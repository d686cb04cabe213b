package maintenance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/lightningnetwork/depositd/chain"
	"github.com/lightningnetwork/depositd/dispatch"
	"github.com/lightningnetwork/depositd/lifecycle"
	"github.com/lightningnetwork/depositd/store"
)

func newOKServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if r.URL.Path != "/health" {
			w.Write([]byte(`{"status":"ok"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestRetryOrphanedCallbacksConfirms covers the crash-recovery path: a
// Watch that already recorded evidence but whose CONFIRMED callback never
// succeeded before a restart is retried and finalized by the maintenance
// pass instead of waiting on the Watch Engine's own tick.
func TestRetryOrphanedCallbacksConfirms(t *testing.T) {
	srv := newOKServer(t)
	st := store.NewMemory()
	ctx := context.Background()

	st.PutWallet(store.Wallet{ID: "wallet-1", Status: store.WalletPending})

	w, err := st.StartOrReuseWatch(ctx, store.StartWatchParams{
		UserID: "user-1", WalletID: "wallet-1", Address: "0xaddr1",
		Chain: chain.BSC, Token: chain.USDT,
		ExpectedAmount: decimal.NewFromInt(10),
		ExpiresAt:      time.Now().Add(time.Hour),
		CallbackURL:    srv.URL,
	})
	require.NoError(t, err)
	require.NoError(t, st.RecordEvidence(ctx, w.ID, "0xAAA", decimal.NewFromInt(10), 5))

	disp := dispatch.New(dispatch.Config{Secret: []byte("s"), Clock: clock.NewDefaultClock()})
	tower := lifecycle.NewTower(st)
	loop := New(Config{}, st, disp, tower, nil)

	loop.retryOrphanedCallbacks(ctx)

	got, err := st.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchConfirmed, got.Status)
	require.True(t, got.CallbackSent)

	wallet, err := st.GetWallet(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, store.WalletUsed, wallet.Status)
}

// TestForceStopOverdueBackstop covers the maintenance loop's own
// force-stop backstop: a Watch long past its exhaust horizon that
// the Watch Engine hasn't reached yet (e.g. after a long outage) is
// force-transitioned by the maintenance pass with callbackSent=false.
func TestForceStopOverdueBackstop(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	st.PutWallet(store.Wallet{ID: "wallet-1", Status: store.WalletUnused})

	w, err := st.StartOrReuseWatch(ctx, store.StartWatchParams{
		UserID: "user-1", WalletID: "wallet-1", Address: "0xaddr1",
		Chain: chain.BSC, Token: chain.USDT,
		ExpectedAmount: decimal.NewFromInt(10),
		ExpiresAt:      time.Now().Add(-4 * time.Hour),
		CallbackURL:    "https://example.test/hook",
	})
	require.NoError(t, err)

	disp := dispatch.New(dispatch.Config{Secret: []byte("s"), Clock: clock.NewDefaultClock()})
	tower := lifecycle.NewTower(st)
	loop := New(Config{CallbackExhaust: 3 * time.Hour}, st, disp, tower, nil)

	loop.forceStopOverdue(ctx)

	got, err := st.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchExpired, got.Status)
	require.False(t, got.CallbackSent)

	wallet, err := st.GetWallet(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, store.WalletFailed, wallet.Status)
}

// TestForceStopOverdueSkipsNotYetDue ensures the backstop leaves watches
// that are within their exhaust window untouched, deferring to the Watch
// Engine's own tick rather than force-stopping prematurely.
func TestForceStopOverdueSkipsNotYetDue(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	st.PutWallet(store.Wallet{ID: "wallet-1", Status: store.WalletUnused})

	w, err := st.StartOrReuseWatch(ctx, store.StartWatchParams{
		UserID: "user-1", WalletID: "wallet-1", Address: "0xaddr1",
		Chain: chain.BSC, Token: chain.USDT,
		ExpectedAmount: decimal.NewFromInt(10),
		ExpiresAt:      time.Now().Add(-time.Minute),
		CallbackURL:    "https://example.test/hook",
	})
	require.NoError(t, err)

	disp := dispatch.New(dispatch.Config{Secret: []byte("s"), Clock: clock.NewDefaultClock()})
	tower := lifecycle.NewTower(st)
	loop := New(Config{CallbackExhaust: 3 * time.Hour}, st, disp, tower, nil)

	loop.forceStopOverdue(ctx)

	got, err := st.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchActive, got.Status)
}
