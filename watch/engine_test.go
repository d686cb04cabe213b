package watch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/lightningnetwork/depositd/amount"
	"github.com/lightningnetwork/depositd/chain"
	"github.com/lightningnetwork/depositd/chain/mock"
	"github.com/lightningnetwork/depositd/dispatch"
	"github.com/lightningnetwork/depositd/lifecycle"
	"github.com/lightningnetwork/depositd/store"
)

// callbackServer is a controllable httptest server standing in for the
// external business service receiving webhooks.
type callbackServer struct {
	*httptest.Server
	responses []int // HTTP status codes to return, in order; last repeats
	calls     int
	bodies    [][]byte
}

func newCallbackServer(statuses ...int) *callbackServer {
	cs := &callbackServer{responses: statuses}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		idx := cs.calls
		if idx >= len(cs.responses) {
			idx = len(cs.responses) - 1
		}
		status := cs.responses[idx]
		cs.calls++

		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		cs.bodies = append(cs.bodies, buf)

		w.WriteHeader(status)
		if status >= 200 && status < 300 {
			w.Write([]byte(`{"status":"ok"}`))
		}
	}))
	return cs
}

type testHarness struct {
	store    *store.Memory
	registry *chain.Registry
	adapter  *mock.Adapter
	clock    *clock.TestClock
	engine   *Engine
	server   *callbackServer
}

func newHarness(t *testing.T, cfg Config, statuses ...int) *testHarness {
	t.Helper()

	st := store.NewMemory()
	adapter := mock.New(chain.BSC, amount.Decimals18)
	registry := chain.NewRegistry()
	registry.Register(chain.BSC, adapter)

	tc := clock.NewTestClock(time.Unix(1_700_000_000, 0))

	srv := newCallbackServer(statuses...)
	t.Cleanup(srv.Close)

	// A single attempt per Deliver call: the dispatcher's own internal
	// retry schedule is exercised in package dispatch's tests, so here
	// each engine tick maps to exactly one delivery attempt, isolating
	// the engine's across-tick retry behavior.
	disp := dispatch.New(dispatch.Config{
		Secret:      []byte("secret"),
		RetryDelays: []time.Duration{0},
		Clock:       tc,
	})

	tower := lifecycle.NewTower(st)

	e := New(cfg, Deps{
		Store:      st,
		Chains:     registry,
		Dispatcher: disp,
		Tower:      tower,
		Clock:      tc,
	})

	return &testHarness{store: st, registry: registry, adapter: adapter, clock: tc, engine: e, server: srv}
}

func seedWatch(t *testing.T, h *testHarness, expected string, duration time.Duration, callback bool) store.Watch {
	t.Helper()
	ctx := context.Background()

	h.store.PutWallet(store.Wallet{ID: "wallet-1", Status: store.WalletUnused})

	cbURL := ""
	if callback {
		cbURL = h.server.URL
	}

	w, err := h.store.StartOrReuseWatch(ctx, store.StartWatchParams{
		UserID:         "user-1",
		WalletID:       "wallet-1",
		Address:        "0xaddr1",
		Chain:          chain.BSC,
		Token:          chain.USDT,
		ExpectedAmount: decimal.RequireFromString(expected),
		ExpiresAt:      h.clock.Now().Add(duration),
		CallbackURL:    cbURL,
	})
	require.NoError(t, err)
	return w
}

func defaultTestConfig() Config {
	cfg := DefaultConfig()
	cfg.CallbackExhaust = 3 * time.Hour
	return cfg
}

// TestHappyPathConfirmation: a matching
// deposit with sufficient confirmations drives the watch to CONFIRMED,
// the wallet to USED, and queues exactly one BatchItem.
func TestHappyPathConfirmation(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), http.StatusOK)
	ctx := context.Background()

	w := seedWatch(t, h, "10", time.Hour, true)

	h.adapter.SetHeight(100)
	h.adapter.Deposit(w.Address, chain.Transfer{
		TxHash: "0xAAA", Amount: decimal.NewFromInt(10), Height: 100, Confirmations: 5,
	})

	require.NoError(t, h.engine.tick(ctx))

	got, err := h.store.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchConfirmed, got.Status)
	require.Equal(t, "0xAAA", got.TxHash)
	require.True(t, got.ActualAmount.Equal(decimal.NewFromInt(10)))
	require.True(t, got.CallbackSent)

	wallet, err := h.store.GetWallet(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, store.WalletUsed, wallet.Status)

	item, err := h.store.BatchItemByWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.BatchQueued, item.State)

	require.Len(t, h.server.bodies, 1)
	require.Contains(t, string(h.server.bodies[0]), `"status":"CONFIRMED"`)
	require.Contains(t, string(h.server.bodies[0]), `"actualAmount":"10"`)
	require.Contains(t, string(h.server.bodies[0]), `"txHash":"0xAAA"`)
}

// TestExpiryPath: no transfer arrives before
// expiresAt; the engine delivers EXPIRED with a null txHash and the watch
// terminates EXPIRED.
func TestExpiryPath(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), http.StatusOK)
	ctx := context.Background()

	w := seedWatch(t, h, "5", time.Second, true)
	h.adapter.SetHeight(100)

	h.clock.SetTime(h.clock.Now().Add(2 * time.Second))
	require.NoError(t, h.engine.tick(ctx))

	got, err := h.store.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchExpired, got.Status)
	require.True(t, got.CallbackSent)

	require.Len(t, h.server.bodies, 1)
	require.Contains(t, string(h.server.bodies[0]), `"status":"EXPIRED"`)
	require.Contains(t, string(h.server.bodies[0]), `"txHash":null`)
}

// TestCallbackRetryEventualConfirm: the
// callback endpoint returns 503 twice then 200+{"status":"ok"}; the watch
// stays ACTIVE with evidence recorded across the failing ticks, then
// reaches CONFIRMED once delivery finally succeeds.
func TestCallbackRetryEventualConfirm(t *testing.T) {
	h := newHarness(t, defaultTestConfig(),
		http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)
	ctx := context.Background()

	w := seedWatch(t, h, "1", time.Hour, true)
	h.adapter.SetHeight(100)
	h.adapter.Deposit(w.Address, chain.Transfer{
		TxHash: "0xBBB", Amount: decimal.NewFromInt(1), Height: 100, Confirmations: 5,
	})

	// First tick: detection finds the transfer, records evidence, and
	// attempts delivery; the first 503 leaves the watch ACTIVE with
	// evidence stored.
	require.NoError(t, h.engine.tick(ctx))

	got, err := h.store.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchActive, got.Status)
	require.Equal(t, "0xBBB", got.TxHash)
	require.False(t, got.CallbackSent)

	// Second tick: the watch already carries evidence, so the engine
	// retries confirmation delivery directly rather than re-scanning
	// (the same txHash would otherwise be rejected as a duplicate
	// deposit). The second 503 again leaves it ACTIVE.
	require.NoError(t, h.engine.tick(ctx))

	got, err = h.store.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchActive, got.Status)
	require.False(t, got.CallbackSent)

	// Third tick: the endpoint finally returns 200+{"status":"ok"} and
	// the watch reaches its single terminal CONFIRMED transition.
	require.NoError(t, h.engine.tick(ctx))

	got, err = h.store.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchConfirmed, got.Status)
	require.True(t, got.CallbackSent)
	require.GreaterOrEqual(t, got.CallbackAttempts, uint32(3))
	require.Equal(t, 3, h.server.calls)
}

// TestForceStopAfterExhaust: the callback
// endpoint fails indefinitely; once now passes the exhaust horizon
// the engine force-transitions the watch with callbackSent=false and the
// wallet to FAILED.
func TestForceStopAfterExhaust(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.CallbackExhaust = 3 * time.Hour

	h := newHarness(t, cfg, http.StatusServiceUnavailable)
	ctx := context.Background()

	w := seedWatch(t, h, "5", time.Second, true)
	h.adapter.SetHeight(100)

	// Past expiry but not yet past exhaust: still retries expiry delivery.
	h.clock.SetTime(h.clock.Now().Add(time.Second + time.Minute))
	require.NoError(t, h.engine.tick(ctx))

	got, err := h.store.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchActive, got.Status)

	// Past expiresAt + CallbackExhaust: force-stop fires.
	h.clock.SetTime(h.clock.Now().Add(cfg.CallbackExhaust + time.Minute))
	require.NoError(t, h.engine.tick(ctx))

	got, err = h.store.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchExpired, got.Status)
	require.False(t, got.CallbackSent)

	wallet, err := h.store.GetWallet(ctx, "wallet-1")
	require.NoError(t, err)
	require.Equal(t, store.WalletFailed, wallet.Status)
}

// TestDuplicateDepositSingleCredit: a confirmed
// deposit whose txHash the adapter still reports on a later tick yields
// one CONFIRMED callback in total.
func TestDuplicateDepositSingleCredit(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), http.StatusOK)
	ctx := context.Background()

	w := seedWatch(t, h, "10", time.Hour, true)
	h.adapter.SetHeight(100)
	h.adapter.Deposit(w.Address, chain.Transfer{
		TxHash: "0xBBB", Amount: decimal.NewFromInt(10), Height: 100, Confirmations: 5,
	})

	require.NoError(t, h.engine.tick(ctx))

	got, err := h.store.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchConfirmed, got.Status)
	require.Len(t, h.server.bodies, 1)

	// A second tick should find nothing new: the watch is already
	// terminal and no longer returned by ListActiveWatches.
	require.NoError(t, h.engine.tick(ctx))
	require.Len(t, h.server.bodies, 1)
}

// TestMismatchedAmountNoTransition: an
// observed amount far outside tolerance is logged but neither credits
// nor disposes of the watch; it stays ACTIVE until expiry.
func TestMismatchedAmountNoTransition(t *testing.T) {
	h := newHarness(t, defaultTestConfig(), http.StatusOK)
	ctx := context.Background()

	w := seedWatch(t, h, "10", time.Hour, true)
	h.adapter.SetHeight(100)
	h.adapter.Deposit(w.Address, chain.Transfer{
		TxHash: "0xCCC", Amount: decimal.NewFromInt(7), Height: 100, Confirmations: 5,
	})

	require.NoError(t, h.engine.tick(ctx))

	got, err := h.store.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WatchActive, got.Status)
	require.Empty(t, got.TxHash)
	require.Empty(t, h.server.bodies)
}
