package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/lightningnetwork/depositd/chain"
)

func testWatch() Watch {
	return Watch{
		ID:             "watch-1",
		UserID:         "user-1",
		Address:        "0xabc",
		Chain:          chain.BSC,
		Token:          chain.USDT,
		ExpectedAmount: "10",
		ActualAmount:   "10",
		Confirmations:  5,
		TxHash:         "0xAAA",
		CallbackURL:    "", // set per test
		PaymentID:      "pay-1",
	}
}

func newDispatcher(url string) *Dispatcher {
	return New(Config{
		Secret:      []byte("secret"),
		UserAgent:   "depositd/test",
		RetryDelays: []time.Duration{0, time.Millisecond, time.Millisecond},
	})
}

// TestDeliverOK covers the HTTP 2xx + {"status":"ok"} classification.
func TestDeliverOK(t *testing.T) {
	var gotSig, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Wallet-API-Signature")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	d := newDispatcher(srv.URL)
	wt := testWatch()
	wt.CallbackURL = srv.URL

	result, err := d.Deliver(context.Background(), wt, Confirmed)
	require.NoError(t, err)
	require.Equal(t, OK, result)
	require.NotEmpty(t, gotSig)
	require.Contains(t, gotUA, "depositd")
}

// TestDeliverPermanentOn404: HTTP 404 -> PERMANENT.
func TestDeliverPermanentOn404(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The advisory health probe is not a delivery attempt.
		if r.URL.Path == "/health" {
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := newDispatcher(srv.URL)
	wt := testWatch()
	wt.CallbackURL = srv.URL

	result, _ := d.Deliver(context.Background(), wt, Confirmed)
	require.Equal(t, PERMANENT, result)
	// PERMANENT short-circuits the retry schedule: exactly one attempt.
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

// TestDeliverRetriableOn503ThenOK: two 503s then 200+{"status":"ok"}
// within a single Deliver call's schedule.
func TestDeliverRetriableOn503ThenOK(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The advisory health probe is not a delivery attempt.
		if r.URL.Path == "/health" {
			return
		}
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	d := New(Config{
		Secret:      []byte("secret"),
		RetryDelays: []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond},
	})
	wt := testWatch()
	wt.CallbackURL = srv.URL

	result, err := d.Deliver(context.Background(), wt, Confirmed)
	require.NoError(t, err)
	require.Equal(t, OK, result)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

// TestDeliverRetriableExhausted covers the case where every attempt in
// the schedule comes back RETRIABLE: the final classification is still
// RETRIABLE, for the engine/maintenance loop to retry on a future tick.
func TestDeliverRetriableExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(Config{
		Secret:      []byte("secret"),
		RetryDelays: []time.Duration{0, time.Millisecond, time.Millisecond},
	})
	wt := testWatch()
	wt.CallbackURL = srv.URL

	result, _ := d.Deliver(context.Background(), wt, Confirmed)
	require.Equal(t, RETRIABLE, result)
}

// TestDeliver2xxWithoutOKMarkerIsRetriable: 200 with {"status":"error"}
// -> RETRIABLE.
func TestDeliver2xxWithoutOKMarkerIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"error"}`))
	}))
	defer srv.Close()

	d := New(Config{
		Secret:      []byte("secret"),
		RetryDelays: []time.Duration{0},
		Clock:       clock.NewTestClock(time.Unix(0, 0)),
	})
	wt := testWatch()
	wt.CallbackURL = srv.URL

	result, _ := d.Deliver(context.Background(), wt, Confirmed)
	require.Equal(t, RETRIABLE, result)
}

// TestDeliverPayloadShape checks the outbound webhook payload carries
// the documented field names.
func TestDeliverPayloadShape(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		body = b
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	d := New(Config{
		Secret:      []byte("secret"),
		RetryDelays: []time.Duration{0},
		Clock:       clock.NewTestClock(time.Unix(1700000000, 0)),
	})
	wt := testWatch()
	wt.CallbackURL = srv.URL

	_, err := d.Deliver(context.Background(), wt, Confirmed)
	require.NoError(t, err)

	require.Contains(t, string(body), `"status":"CONFIRMED"`)
	require.Contains(t, string(body), `"txHash":"0xAAA"`)
	require.Contains(t, string(body), `"watchId":"watch-1"`)
	require.Contains(t, string(body), `"paymentId":"pay-1"`)
}

// TestDeliverExpiredNullTxHash: an EXPIRED callback carries a null
// txHash.
func TestDeliverExpiredNullTxHash(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		body = b
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	d := New(Config{
		Secret:      []byte("secret"),
		RetryDelays: []time.Duration{0},
		Clock:       clock.NewTestClock(time.Unix(0, 0)),
	})
	wt := testWatch()
	wt.CallbackURL = srv.URL
	wt.TxHash = ""
	wt.ActualAmount = ""

	_, err := d.Deliver(context.Background(), wt, Expired)
	require.NoError(t, err)
	require.Contains(t, string(body), `"txHash":null`)
	require.Contains(t, string(body), `"status":"EXPIRED"`)
}
