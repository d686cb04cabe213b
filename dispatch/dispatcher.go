// Package dispatch delivers signed outbound webhooks announcing a
// watch's terminal outcome, with a bounded per-call retry schedule, an
// HTTP-status classification table, and an HMAC signature header.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/lightningnetwork/depositd/chain"
)

// Result classifies the outcome of a single Deliver call.
type Result int

const (
	OK Result = iota
	RETRIABLE
	PERMANENT
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case RETRIABLE:
		return "RETRIABLE"
	case PERMANENT:
		return "PERMANENT"
	default:
		return "UNKNOWN"
	}
}

// Kind is the terminal outcome being announced.
type Kind string

const (
	Confirmed Kind = "CONFIRMED"
	Expired   Kind = "EXPIRED"
)

// Watch is the minimal view of a store.Watch the dispatcher needs to build
// a payload, kept narrow so this package does not import store and create
// a dependency cycle with packages that import dispatch for its Result type.
type Watch struct {
	ID             string
	UserID         string
	Address        string
	Chain          chain.ID
	Token          chain.Token
	ExpectedAmount string
	ActualAmount   string // "" if none
	Confirmations  uint32
	TxHash         string // "" if none
	CallbackURL    string
	PaymentID      string
}

// payload is the wire shape of the outbound webhook.
type payload struct {
	UserID         string  `json:"userId"`
	Address        string  `json:"address"`
	Chain          string  `json:"chain"`
	Token          string  `json:"token"`
	ExpectedAmount string  `json:"expectedAmount"`
	ActualAmount   string  `json:"actualAmount"`
	Confirmations  uint32  `json:"confirmations"`
	Status         string  `json:"status"`
	TxHash         *string `json:"txHash"`
	Timestamp      string  `json:"timestamp"`
	WatchID        string  `json:"watchId"`
	PaymentID      string  `json:"paymentId,omitempty"`
}

// Config configures a Dispatcher.
type Config struct {
	Secret      []byte
	UserAgent   string
	HTTPClient  *http.Client
	RetryDelays []time.Duration // delay before each attempt; index 0 is usually 0
	Clock       clock.Clock
	RatePerHost rate.Limit // outbound pacing, one limiter per host
	Log         btclog.Logger
	MetricsReg  *prometheus.Registry
}

// Dispatcher delivers signed webhook callbacks with bounded retry.
type Dispatcher struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	deliveries *prometheus.CounterVec
}

// New returns a ready Dispatcher. Missing Config fields get stock
// defaults.
func New(cfg Config) *Dispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{0, time.Second, 5 * time.Second, 15 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.RatePerHost == 0 {
		cfg.RatePerHost = 5
	}
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "depositd", Subsystem: "dispatch", Name: "deliveries_total",
		Help: "Number of Deliver calls by final classification.",
	}, []string{"result"})
	if cfg.MetricsReg != nil {
		cfg.MetricsReg.MustRegister(deliveries)
	}

	return &Dispatcher{
		cfg:        cfg,
		client:     cfg.HTTPClient,
		limiters:   make(map[string]*rate.Limiter),
		deliveries: deliveries,
	}
}

func (d *Dispatcher) limiterFor(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(d.cfg.RatePerHost, 1)
	d.limiters[host] = l
	return l
}

// Deliver sends the terminal-outcome webhook for w, retrying on the
// configured schedule, and returns the final classification once all
// attempts (or an early OK/PERMANENT) are resolved.
func (d *Dispatcher) Deliver(ctx context.Context, w Watch, kind Kind) (Result, error) {
	if kind == Confirmed {
		d.probeHealth(ctx, w.CallbackURL)
	}

	var last Result
	var lastErr error
	defer func() { d.deliveries.WithLabelValues(last.String()).Inc() }()

	body, err := json.Marshal(buildPayload(w, kind, d.cfg.Clock.Now()))
	if err != nil {
		last = PERMANENT
		return last, fmt.Errorf("dispatch: marshal payload: %w", err)
	}
	sig := sign(d.cfg.Secret, body)

	host := w.CallbackURL
	if u, err := url.Parse(w.CallbackURL); err == nil && u.Host != "" {
		host = u.Host
	}

	for attempt, delay := range d.cfg.RetryDelays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				last = RETRIABLE
				return last, ctx.Err()
			case <-d.cfg.Clock.TickAfter(delay):
			}
		}

		if err := d.limiterFor(host).Wait(ctx); err != nil {
			last = RETRIABLE
			return last, err
		}

		last, lastErr = d.attempt(ctx, w.CallbackURL, body, sig)
		d.cfg.Log.Debugf("dispatch: watch %s attempt %d/%d -> %s", w.ID, attempt+1,
			len(d.cfg.RetryDelays), last)

		if last == OK || last == PERMANENT {
			return last, lastErr
		}
	}

	return last, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, url string, body []byte, sig string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PERMANENT, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wallet-API-Signature", sig)
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		// Connect refused, DNS failure, timeout: all RETRIABLE.
		return RETRIABLE, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return PERMANENT, fmt.Errorf("dispatch: callback returned %d", resp.StatusCode)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if ackIsOK(raw) {
			return OK, nil
		}
		return RETRIABLE, fmt.Errorf("dispatch: 2xx without ok marker")

	default:
		return RETRIABLE, fmt.Errorf("dispatch: callback returned %d", resp.StatusCode)
	}
}

func ackIsOK(body []byte) bool {
	var ack struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return false
	}
	return ack.Status == "ok"
}

// probeHealth issues an advisory POST {url}/health ahead of a CONFIRMED
// delivery. Its failure never suppresses the actual delivery attempt.
func (d *Dispatcher) probeHealth(ctx context.Context, url string) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, url+"/health", nil)
	if err != nil {
		return
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.cfg.Log.Debugf("dispatch: health probe for %s failed: %v", url, err)
		return
	}
	resp.Body.Close()
}

func buildPayload(w Watch, kind Kind, now time.Time) payload {
	var txHash *string
	if w.TxHash != "" {
		txHash = &w.TxHash
	}

	return payload{
		UserID:         w.UserID,
		Address:        w.Address,
		Chain:          string(w.Chain),
		Token:          string(w.Token),
		ExpectedAmount: w.ExpectedAmount,
		ActualAmount:   w.ActualAmount,
		Confirmations:  w.Confirmations,
		Status:         string(kind),
		TxHash:         txHash,
		Timestamp:      now.UTC().Format(time.RFC3339),
		WatchID:        w.ID,
		PaymentID:      w.PaymentID,
	}
}
