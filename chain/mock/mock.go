// Package mock provides an in-memory chain.Adapter test double: a
// fully-synchronous fake that lets a test script deposits, heights, and
// fee data without ever touching a network.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightningnetwork/depositd/amount"
	"github.com/lightningnetwork/depositd/chain"
	"github.com/shopspring/decimal"
)

// Adapter is a controllable chain.Adapter for tests.
type Adapter struct {
	mu sync.Mutex

	id       chain.ID
	decimals amount.Decimals
	height   uint64

	// transfers indexed by address, appended to by Deposit in test
	// setup code and consumed (but not removed) by ScanTokenTransfersTo.
	transfers map[string][]chain.Transfer

	balances map[string]decimal.Decimal
	natives  map[string]decimal.Decimal
	fees     chain.FeeData

	sendErr error
	sent    []SentTransfer
}

// SentTransfer records one call to SendToken for assertions in tests.
type SentTransfer struct {
	To     string
	Token  chain.Token
	Amount decimal.Decimal
	Policy chain.FeePolicy
}

// New creates a mock.Adapter for the given chain ID and token decimals.
func New(id chain.ID, decimals amount.Decimals) *Adapter {
	return &Adapter{
		id:        id,
		decimals:  decimals,
		transfers: make(map[string][]chain.Transfer),
		balances:  make(map[string]decimal.Decimal),
		natives:   make(map[string]decimal.Decimal),
		fees: chain.FeeData{
			Slow:     decimal.NewFromInt(1),
			Standard: decimal.NewFromInt(2),
			Fast:     decimal.NewFromInt(4),
			Instant:  decimal.NewFromInt(8),
		},
	}
}

var _ chain.Adapter = (*Adapter)(nil)

func (a *Adapter) ChainID() chain.ID { return a.id }

func (a *Adapter) Decimals(chain.Token) (amount.Decimals, error) {
	return a.decimals, nil
}

// SetHeight advances the mock chain's current height.
func (a *Adapter) SetHeight(h uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.height = h
}

func (a *Adapter) CurrentHeight(context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.height, nil
}

// Deposit registers a transfer that will be returned by
// ScanTokenTransfersTo the next time its window covers t.Height.
func (a *Adapter) Deposit(address string, t chain.Transfer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transfers[address] = append(a.transfers[address], t)
}

// SetFeeData overrides the fee schedule returned by FeeData.
func (a *Adapter) SetFeeData(f chain.FeeData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fees = f
}

// SetSendError makes subsequent SendToken calls fail with err.
func (a *Adapter) SetSendError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
}

// Sent returns every SendToken call observed so far.
func (a *Adapter) Sent() []SentTransfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SentTransfer, len(a.sent))
	copy(out, a.sent)
	return out
}

func (a *Adapter) TokenBalance(_ context.Context, address string, _ chain.Token) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[address], nil
}

func (a *Adapter) NativeBalance(_ context.Context, address string) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.natives[address], nil
}

func (a *Adapter) ScanTokenTransfersTo(_ context.Context, address string, _ chain.Token, fromHeight, toHeight uint64) ([]chain.Transfer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []chain.Transfer
	for _, t := range a.transfers[address] {
		if t.Height >= fromHeight && t.Height <= toHeight {
			out = append(out, t)
		}
	}
	return out, nil
}

func (a *Adapter) SendToken(_ context.Context, _ []byte, token chain.Token, to string, value decimal.Decimal, policy chain.FeePolicy) (chain.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sendErr != nil {
		return chain.SendResult{}, a.sendErr
	}

	a.sent = append(a.sent, SentTransfer{To: to, Token: token, Amount: value, Policy: policy})

	return chain.SendResult{
		TxHash:  fmt.Sprintf("mock-tx-%d", len(a.sent)),
		GasUsed: decimal.NewFromInt(21000),
	}, nil
}

func (a *Adapter) FeeData(context.Context) (chain.FeeData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fees, nil
}
