// Package store provides durable state for Wallets, Watches, Deposits,
// and BatchItems: a transactional persistence layer with conditional
// status transitions guarded at the row level.
package store

import (
	"time"

	"github.com/lightningnetwork/depositd/chain"
	"github.com/shopspring/decimal"
)

// WalletStatus is a Wallet's position in its UNUSED/PENDING/USED/FAILED
// lifecycle.
type WalletStatus string

const (
	WalletUnused  WalletStatus = "UNUSED"
	WalletPending WalletStatus = "PENDING"
	WalletUsed    WalletStatus = "USED"
	WalletFailed  WalletStatus = "FAILED"
)

// Wallet is one receiving address, derived once and never reassigned past
// USED/FAILED.
type Wallet struct {
	ID              string
	UserID          string
	Chain           chain.ID
	Address         string
	EncryptedKey    []byte
	DerivationIndex uint32
	Status          WalletStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WatchStatus is a Watch's position in its ACTIVE/CONFIRMED/EXPIRED/INACTIVE
// lifecycle.
type WatchStatus string

const (
	WatchActive    WatchStatus = "ACTIVE"
	WatchConfirmed WatchStatus = "CONFIRMED"
	WatchExpired   WatchStatus = "EXPIRED"
	WatchInactive  WatchStatus = "INACTIVE"
)

// Watch is a bounded-lifetime subscription to an incoming deposit.
type Watch struct {
	ID                  string
	UserID              string
	WalletID            string
	Address             string
	Chain               chain.ID
	Token               chain.Token
	ExpectedAmount      decimal.Decimal
	Status              WatchStatus
	ExpiresAt           time.Time
	CreatedAt           time.Time
	LastCheckedAt       time.Time
	LastScannedBlock    uint64
	Confirmations       uint32
	TxHash              string // "" if none yet
	ActualAmount        decimal.Decimal
	HasActualAmount     bool
	CallbackURL         string
	PaymentID           string
	CallbackSent        bool
	CallbackAttempts    uint32
	LastCallbackAttempt time.Time
}

// StartWatchParams is the input to StartOrReuseWatch.
type StartWatchParams struct {
	UserID         string
	WalletID       string
	Address        string
	Chain          chain.ID
	Token          chain.Token
	ExpectedAmount decimal.Decimal
	ExpiresAt      time.Time
	CallbackURL    string
	PaymentID      string
}

// DepositStatus is a Deposit's settlement state.
type DepositStatus string

const (
	DepositPending   DepositStatus = "PENDING"
	DepositConfirmed DepositStatus = "CONFIRMED"
	DepositFailed    DepositStatus = "FAILED"
)

// Deposit is an optional archival record keyed uniquely by (chain, txHash),
// the system's at-most-once credit boundary.
type Deposit struct {
	ID        string
	Chain     chain.ID
	TxHash    string
	WalletID  string
	Token     chain.Token
	Amount    decimal.Decimal
	Status    DepositStatus
	CreatedAt time.Time
}

// BatchItemState is a BatchItem's position in its sweep lifecycle.
type BatchItemState string

const (
	BatchQueued    BatchItemState = "QUEUED"
	BatchExecuting BatchItemState = "EXECUTING"
	BatchDone      BatchItemState = "DONE"
	BatchFailed    BatchItemState = "FAILED"
)

// BatchItem is one deposit queued for a sweep to the custody address.
type BatchItem struct {
	ID        string
	WatchID   string
	Chain     chain.ID
	UserID    string
	Amount    decimal.Decimal
	State     BatchItemState
	CreatedAt time.Time
	UpdatedAt time.Time
	TxHash    string
	Period    int64
}
