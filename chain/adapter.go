// Package chain declares the uniform read/write interface depositd uses to
// talk to one blockchain family at a time, and a registry for looking up
// the adapter bound to a given chain at runtime.
//
// The interface is intentionally general: it must support an EVM
// JSON-RPC node, a Tron full node's HTTP API, and Solana's JSON-RPC
// alike, without the Watch Engine ever knowing which.
package chain

import (
	"context"

	"github.com/lightningnetwork/depositd/amount"
	"github.com/shopspring/decimal"
)

// ID identifies one of the enabled chains. "busd" is its own
// ID rather than an alias of "bsc" because a wallet can be watched for
// BUSD specifically and the token contract differs from BSC's USDT.
type ID string

const (
	Ethereum ID = "ethereum"
	BSC      ID = "bsc"
	Polygon  ID = "polygon"
	Solana   ID = "solana"
	Tron     ID = "tron"
	BUSD     ID = "busd"
)

// Family groups chains that share a wire protocol and adapter
// implementation. BUSD rides on the BSC family.
func (c ID) Family() Family {
	switch c {
	case Ethereum, BSC, Polygon, BUSD:
		return FamilyEVM
	case Solana:
		return FamilySolana
	case Tron:
		return FamilyTron
	default:
		return FamilyUnknown
	}
}

// Family is the chain protocol family an Adapter implementation covers.
type Family string

const (
	FamilyEVM     Family = "evm"
	FamilySolana  Family = "solana"
	FamilyTron    Family = "tron"
	FamilyUnknown Family = "unknown"
)

// Token is one of the stablecoins depositd watches for.
type Token string

const (
	USDT      Token = "USDT"
	BUSDToken Token = "BUSD"
)

// Transfer is one token-transfer event returned by a scan, or synthesized
// from a balance delta when event scanning is unavailable.
type Transfer struct {
	// TxHash is empty only for a synthesized balance-delta transfer; see
	// Synthetic.
	TxHash string

	Amount decimal.Decimal
	Height uint64

	// Confirmations is the number of blocks built atop Height as of the
	// call that produced this Transfer. For a synthesized transfer this
	// is a constant fallback, not a real confirmation count.
	Confirmations uint32

	// Synthetic is true when this Transfer was derived from a balance
	// delta rather than discovered by scanning real chain events. Two
	// adjacent deposits landing inside the same poll window are
	// indistinguishable under this mode and will be merged into one
	// credit. Prefer real event scanning wherever the chain supports it.
	Synthetic bool

	// SyntheticNonce uniquely keys a synthesized transfer for dedup
	// purposes when TxHash is empty: (chain, address, SyntheticNonce).
	SyntheticNonce string
}

// FeeData is a chain's current fee schedule, expressed in the chain's
// native fee unit (gwei for EVM chains, lamports/compute-unit-price for
// Solana, bandwidth/energy price for Tron).
type FeeData struct {
	Slow     decimal.Decimal
	Standard decimal.Decimal
	Fast     decimal.Decimal
	Instant  decimal.Decimal
}

// FeePolicy selects which FeeData tier an outbound send should target.
type FeePolicy string

const (
	FeeSlow     FeePolicy = "slow"
	FeeStandard FeePolicy = "standard"
	FeeFast     FeePolicy = "fast"
	FeeInstant  FeePolicy = "instant"
)

// SendResult is returned by a successful outbound transfer.
type SendResult struct {
	TxHash  string
	GasUsed decimal.Decimal
}

// Adapter is the capability set a chain family implementation must
// provide. All methods are blocking-IO-permitted; callers supply a
// context for cancellation and deadline control.
type Adapter interface {
	// ChainID reports which chain this adapter instance serves.
	ChainID() ID

	// Decimals reports the canonical base-unit decimals for the given
	// token on this chain.
	Decimals(token Token) (amount.Decimals, error)

	// CurrentHeight returns the chain's current block height.
	CurrentHeight(ctx context.Context) (uint64, error)

	// TokenBalance returns address's balance of token, normalized to
	// the token's canonical decimals.
	TokenBalance(ctx context.Context, address string, token Token) (decimal.Decimal, error)

	// NativeBalance returns address's native-coin balance (used to check
	// the gas-fee wallet has enough to pay for sweeps).
	NativeBalance(ctx context.Context, address string) (decimal.Decimal, error)

	// ScanTokenTransfersTo scans for token transfers landing on address
	// between fromHeight and toHeight inclusive. When the adapter has no
	// real event-scanning capability it emulates one via balance delta
	// and returns a single Transfer with Synthetic set.
	ScanTokenTransfersTo(ctx context.Context, address string, token Token, fromHeight, toHeight uint64) ([]Transfer, error)

	// SendToken signs and broadcasts a token transfer from the account
	// controlled by fromKey to the given address, paying fees per
	// feePolicy. Signing is adapter-owned; depositd never constructs
	// raw transactions itself.
	SendToken(ctx context.Context, fromKey []byte, token Token, to string, value decimal.Decimal, feePolicy FeePolicy) (SendResult, error)

	// FeeData returns the chain's current fee schedule.
	FeeData(ctx context.Context) (FeeData, error)
}
