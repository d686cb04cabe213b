// Package evm implements chain.Adapter for the EVM chains (Ethereum,
// BSC, Polygon, and BUSD-on-BSC) on top of go-ethereum's ethclient: one
// concrete client per configured chain, selected by the composition root
// and handed to the generic registry.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/lightningnetwork/depositd/amount"
	"github.com/lightningnetwork/depositd/chain"
	"github.com/shopspring/decimal"
)

// erc20ABI is the minimal ERC-20 surface this adapter needs: balanceOf,
// transfer, and the Transfer event used for scanning.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"who","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TokenContract describes one token's deployment on this chain.
type TokenContract struct {
	Token    chain.Token
	Address  common.Address
	Decimals amount.Decimals
}

// Config configures one EVM-family Adapter instance.
type Config struct {
	ChainID  chain.ID
	RPCURL   string
	Tokens   []TokenContract
	ChainInt *big.Int // EIP-155 chain ID, for tx signing
}

// Adapter is the EVM implementation of chain.Adapter.
type Adapter struct {
	cfg    Config
	client *ethclient.Client
	abi    abi.ABI
	tokens map[chain.Token]TokenContract
}

// New dials the configured RPC endpoint and returns a ready Adapter.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse erc20 abi: %w", err)
	}

	tokens := make(map[chain.Token]TokenContract, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t.Token] = t
	}

	return &Adapter{
		cfg:    cfg,
		client: client,
		abi:    parsed,
		tokens: tokens,
	}, nil
}

var _ chain.Adapter = (*Adapter)(nil)

func (a *Adapter) ChainID() chain.ID { return a.cfg.ChainID }

func (a *Adapter) Decimals(token chain.Token) (amount.Decimals, error) {
	t, ok := a.tokens[token]
	if !ok {
		return 0, fmt.Errorf("evm: token %s not configured on %s", token, a.cfg.ChainID)
	}
	return t.Decimals, nil
}

func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	return a.client.BlockNumber(ctx)
}

func (a *Adapter) TokenBalance(ctx context.Context, address string, token chain.Token) (decimal.Decimal, error) {
	t, ok := a.tokens[token]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("evm: token %s not configured on %s", token, a.cfg.ChainID)
	}

	data, err := a.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return decimal.Decimal{}, err
	}

	result, err := a.client.CallContract(ctx, ethereum.CallMsg{
		To:   &t.Address,
		Data: data,
	}, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("evm: balanceOf call: %w", err)
	}

	var raw *big.Int
	if err := a.abi.UnpackIntoInterface(&raw, "balanceOf", result); err != nil {
		return decimal.Decimal{}, fmt.Errorf("evm: unpack balanceOf: %w", err)
	}

	return amount.FromBaseUnits(decimal.NewFromBigInt(raw, 0), t.Decimals), nil
}

func (a *Adapter) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	bal, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	// Native balances are reported in the chain's 18-decimal base unit
	// (wei, or wei-equivalent on BSC/Polygon).
	return amount.FromBaseUnits(decimal.NewFromBigInt(bal, 0), amount.Decimals18), nil
}

// ScanTokenTransfersTo filters Transfer logs emitted by token's contract
// with `to` equal to address, over [fromHeight, toHeight]. Every EVM
// chain depositd supports has real event scanning, so the balance-delta
// fallback is never used here.
func (a *Adapter) ScanTokenTransfersTo(ctx context.Context, address string, token chain.Token, fromHeight, toHeight uint64) ([]chain.Transfer, error) {
	t, ok := a.tokens[token]
	if !ok {
		return nil, fmt.Errorf("evm: token %s not configured on %s", token, a.cfg.ChainID)
	}

	toTopic := common.HexToHash(common.HexToAddress(address).Hex())

	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromHeight),
		ToBlock:   new(big.Int).SetUint64(toHeight),
		Addresses: []common.Address{t.Address},
		Topics:    [][]common.Hash{{transferEventSig}, nil, {toTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("evm: filter logs: %w", err)
	}

	transfers := make([]chain.Transfer, 0, len(logs))
	for _, l := range logs {
		// The Transfer event's only non-indexed field is value, so the
		// log data is just the big-endian uint256.
		value := new(big.Int).SetBytes(l.Data)

		confs, err := a.confirmationsAt(ctx, l.BlockNumber)
		if err != nil {
			return nil, err
		}

		transfers = append(transfers, chain.Transfer{
			TxHash:        l.TxHash.Hex(),
			Amount:        amount.FromBaseUnits(decimal.NewFromBigInt(value, 0), t.Decimals),
			Height:        l.BlockNumber,
			Confirmations: confs,
		})
	}

	return transfers, nil
}

func (a *Adapter) confirmationsAt(ctx context.Context, height uint64) (uint32, error) {
	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if tip < height {
		return 0, nil
	}
	return uint32(tip - height), nil
}

// SendToken constructs, signs, and broadcasts an ERC-20 transfer from
// the account derived from fromKey. Signing happens entirely inside the
// adapter; a private key never escapes this package.
func (a *Adapter) SendToken(ctx context.Context, fromKey []byte, token chain.Token, to string, value decimal.Decimal, feePolicy chain.FeePolicy) (chain.SendResult, error) {
	t, ok := a.tokens[token]
	if !ok {
		return chain.SendResult{}, fmt.Errorf("evm: token %s not configured on %s", token, a.cfg.ChainID)
	}

	priv, err := crypto.ToECDSA(fromKey)
	if err != nil {
		return chain.SendResult{}, fmt.Errorf("evm: invalid signing key: %w", err)
	}
	from := crypto.PubkeyToAddress(priv.PublicKey)

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return chain.SendResult{}, fmt.Errorf("evm: nonce lookup: %w", err)
	}

	gasPrice, err := a.gasPriceForPolicy(ctx, feePolicy)
	if err != nil {
		return chain.SendResult{}, err
	}

	baseUnits := amount.ToBaseUnits(value, t.Decimals).BigInt()

	data, err := a.abi.Pack("transfer", common.HexToAddress(to), baseUnits)
	if err != nil {
		return chain.SendResult{}, err
	}

	tx := types.NewTransaction(nonce, t.Address, big.NewInt(0), 90_000, gasPrice, data)

	signer := types.NewEIP155Signer(a.cfg.ChainInt)
	signedTx, err := types.SignTx(tx, signer, priv)
	if err != nil {
		return chain.SendResult{}, fmt.Errorf("evm: sign tx: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return chain.SendResult{}, fmt.Errorf("evm: broadcast tx: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, a.client, signedTx)
	if err != nil {
		return chain.SendResult{}, fmt.Errorf("evm: wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return chain.SendResult{}, fmt.Errorf("evm: tx %s reverted", signedTx.Hash().Hex())
	}

	return chain.SendResult{
		TxHash:  signedTx.Hash().Hex(),
		GasUsed: decimal.NewFromBigInt(new(big.Int).SetUint64(receipt.GasUsed), 0),
	}, nil
}

func (a *Adapter) gasPriceForPolicy(ctx context.Context, policy chain.FeePolicy) (*big.Int, error) {
	suggested, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: suggest gas price: %w", err)
	}

	mult := big.NewInt(1)
	switch policy {
	case chain.FeeSlow:
		mult = big.NewInt(1)
	case chain.FeeStandard:
		mult = big.NewInt(1)
	case chain.FeeFast:
		mult = big.NewInt(2)
	case chain.FeeInstant:
		mult = big.NewInt(3)
	}

	return new(big.Int).Mul(suggested, mult), nil
}

// FeeData samples the network's suggested gas price and derives the four
// tiers by scaling it.
func (a *Adapter) FeeData(ctx context.Context) (chain.FeeData, error) {
	suggested, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return chain.FeeData{}, fmt.Errorf("evm: suggest gas price: %w", err)
	}

	base := decimal.NewFromBigInt(suggested, 0)
	return chain.FeeData{
		Slow:     base,
		Standard: base,
		Fast:     base.Mul(decimal.NewFromInt(2)),
		Instant:  base.Mul(decimal.NewFromInt(3)),
	}, nil
}
