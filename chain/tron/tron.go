// Package tron implements chain.Adapter for TRC20 tokens on Tron. The
// adapter speaks Tron's HTTP full-node API directly; addresses use the
// same base58Check scheme as Bitcoin's and are handled with
// github.com/mr-tron/base58.
package tron

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/lightningnetwork/depositd/amount"
	"github.com/lightningnetwork/depositd/chain"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// TokenContract describes one TRC20 token's deployment.
type TokenContract struct {
	Token           chain.Token
	ContractAddress string // base58Check, e.g. T-prefixed
	Decimals        amount.Decimals
}

// Config configures the Tron adapter.
type Config struct {
	FullNodeURL string
	Tokens      []TokenContract
	HTTPClient  *http.Client
}

// Adapter is the Tron implementation of chain.Adapter.
type Adapter struct {
	cfg    Config
	client *http.Client
	tokens map[chain.Token]TokenContract
}

// New returns a ready Tron Adapter.
func New(cfg Config) *Adapter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	tokens := make(map[chain.Token]TokenContract, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t.Token] = t
	}

	return &Adapter{cfg: cfg, client: httpClient, tokens: tokens}
}

var _ chain.Adapter = (*Adapter)(nil)

func (a *Adapter) ChainID() chain.ID { return chain.Tron }

func (a *Adapter) Decimals(token chain.Token) (amount.Decimals, error) {
	t, ok := a.tokens[token]
	if !ok {
		return 0, fmt.Errorf("tron: token %s not configured", token)
	}
	return t.Decimals, nil
}

// nodeRPC issues one request against the Tron full-node HTTP API and
// decodes the response into out. A nil body becomes a GET, matching the
// node's read-only /v1 endpoints.
func (a *Adapter) nodeRPC(ctx context.Context, path string, body, out interface{}) error {
	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.FullNodeURL+path, nil)
	} else {
		var buf []byte
		buf, err = json.Marshal(body)
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.FullNodeURL+path, bytes.NewReader(buf))
	}
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("tron: rpc %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("tron: rpc %s: server error %d", path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("tron: rpc %s: client error %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	var out struct {
		BlockHeader struct {
			RawData struct {
				Number uint64 `json:"number"`
			} `json:"raw_data"`
		} `json:"block_header"`
	}
	if err := a.nodeRPC(ctx, "/wallet/getnowblock", struct{}{}, &out); err != nil {
		return 0, err
	}
	return out.BlockHeader.RawData.Number, nil
}

func (a *Adapter) TokenBalance(ctx context.Context, address string, token chain.Token) (decimal.Decimal, error) {
	t, ok := a.tokens[token]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("tron: token %s not configured", token)
	}

	var out struct {
		ConstantResult []string `json:"constant_result"`
	}
	req := map[string]interface{}{
		"owner_address":     address,
		"contract_address":  t.ContractAddress,
		"function_selector": "balanceOf(address)",
		"parameter":         hexPadAddress(address),
	}
	if err := a.nodeRPC(ctx, "/wallet/triggerconstantcontract", req, &out); err != nil {
		return decimal.Decimal{}, err
	}
	if len(out.ConstantResult) == 0 {
		return decimal.Zero, nil
	}

	raw, ok := new(big.Int).SetString(out.ConstantResult[0], 16)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("tron: decode balanceOf result %q", out.ConstantResult[0])
	}

	return amount.FromBaseUnits(decimal.NewFromBigInt(raw, 0), t.Decimals), nil
}

func (a *Adapter) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	req := map[string]interface{}{"address": address, "visible": true}
	if err := a.nodeRPC(ctx, "/wallet/getaccount", req, &out); err != nil {
		return decimal.Decimal{}, err
	}
	// TRX balances are reported in SUN (1 TRX = 1e6 SUN).
	return amount.FromBaseUnits(decimal.NewFromInt(out.Balance), amount.Decimals6), nil
}

// ScanTokenTransfersTo queries the node's companion event server for
// inbound TRC20 transfers via /v1/accounts/{address}/transactions/trc20.
// The fromHeight/toHeight window is not applied: the most recent 200
// inbound transfers are returned, each stamped with the current height
// and a fixed confirmation count. The scan cursor lives in the Store, not here; the adapter is stateless
// beyond its connection pool.
func (a *Adapter) ScanTokenTransfersTo(ctx context.Context, address string, token chain.Token, fromHeight, toHeight uint64) ([]chain.Transfer, error) {
	t, ok := a.tokens[token]
	if !ok {
		return nil, fmt.Errorf("tron: token %s not configured", token)
	}

	var out struct {
		Data []struct {
			TransactionID  string `json:"transaction_id"`
			BlockTimestamp int64  `json:"block_timestamp"`
			Value          string `json:"value"`
			TokenInfo      struct {
				Address string `json:"address"`
			} `json:"token_info"`
		} `json:"data"`
	}

	path := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?only_to=true&limit=200", address)
	if err := a.nodeRPC(ctx, path, nil, &out); err != nil {
		return nil, err
	}

	height, err := a.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	transfers := make([]chain.Transfer, 0, len(out.Data))
	for _, ev := range out.Data {
		if ev.TokenInfo.Address != t.ContractAddress {
			continue
		}

		raw, err := decimal.NewFromString(ev.Value)
		if err != nil {
			continue
		}

		transfers = append(transfers, chain.Transfer{
			TxHash:        ev.TransactionID,
			Amount:        amount.FromBaseUnits(raw, t.Decimals),
			Height:        height,
			Confirmations: 19, // Fixed count, not read from the chain.
		})
	}

	return transfers, nil
}

func (a *Adapter) SendToken(ctx context.Context, fromKey []byte, token chain.Token, to string, value decimal.Decimal, _ chain.FeePolicy) (chain.SendResult, error) {
	t, ok := a.tokens[token]
	if !ok {
		return chain.SendResult{}, fmt.Errorf("tron: token %s not configured", token)
	}

	baseUnits := amount.ToBaseUnits(value, t.Decimals)

	// Tron's trigger-smart-contract signing flow: build the transaction
	// via the node, sign the raw transaction hash locally, then
	// broadcast. The signing key never leaves this adapter.
	var built struct {
		TxID    string          `json:"txID"`
		RawData json.RawMessage `json:"raw_data"`
	}
	owner, err := ownerAddressHex(fromKey)
	if err != nil {
		return chain.SendResult{}, err
	}
	req := map[string]interface{}{
		"owner_address":     owner,
		"contract_address":  t.ContractAddress,
		"function_selector": "transfer(address,uint256)",
		"parameter":         hexPadAddress(to) + fmt.Sprintf("%064x", baseUnits.BigInt()),
	}
	if err := a.nodeRPC(ctx, "/wallet/triggersmartcontract", req, &built); err != nil {
		return chain.SendResult{}, err
	}

	sig, err := signRawTx(fromKey, built.TxID)
	if err != nil {
		return chain.SendResult{}, err
	}

	var broadcast struct {
		Result bool   `json:"result"`
		TxID   string `json:"txid"`
	}
	broadcastReq := map[string]interface{}{
		"txID":      built.TxID,
		"raw_data":  built.RawData,
		"signature": []string{sig},
	}
	if err := a.nodeRPC(ctx, "/wallet/broadcasttransaction", broadcastReq, &broadcast); err != nil {
		return chain.SendResult{}, err
	}
	if !broadcast.Result {
		return chain.SendResult{}, fmt.Errorf("tron: broadcast rejected for tx %s", built.TxID)
	}

	return chain.SendResult{TxHash: built.TxID, GasUsed: decimal.Zero}, nil
}

func (a *Adapter) FeeData(ctx context.Context) (chain.FeeData, error) {
	var out struct {
		EnergyFee int64 `json:"energy_fee"`
	}
	if err := a.nodeRPC(ctx, "/wallet/getenergyprices", struct{}{}, &out); err != nil {
		// Tron energy pricing is a governance parameter that changes
		// rarely; fall back to a conservative static estimate rather
		// than failing the sweep-eligibility check outright.
		base := decimal.NewFromInt(420)
		return chain.FeeData{Slow: base, Standard: base, Fast: base.Mul(decimal.NewFromInt(2)), Instant: base.Mul(decimal.NewFromInt(3))}, nil
	}

	base := decimal.NewFromInt(out.EnergyFee)
	return chain.FeeData{
		Slow:     base,
		Standard: base,
		Fast:     base.Mul(decimal.NewFromInt(2)),
		Instant:  base.Mul(decimal.NewFromInt(3)),
	}, nil
}

// hexPadAddress left-pads a Tron base58 address to a 32-byte hex
// parameter word, as the trigger-constant-contract / trigger-smart-
// contract APIs expect for an `address` ABI parameter.
func hexPadAddress(address string) string {
	raw, err := base58.Decode(address)
	if err != nil || len(raw) < 21 {
		return strings.Repeat("0", 64)
	}
	// Strip the 0x41 Tron address-version byte and the 4-byte checksum.
	body := hex.EncodeToString(raw[1 : len(raw)-4])
	return strings.Repeat("0", 64-len(body)) + body
}

// ownerAddressHex derives the sender's hex-encoded Tron address (0x41
// version byte plus the last 20 bytes of the keccak of the public key)
// from its secp256k1 private key.
func ownerAddressHex(key []byte) (string, error) {
	priv, err := ethcrypto.ToECDSA(key)
	if err != nil {
		return "", fmt.Errorf("tron: invalid signing key: %w", err)
	}
	ethAddr := ethcrypto.PubkeyToAddress(priv.PublicKey)
	return "41" + hex.EncodeToString(ethAddr.Bytes()), nil
}

// signRawTx produces the hex-encoded ECDSA signature over a Tron
// transaction ID. Tron transactions are signed the same way Ethereum's
// are, secp256k1 over the raw transaction hash, so go-ethereum's
// crypto.Sign serves without a Tron-specific signer.
func signRawTx(key []byte, txID string) (string, error) {
	hash, err := hex.DecodeString(txID)
	if err != nil {
		return "", fmt.Errorf("tron: decode txID: %w", err)
	}

	priv, err := ethcrypto.ToECDSA(key)
	if err != nil {
		return "", fmt.Errorf("tron: invalid signing key: %w", err)
	}

	sig, err := ethcrypto.Sign(hash, priv)
	if err != nil {
		return "", fmt.Errorf("tron: sign: %w", err)
	}

	return hex.EncodeToString(sig), nil
}
