// Package solana implements chain.Adapter for SPL-token transfers on
// Solana. The adapter speaks Solana's JSON-RPC directly; account keys and
// signatures are base58 (github.com/mr-tron/base58) and ed25519
// (crypto/ed25519) respectively.
package solana

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	ed25519crypto "crypto/ed25519"

	"github.com/lightningnetwork/depositd/amount"
	"github.com/lightningnetwork/depositd/chain"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// tokenProgramID is the SPL Token program every mint depositd watches is
// owned by.
const tokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// TokenMint describes one SPL token mint depositd watches.
type TokenMint struct {
	Token    chain.Token
	Mint     string // base58 mint address
	Decimals amount.Decimals
}

// Config configures the Solana adapter.
type Config struct {
	RPCURL     string
	Mints      []TokenMint
	HTTPClient *http.Client
}

// Adapter is the Solana implementation of chain.Adapter.
type Adapter struct {
	cfg    Config
	client *http.Client
	mints  map[chain.Token]TokenMint
	nextID int64
}

// New returns a ready Solana Adapter.
func New(cfg Config) *Adapter {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	mints := make(map[chain.Token]TokenMint, len(cfg.Mints))
	for _, m := range cfg.Mints {
		mints[m.Token] = m
	}

	return &Adapter{cfg: cfg, client: httpClient, mints: mints}
}

var _ chain.Adapter = (*Adapter)(nil)

func (a *Adapter) ChainID() chain.ID { return chain.Solana }

func (a *Adapter) Decimals(token chain.Token) (amount.Decimals, error) {
	m, ok := a.mints[token]
	if !ok {
		return 0, fmt.Errorf("solana: token %s not configured", token)
	}
	return m.Decimals, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Adapter) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      atomic.AddInt64(&a.nextID, 1),
		Method:  method,
		Params:  params,
	}

	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RPCURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("solana: rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("solana: rpc %s: server error %d", method, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("solana: rpc %s: client error %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("solana: decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("solana: rpc %s: %s", method, envelope.Error.Message)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

func (a *Adapter) CurrentHeight(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := a.call(ctx, "getSlot", nil, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

func (a *Adapter) TokenBalance(ctx context.Context, address string, token chain.Token) (decimal.Decimal, error) {
	m, ok := a.mints[token]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("solana: token %s not configured", token)
	}

	accounts, err := a.tokenAccountsByOwner(ctx, address, m.Mint)
	if err != nil {
		return decimal.Decimal{}, err
	}

	total := decimal.Zero
	for _, acct := range accounts {
		raw, err := decimal.NewFromString(acct.amount)
		if err != nil {
			continue
		}
		total = total.Add(raw)
	}

	return amount.FromBaseUnits(total, m.Decimals), nil
}

// tokenAccount is one SPL token account discovered for an owner/mint pair.
type tokenAccount struct {
	pubkey string
	amount string // base units, decimal string
}

func (a *Adapter) tokenAccountsByOwner(ctx context.Context, owner, mint string) ([]tokenAccount, error) {
	var out struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}

	params := []interface{}{
		owner,
		map[string]interface{}{"mint": mint},
		map[string]interface{}{"encoding": "jsonParsed"},
	}
	if err := a.call(ctx, "getTokenAccountsByOwner", params, &out); err != nil {
		return nil, err
	}

	accounts := make([]tokenAccount, 0, len(out.Value))
	for _, v := range out.Value {
		accounts = append(accounts, tokenAccount{
			pubkey: v.Pubkey,
			amount: v.Account.Data.Parsed.Info.TokenAmount.Amount,
		})
	}
	return accounts, nil
}

func (a *Adapter) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	if err := a.call(ctx, "getBalance", []interface{}{address}, &out); err != nil {
		return decimal.Decimal{}, err
	}
	// Lamports, 9 decimals.
	return amount.FromBaseUnits(decimal.NewFromInt(int64(out.Value)), amount.Decimals(9)), nil
}

// ScanTokenTransfersTo scans confirmed signatures for address and keeps
// the ones that deposit the watched mint into it. Solana has no "logs by
// recipient" filter for SPL transfers the way EVM chains do, so this
// walks getSignaturesForAddress within the scan window and computes the
// pre/post token-balance delta of each transaction.
func (a *Adapter) ScanTokenTransfersTo(ctx context.Context, address string, token chain.Token, fromHeight, toHeight uint64) ([]chain.Transfer, error) {
	m, ok := a.mints[token]
	if !ok {
		return nil, fmt.Errorf("solana: token %s not configured", token)
	}

	var sigs []struct {
		Signature string `json:"signature"`
		Slot      uint64 `json:"slot"`
	}
	params := []interface{}{address, map[string]interface{}{"limit": 200}}
	if err := a.call(ctx, "getSignaturesForAddress", params, &sigs); err != nil {
		return nil, err
	}

	tip, err := a.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	transfers := make([]chain.Transfer, 0, len(sigs))
	for _, s := range sigs {
		if s.Slot < fromHeight || s.Slot > toHeight {
			continue
		}

		delta, err := a.depositDelta(ctx, s.Signature, address, m.Mint)
		if err != nil {
			continue
		}
		if !delta.IsPositive() {
			continue
		}

		confs := uint32(0)
		if tip >= s.Slot {
			confs = uint32(tip - s.Slot)
		}

		transfers = append(transfers, chain.Transfer{
			TxHash:        s.Signature,
			Amount:        amount.FromBaseUnits(delta, m.Decimals),
			Height:        s.Slot,
			Confirmations: confs,
		})
	}

	return transfers, nil
}

// depositDelta returns how many base units of mint the transaction moved
// into owner's token accounts: sum(post) - sum(pre) over the balances the
// runtime records on every transaction touching a token account.
func (a *Adapter) depositDelta(ctx context.Context, signature, owner, mint string) (decimal.Decimal, error) {
	type recordedBalance struct {
		Mint          string `json:"mint"`
		Owner         string `json:"owner"`
		UITokenAmount struct {
			Amount string `json:"amount"`
		} `json:"uiTokenAmount"`
	}
	var tx struct {
		Meta struct {
			PreTokenBalances  []recordedBalance `json:"preTokenBalances"`
			PostTokenBalances []recordedBalance `json:"postTokenBalances"`
		} `json:"meta"`
	}
	txParams := []interface{}{signature, map[string]interface{}{"encoding": "jsonParsed"}}
	if err := a.call(ctx, "getTransaction", txParams, &tx); err != nil {
		return decimal.Decimal{}, err
	}

	sum := func(balances []recordedBalance) decimal.Decimal {
		total := decimal.Zero
		for _, b := range balances {
			if b.Mint != mint || b.Owner != owner {
				continue
			}
			raw, err := decimal.NewFromString(b.UITokenAmount.Amount)
			if err != nil {
				continue
			}
			total = total.Add(raw)
		}
		return total
	}

	return sum(tx.Meta.PostTokenBalances).Sub(sum(tx.Meta.PreTokenBalances)), nil
}

// SendToken moves value of token from the account controlled by fromKey
// to the destination owner's token account, building and signing a legacy
// transaction with a single SPL Token Transfer instruction. Both token
// accounts are resolved over RPC, so no program-derived-address math is
// needed here; the destination owner must already hold a token account
// for the mint.
func (a *Adapter) SendToken(ctx context.Context, fromKey []byte, token chain.Token, to string, value decimal.Decimal, _ chain.FeePolicy) (chain.SendResult, error) {
	m, ok := a.mints[token]
	if !ok {
		return chain.SendResult{}, fmt.Errorf("solana: token %s not configured", token)
	}

	priv, err := privateKey(fromKey)
	if err != nil {
		return chain.SendResult{}, err
	}
	ownerPub := priv.Public().(ed25519crypto.PublicKey)
	owner := base58.Encode(ownerPub)

	sourceAccounts, err := a.tokenAccountsByOwner(ctx, owner, m.Mint)
	if err != nil {
		return chain.SendResult{}, err
	}
	if len(sourceAccounts) == 0 {
		return chain.SendResult{}, fmt.Errorf("solana: %s holds no token account for mint %s", owner, m.Mint)
	}
	source := sourceAccounts[0].pubkey

	destAccounts, err := a.tokenAccountsByOwner(ctx, to, m.Mint)
	if err != nil {
		return chain.SendResult{}, err
	}
	if len(destAccounts) == 0 {
		return chain.SendResult{}, fmt.Errorf("solana: destination %s holds no token account for mint %s", to, m.Mint)
	}
	dest := destAccounts[0].pubkey

	var blockhash struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := a.call(ctx, "getLatestBlockhash", nil, &blockhash); err != nil {
		return chain.SendResult{}, err
	}

	baseUnits := amount.ToBaseUnits(value, m.Decimals).BigInt().Uint64()

	msg, err := transferMessage(owner, source, dest, blockhash.Value.Blockhash, baseUnits)
	if err != nil {
		return chain.SendResult{}, err
	}

	sig := ed25519crypto.Sign(priv, msg)

	// Wire transaction: compact-u16 signature count, signatures, message.
	wire := append(append([]byte{1}, sig...), msg...)

	var sendResult string
	sendParams := []interface{}{base58.Encode(wire), map[string]interface{}{"encoding": "base58"}}
	if err := a.call(ctx, "sendTransaction", sendParams, &sendResult); err != nil {
		return chain.SendResult{}, err
	}

	return chain.SendResult{TxHash: sendResult, GasUsed: decimal.NewFromInt(5000)}, nil
}

func privateKey(fromKey []byte) (ed25519crypto.PrivateKey, error) {
	switch len(fromKey) {
	case ed25519crypto.SeedSize:
		return ed25519crypto.NewKeyFromSeed(fromKey), nil
	case ed25519crypto.PrivateKeySize:
		return ed25519crypto.PrivateKey(fromKey), nil
	default:
		return nil, fmt.Errorf("solana: signing key must be an ed25519 seed or expanded key")
	}
}

// transferMessage serializes a legacy transaction message carrying one
// SPL Token Transfer instruction (instruction tag 3, little-endian u64
// amount). Account ordering: fee-paying owner/authority first, then the
// writable source and destination token accounts, then the read-only
// token program.
func transferMessage(owner, source, dest, blockhash string, baseUnits uint64) ([]byte, error) {
	keys := make([][]byte, 0, 4)
	for _, k := range []string{owner, source, dest, tokenProgramID} {
		raw, err := base58.Decode(k)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("solana: bad account key %q", k)
		}
		keys = append(keys, raw)
	}

	hash, err := base58.Decode(blockhash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("solana: bad blockhash %q", blockhash)
	}

	var msg bytes.Buffer

	// Header: 1 required signature, 0 read-only signed accounts, 1
	// read-only unsigned account (the token program).
	msg.Write([]byte{1, 0, 1})

	msg.WriteByte(byte(len(keys)))
	for _, k := range keys {
		msg.Write(k)
	}

	msg.Write(hash)

	data := make([]byte, 9)
	data[0] = 3 // SPL Token Transfer
	binary.LittleEndian.PutUint64(data[1:], baseUnits)

	msg.WriteByte(1) // one instruction
	msg.WriteByte(3) // program id index: token program
	// Accounts: source, destination, authority.
	msg.Write([]byte{3, 1, 2, 0})
	msg.WriteByte(byte(len(data)))
	msg.Write(data)

	return msg.Bytes(), nil
}

func (a *Adapter) FeeData(ctx context.Context) (chain.FeeData, error) {
	var out []struct {
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := a.call(ctx, "getRecentPrioritizationFees", []interface{}{[]string{}}, &out); err != nil {
		base := decimal.NewFromInt(5000)
		return chain.FeeData{Slow: base, Standard: base, Fast: base.Mul(decimal.NewFromInt(2)), Instant: base.Mul(decimal.NewFromInt(4))}, nil
	}

	var sum uint64
	for _, v := range out {
		sum += v.PrioritizationFee
	}
	avg := decimal.NewFromInt(5000)
	if len(out) > 0 {
		avg = decimal.NewFromInt(int64(sum / uint64(len(out))))
	}

	return chain.FeeData{
		Slow:     avg,
		Standard: avg,
		Fast:     avg.Mul(decimal.NewFromInt(2)),
		Instant:  avg.Mul(decimal.NewFromInt(4)),
	}, nil
}
