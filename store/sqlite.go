package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lightningnetwork/depositd/chain"
)

// SQLite is the embedded Store backend over modernc.org/sqlite, for
// standalone deployments and development where running Postgres is not
// worth the trouble.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite database at path and
// applies the embedded schema with CREATE TABLE IF NOT EXISTS. A
// single-file embedded deployment has no multi-version schema history to
// track, so no migration chain is kept here.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids "database is locked"
	// errors under this daemon's bounded concurrent fan-out.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply sqlite schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	id TEXT PRIMARY KEY, user_id TEXT NOT NULL, chain TEXT NOT NULL,
	address TEXT NOT NULL UNIQUE, encrypted_key BLOB NOT NULL,
	derivation_index INTEGER NOT NULL, status TEXT NOT NULL,
	created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS watches (
	id TEXT PRIMARY KEY, user_id TEXT NOT NULL, wallet_id TEXT NOT NULL,
	address TEXT NOT NULL, chain TEXT NOT NULL, token TEXT NOT NULL,
	expected_amount TEXT NOT NULL, status TEXT NOT NULL, expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL, last_checked_at DATETIME, last_scanned_block INTEGER NOT NULL DEFAULT 0,
	confirmations INTEGER NOT NULL DEFAULT 0, tx_hash TEXT NOT NULL DEFAULT '',
	actual_amount TEXT, callback_url TEXT NOT NULL DEFAULT '', payment_id TEXT NOT NULL DEFAULT '',
	callback_sent INTEGER NOT NULL DEFAULT 0, callback_attempts INTEGER NOT NULL DEFAULT 0,
	last_callback_attempt DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS watches_active_user_chain_idx ON watches (user_id, chain)
	WHERE status = 'ACTIVE';
CREATE INDEX IF NOT EXISTS watches_status_idx ON watches (status);
CREATE TABLE IF NOT EXISTS deposits (
	id TEXT PRIMARY KEY, chain TEXT NOT NULL, tx_hash TEXT NOT NULL, wallet_id TEXT NOT NULL,
	token TEXT NOT NULL, amount TEXT NOT NULL, status TEXT NOT NULL, created_at DATETIME NOT NULL,
	UNIQUE (chain, tx_hash)
);
CREATE TABLE IF NOT EXISTS batch_items (
	id TEXT PRIMARY KEY, watch_id TEXT NOT NULL, chain TEXT NOT NULL, user_id TEXT NOT NULL,
	amount TEXT NOT NULL, state TEXT NOT NULL, created_at DATETIME NOT NULL, updated_at DATETIME NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '', period INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS batch_items_active_watch_idx ON batch_items (watch_id)
	WHERE state IN ('QUEUED', 'EXECUTING');
`

var _ Store = (*SQLite)(nil)

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) StartOrReuseWatch(ctx context.Context, params StartWatchParams) (Watch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Watch{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
		       status, expires_at, created_at, last_checked_at, last_scanned_block,
		       confirmations, tx_hash, actual_amount, callback_url, payment_id,
		       callback_sent, callback_attempts, last_callback_attempt
		FROM watches WHERE user_id = ? AND chain = ? AND status = 'ACTIVE'`,
		params.UserID, string(params.Chain))

	existing, err := scanWatchSQL(row)
	var w Watch
	switch {
	case err == nil:
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE watches SET expires_at = ?, expected_amount = ?, callback_url = ?, payment_id = ?
			WHERE id = ?`, params.ExpiresAt, params.ExpectedAmount.String(), params.CallbackURL,
			params.PaymentID, existing.ID); execErr != nil {
			return Watch{}, execErr
		}
		existing.ExpiresAt = params.ExpiresAt
		existing.ExpectedAmount = params.ExpectedAmount
		existing.CallbackURL = params.CallbackURL
		existing.PaymentID = params.PaymentID
		w = existing

	case errors.Is(err, sql.ErrNoRows):
		w = Watch{
			ID:             uuid.NewString(),
			UserID:         params.UserID,
			WalletID:       params.WalletID,
			Address:        params.Address,
			Chain:          params.Chain,
			Token:          params.Token,
			ExpectedAmount: params.ExpectedAmount,
			Status:         WatchActive,
			ExpiresAt:      params.ExpiresAt,
			CreatedAt:      time.Now(),
			CallbackURL:    params.CallbackURL,
			PaymentID:      params.PaymentID,
		}
		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO watches (id, user_id, wallet_id, address, chain, token, expected_amount,
			       status, expires_at, created_at, callback_url, payment_id)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			w.ID, w.UserID, w.WalletID, w.Address, string(w.Chain), string(w.Token),
			w.ExpectedAmount.String(), string(w.Status), w.ExpiresAt, w.CreatedAt,
			w.CallbackURL, w.PaymentID); execErr != nil {
			return Watch{}, execErr
		}

	default:
		return Watch{}, err
	}

	return w, tx.Commit()
}

func (s *SQLite) GetWatch(ctx context.Context, watchID string) (Watch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
		       status, expires_at, created_at, last_checked_at, last_scanned_block,
		       confirmations, tx_hash, actual_amount, callback_url, payment_id,
		       callback_sent, callback_attempts, last_callback_attempt
		FROM watches WHERE id = ?`, watchID)

	w, err := scanWatchSQL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Watch{}, ErrWatchNotFound
	}
	return w, err
}

func (s *SQLite) ListActiveWatches(ctx context.Context) ([]Watch, error) {
	return s.queryWatches(ctx, `
		SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
		       status, expires_at, created_at, last_checked_at, last_scanned_block,
		       confirmations, tx_hash, actual_amount, callback_url, payment_id,
		       callback_sent, callback_attempts, last_callback_attempt
		FROM watches WHERE status = 'ACTIVE'`)
}

func (s *SQLite) ListOrphanedCallbacks(ctx context.Context) ([]Watch, error) {
	return s.queryWatches(ctx, `
		SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
		       status, expires_at, created_at, last_checked_at, last_scanned_block,
		       confirmations, tx_hash, actual_amount, callback_url, payment_id,
		       callback_sent, callback_attempts, last_callback_attempt
		FROM watches WHERE status = 'ACTIVE' AND tx_hash != '' AND callback_sent = 0`)
}

func (s *SQLite) ListForceStopCandidates(ctx context.Context, now time.Time, exhaust time.Duration) ([]Watch, error) {
	return s.queryWatches(ctx, `
		SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
		       status, expires_at, created_at, last_checked_at, last_scanned_block,
		       confirmations, tx_hash, actual_amount, callback_url, payment_id,
		       callback_sent, callback_attempts, last_callback_attempt
		FROM watches WHERE status = 'ACTIVE' AND expires_at < ?`, now.Add(-exhaust))
}

func (s *SQLite) queryWatches(ctx context.Context, query string, args ...interface{}) ([]Watch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watch
	for rows.Next() {
		w, err := scanWatchSQL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkChecked(ctx context.Context, watchID string, now time.Time, lastScannedBlock uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE watches SET last_checked_at = ?,
		       last_scanned_block = MAX(last_scanned_block, ?)
		WHERE id = ?`, now, int64(lastScannedBlock), watchID)
	return err
}

func (s *SQLite) RecordEvidence(ctx context.Context, watchID string, txHash string, actualAmount decimal.Decimal, confirmations uint32) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE watches SET tx_hash = ?, actual_amount = ?, confirmations = ?
		WHERE id = ?`, txHash, actualAmount.String(), confirmations, watchID)
	return err
}

func (s *SQLite) SetCallbackSent(ctx context.Context, watchID string, sent bool, attemptedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE watches SET callback_sent = ?, callback_attempts = callback_attempts + 1,
		       last_callback_attempt = ?
		WHERE id = ?`, sent, attemptedAt, watchID)
	return err
}

func (s *SQLite) TransitionTerminal(ctx context.Context, watchID string, newStatus WatchStatus, forced bool) error {
	query := `UPDATE watches SET status = ? WHERE id = ? AND status = 'ACTIVE'`
	if !forced {
		query = `UPDATE watches SET status = ? WHERE id = ? AND status = 'ACTIVE'
		         AND (callback_url = '' OR callback_sent = 1)`
	}

	res, err := s.db.ExecContext(ctx, query, string(newStatus), watchID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStoreConflict
	}
	return nil
}

func (s *SQLite) InsertDepositOnce(ctx context.Context, d Deposit) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO deposits (id, chain, tx_hash, wallet_id, token, amount, status, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, string(d.Chain), d.TxHash, d.WalletID, string(d.Token), d.Amount.String(),
		string(d.Status), d.CreatedAt)
	if err != nil {
		return err
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM deposits WHERE chain = ? AND tx_hash = ?`,
		string(d.Chain), d.TxHash).Scan(&existing)
	if err != nil {
		return err
	}
	if existing != d.ID {
		return ErrDuplicateDeposit
	}
	return nil
}

func (s *SQLite) TransitionWallet(ctx context.Context, walletID string, from, to WalletStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now(), walletID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStoreConflict
	}
	return nil
}

func (s *SQLite) GetWallet(ctx context.Context, walletID string) (Wallet, error) {
	var w Wallet
	var chainStr, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, chain, address, encrypted_key, derivation_index, status, created_at, updated_at
		FROM wallets WHERE id = ?`, walletID).Scan(
		&w.ID, &w.UserID, &chainStr, &w.Address, &w.EncryptedKey, &w.DerivationIndex,
		&status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return Wallet{}, err
	}
	w.Chain = chain.ID(chainStr)
	w.Status = WalletStatus(status)
	return w, nil
}

func (s *SQLite) EnqueueBatchItem(ctx context.Context, item BatchItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.State == "" {
		item.State = BatchQueued
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.UpdatedAt = item.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_items (id, watch_id, chain, user_id, amount, state, created_at, updated_at, period)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		item.ID, item.WatchID, string(item.Chain), item.UserID, item.Amount.String(),
		string(item.State), item.CreatedAt, item.UpdatedAt, item.Period)
	if err != nil && isSQLiteUniqueViolation(err) {
		return ErrBatchItemExists
	}
	return err
}

func (s *SQLite) ListEligibleBatchItems(ctx context.Context, c chain.ID, period int64) ([]BatchItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, watch_id, chain, user_id, amount, state, created_at, updated_at, tx_hash, period
		FROM batch_items WHERE chain = ? AND period = ? AND state = 'QUEUED'`, string(c), period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchItem
	for rows.Next() {
		var item BatchItem
		var chainStr, stateStr, amountStr string
		if err := rows.Scan(&item.ID, &item.WatchID, &chainStr, &item.UserID, &amountStr,
			&stateStr, &item.CreatedAt, &item.UpdatedAt, &item.TxHash, &item.Period); err != nil {
			return nil, err
		}
		item.Chain = chain.ID(chainStr)
		item.State = BatchItemState(stateStr)
		item.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLite) TransitionBatchItem(ctx context.Context, itemID string, from, to BatchItemState, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_items SET state = ?, updated_at = ?,
		       tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END
		WHERE id = ? AND state = ?`, string(to), time.Now(), txHash, txHash, itemID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStoreConflict
	}
	return nil
}

// rowScannerSQL is satisfied by both *sql.Row and *sql.Rows.
type rowScannerSQL interface {
	Scan(dest ...interface{}) error
}

func scanWatchSQL(r rowScannerSQL) (Watch, error) {
	var w Watch
	var chainStr, tokenStr, statusStr, expectedStr string
	var actualStr sql.NullString
	var lastChecked, lastCallback sql.NullTime
	var callbackSent bool

	err := r.Scan(
		&w.ID, &w.UserID, &w.WalletID, &w.Address, &chainStr, &tokenStr, &expectedStr,
		&statusStr, &w.ExpiresAt, &w.CreatedAt, &lastChecked, &w.LastScannedBlock,
		&w.Confirmations, &w.TxHash, &actualStr, &w.CallbackURL, &w.PaymentID,
		&callbackSent, &w.CallbackAttempts, &lastCallback,
	)
	if err != nil {
		return Watch{}, err
	}

	w.Chain = chain.ID(chainStr)
	w.Token = chain.Token(tokenStr)
	w.Status = WatchStatus(statusStr)
	w.CallbackSent = callbackSent

	w.ExpectedAmount, err = decimal.NewFromString(expectedStr)
	if err != nil {
		return Watch{}, err
	}
	if actualStr.Valid {
		w.ActualAmount, err = decimal.NewFromString(actualStr.String)
		if err != nil {
			return Watch{}, err
		}
		w.HasActualAmount = true
	}
	if lastChecked.Valid {
		w.LastCheckedAt = lastChecked.Time
	}
	if lastCallback.Valid {
		w.LastCallbackAttempt = lastCallback.Time
	}

	return w, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
