package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/lightningnetwork/depositd/chain"
)

// Postgres is the production Store backend, a connection pool over
// github.com/jackc/pgx/v4.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and runs any pending migrations from
// migrationsPath (a "file://..." URL) via golang-migrate/migrate/v4 over
// lib/pq, the database/sql driver the migrator needs independent of the
// pgx pool the running process queries through.
func NewPostgres(ctx context.Context, dsn, migrationsPath string) (*Postgres, error) {
	if err := runPostgresMigrations(dsn, migrationsPath); err != nil {
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}

	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func runPostgresMigrations(dsn, migrationsPath string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	sourceDriver, err := (&file.File{}).Open(migrationsPath)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("file", sourceDriver, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) StartOrReuseWatch(ctx context.Context, params StartWatchParams) (Watch, error) {
	var w Watch
	err := p.withTx(ctx, func(tx pgxTx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
			       status, expires_at, created_at, last_checked_at, last_scanned_block,
			       confirmations, tx_hash, actual_amount, callback_url, payment_id,
			       callback_sent, callback_attempts, last_callback_attempt
			FROM watches WHERE user_id = $1 AND chain = $2 AND status = 'ACTIVE'
			FOR UPDATE`, params.UserID, string(params.Chain))

		existing, err := scanWatch(row)
		switch {
		case err == nil:
			_, err = tx.Exec(ctx, `
				UPDATE watches SET expires_at = $1, expected_amount = $2,
				       callback_url = $3, payment_id = $4
				WHERE id = $5`,
				params.ExpiresAt, params.ExpectedAmount.String(), params.CallbackURL,
				params.PaymentID, existing.ID)
			if err != nil {
				return err
			}
			existing.ExpiresAt = params.ExpiresAt
			existing.ExpectedAmount = params.ExpectedAmount
			existing.CallbackURL = params.CallbackURL
			existing.PaymentID = params.PaymentID
			w = existing
			return nil

		case errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgxNoRows):
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
			_, insertErr := tx.Exec(ctx, `
				INSERT INTO watches (id, user_id, wallet_id, address, chain, token,
				       expected_amount, status, expires_at, created_at, callback_url,
				       payment_id)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
				w.ID, w.UserID, w.WalletID, w.Address, string(w.Chain), string(w.Token),
				w.ExpectedAmount.String(), string(w.Status), w.ExpiresAt, w.CreatedAt,
				w.CallbackURL, w.PaymentID)
			return insertErr

		default:
			return err
		}
	})
	return w, err
}

func (p *Postgres) GetWatch(ctx context.Context, watchID string) (Watch, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
		       status, expires_at, created_at, last_checked_at, last_scanned_block,
		       confirmations, tx_hash, actual_amount, callback_url, payment_id,
		       callback_sent, callback_attempts, last_callback_attempt
		FROM watches WHERE id = $1`, watchID)

	w, err := scanWatch(row)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgxNoRows) {
		return Watch{}, ErrWatchNotFound
	}
	return w, err
}

func (p *Postgres) ListActiveWatches(ctx context.Context) ([]Watch, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
		       status, expires_at, created_at, last_checked_at, last_scanned_block,
		       confirmations, tx_hash, actual_amount, callback_url, payment_id,
		       callback_sent, callback_attempts, last_callback_attempt
		FROM watches WHERE status = 'ACTIVE'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkChecked(ctx context.Context, watchID string, now time.Time, lastScannedBlock uint64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE watches SET last_checked_at = $1,
		       last_scanned_block = GREATEST(last_scanned_block, $2)
		WHERE id = $3`, now, int64(lastScannedBlock), watchID)
	return err
}

func (p *Postgres) RecordEvidence(ctx context.Context, watchID string, txHash string, actualAmount decimal.Decimal, confirmations uint32) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE watches SET tx_hash = $1, actual_amount = $2, confirmations = $3
		WHERE id = $4`, txHash, actualAmount.String(), int32(confirmations), watchID)
	return err
}

func (p *Postgres) SetCallbackSent(ctx context.Context, watchID string, sent bool, attemptedAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE watches SET callback_sent = $1, callback_attempts = callback_attempts + 1,
		       last_callback_attempt = $2
		WHERE id = $3`, sent, attemptedAt, watchID)
	return err
}

// TransitionTerminal only takes effect while the row is still ACTIVE,
// returning ErrStoreConflict on a zero-row update.
func (p *Postgres) TransitionTerminal(ctx context.Context, watchID string, newStatus WatchStatus, forced bool) error {
	query := `UPDATE watches SET status = $1 WHERE id = $2 AND status = 'ACTIVE'`
	if !forced {
		query = `UPDATE watches SET status = $1 WHERE id = $2 AND status = 'ACTIVE'
		         AND (callback_url = '' OR callback_sent = TRUE)`
	}

	tag, err := p.pool.Exec(ctx, query, string(newStatus), watchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreConflict
	}
	return nil
}

func (p *Postgres) InsertDepositOnce(ctx context.Context, d Deposit) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO deposits (id, chain, tx_hash, wallet_id, token, amount, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (chain, tx_hash) DO NOTHING`,
		d.ID, string(d.Chain), d.TxHash, d.WalletID, string(d.Token), d.Amount.String(),
		string(d.Status), d.CreatedAt)
	if err != nil {
		return err
	}

	var existing string
	err = p.pool.QueryRow(ctx, `SELECT id FROM deposits WHERE chain = $1 AND tx_hash = $2`,
		string(d.Chain), d.TxHash).Scan(&existing)
	if err != nil {
		return err
	}
	if existing != d.ID {
		return ErrDuplicateDeposit
	}
	return nil
}

func (p *Postgres) TransitionWallet(ctx context.Context, walletID string, from, to WalletStatus) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE wallets SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`, string(to), walletID, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreConflict
	}
	return nil
}

func (p *Postgres) GetWallet(ctx context.Context, walletID string) (Wallet, error) {
	var w Wallet
	var status string
	err := p.pool.QueryRow(ctx, `
		SELECT id, user_id, chain, address, encrypted_key, derivation_index, status,
		       created_at, updated_at
		FROM wallets WHERE id = $1`, walletID).Scan(
		&w.ID, &w.UserID, &w.Chain, &w.Address, &w.EncryptedKey, &w.DerivationIndex,
		&status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgxNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return Wallet{}, err
	}
	w.Status = WalletStatus(status)
	return w, nil
}

func (p *Postgres) EnqueueBatchItem(ctx context.Context, item BatchItem) error {
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

	_, err := p.pool.Exec(ctx, `
		INSERT INTO batch_items (id, watch_id, chain, user_id, amount, state, created_at, updated_at, period)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		item.ID, item.WatchID, string(item.Chain), item.UserID, item.Amount.String(),
		string(item.State), item.CreatedAt, item.UpdatedAt, item.Period)
	if isUniqueViolation(err) {
		return ErrBatchItemExists
	}
	return err
}

func (p *Postgres) ListEligibleBatchItems(ctx context.Context, c chain.ID, period int64) ([]BatchItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, watch_id, chain, user_id, amount, state, created_at, updated_at, tx_hash, period
		FROM batch_items WHERE chain = $1 AND period = $2 AND state = 'QUEUED'`,
		string(c), period)
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

func (p *Postgres) TransitionBatchItem(ctx context.Context, itemID string, from, to BatchItemState, txHash string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE batch_items SET state = $1, updated_at = now(),
		       tx_hash = CASE WHEN $2 = '' THEN tx_hash ELSE $2 END
		WHERE id = $3 AND state = $4`, string(to), txHash, itemID, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreConflict
	}
	return nil
}

func (p *Postgres) ListOrphanedCallbacks(ctx context.Context) ([]Watch, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
		       status, expires_at, created_at, last_checked_at, last_scanned_block,
		       confirmations, tx_hash, actual_amount, callback_url, payment_id,
		       callback_sent, callback_attempts, last_callback_attempt
		FROM watches WHERE status = 'ACTIVE' AND tx_hash != '' AND callback_sent = FALSE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) ListForceStopCandidates(ctx context.Context, now time.Time, exhaust time.Duration) ([]Watch, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, wallet_id, address, chain, token, expected_amount,
		       status, expires_at, created_at, last_checked_at, last_scanned_block,
		       confirmations, tx_hash, actual_amount, callback_url, payment_id,
		       callback_sent, callback_attempts, last_callback_attempt
		FROM watches WHERE status = 'ACTIVE' AND expires_at < $1`, now.Add(-exhaust))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
