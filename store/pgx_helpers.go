package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/shopspring/decimal"

	"github.com/lightningnetwork/depositd/chain"
)

// pgxNoRows is pgx's sentinel for "no rows", distinct from database/sql's
// own sql.ErrNoRows which the lib/pq-driven migration path still uses.
var pgxNoRows = pgx.ErrNoRows

// pgxTx is the subset of pgx.Tx this package needs, so withTx's callback
// can run both Exec and QueryRow against the open transaction.
type pgxTx interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (interface{ RowsAffected() int64 }, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// withTx runs fn inside a single pgx transaction, committing on success
// and rolling back on any error: the transactional envelope
// StartOrReuseWatch needs around its read-then-write.
func (p *Postgres) withTx(ctx context.Context, fn func(tx pgxTx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}

	wrapped := pgxTxAdapter{tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}

// pgxTxAdapter adapts pgx.Tx's Exec (which returns pgconn.CommandTag) to
// the narrower pgxTx interface above, so this package doesn't need to
// import pgconn directly just to spell the return type.
type pgxTxAdapter struct {
	tx pgx.Tx
}

func (a pgxTxAdapter) Exec(ctx context.Context, sql string, args ...interface{}) (interface{ RowsAffected() int64 }, error) {
	tag, err := a.tx.Exec(ctx, sql, args...)
	return tag, err
}

func (a pgxTxAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return a.tx.QueryRow(ctx, sql, args...)
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows, letting scanWatch
// serve both GetWatch (single row) and the List* methods (row cursor).
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWatch(r rowScanner) (Watch, error) {
	var w Watch
	var chainStr, tokenStr, statusStr, expectedStr string
	var actualStr sql.NullString
	var lastChecked, lastCallback sql.NullTime

	err := r.Scan(
		&w.ID, &w.UserID, &w.WalletID, &w.Address, &chainStr, &tokenStr, &expectedStr,
		&statusStr, &w.ExpiresAt, &w.CreatedAt, &lastChecked, &w.LastScannedBlock,
		&w.Confirmations, &w.TxHash, &actualStr, &w.CallbackURL, &w.PaymentID,
		&w.CallbackSent, &w.CallbackAttempts, &lastCallback,
	)
	if err != nil {
		return Watch{}, err
	}

	w.Chain = chain.ID(chainStr)
	w.Token = chain.Token(tokenStr)
	w.Status = WatchStatus(statusStr)

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

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), used to translate the batch_items
// active-watch partial unique index into ErrBatchItemExists.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "unique")
}
