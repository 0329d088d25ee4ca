package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/panelpay/ledger/internal/domain"
)

// balanceSQL is the one SQL definition of an account balance: completed
// entries plus pending withdrawal debits. It must stay equivalent to
// domain.Balance. Pending debits count so a concurrent withdrawal that
// committed first is already deducted when the next one reads.
const balanceSQL = `SELECT COALESCE(SUM(amount_cents), 0) FROM ledger_entries
 WHERE account_id = $1
   AND (status = 'completed' OR (status = 'pending' AND kind = 'withdrawal_debit'))`

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation, the conflict half of the insert-as-lock pattern.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// lockAccount takes the per-account row lock. Every transaction that writes
// ledger entries must call this before its first write: under read committed
// an UPDATE that merely blocks on the row keeps its original statement
// snapshot when it resumes, so a cache refresh that contends here instead of
// up front would recompute the sum without the other side's entries. Locking
// first means every later read in the transaction starts after any previous
// holder committed.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID int64) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("account lock failed: %w", err)
	}
	return nil
}

// refreshCachedBalance rewrites accounts.cached_balance_cents from the
// ledger aggregate inside the same transaction that changed the ledger, so
// the cache can never drift from the sum.
func refreshCachedBalance(ctx context.Context, tx pgx.Tx, accountID int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET cached_balance_cents = (`+balanceSQL+`), updated_at = now() WHERE id = $1`,
		accountID)
	if err != nil {
		return fmt.Errorf("balance cache refresh failed: %w", err)
	}
	return nil
}

// logActivity appends an audit record. Write-only from the engine's side.
func logActivity(ctx context.Context, tx pgx.Tx, accountID int64, event, detail, origin string, payload any) error {
	var body any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("activity payload marshal failed: %w", err)
		}
		body = string(b)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO activity_log (account_id, event, detail, origin, payload) VALUES ($1, $2, $3, $4, $5)`,
		accountID, event, detail, origin, body)
	if err != nil {
		return fmt.Errorf("activity log insert failed: %w", err)
	}
	return nil
}
