package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/panelpay/ledger/internal/domain"
	"github.com/panelpay/ledger/internal/store"
)

// WithdrawalService opens and settles withdrawals. Requests for the same
// account serialize on a FOR UPDATE lock of the account row, and the balance
// is recomputed from the ledger after the lock is held, so two requests
// summing past the balance can never both commit.
type WithdrawalService struct {
	db           store.DB
	log          zerolog.Logger
	minimumCents int64
}

func NewWithdrawalService(db store.DB, log zerolog.Logger, minimumCents int64) *WithdrawalService {
	return &WithdrawalService{db: db, log: log, minimumCents: minimumCents}
}

// RequestWithdrawal checks the floor and destination, then atomically pairs
// a pending withdrawal request with a pending debit ledger entry.
func (s *WithdrawalService) RequestWithdrawal(ctx context.Context, accountID, amountCents int64, destination string) (*domain.WithdrawalResult, error) {
	if strings.TrimSpace(destination) == "" {
		return nil, domain.ErrMissingDestination
	}
	if amountCents < s.minimumCents {
		return nil, domain.ErrBelowMinimum
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// Per-account critical section. Read committed is enough: once the lock
	// is granted every later read in this tx sees the previous holder's
	// committed pending debit.
	if err := lockAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}

	// Race-critical read: derive from the ledger, never from the cache.
	var balance int64
	if err := tx.QueryRow(ctx, balanceSQL, accountID).Scan(&balance); err != nil {
		return nil, fmt.Errorf("balance read failed: %w", err)
	}
	if balance < amountCents {
		return nil, domain.ErrInsufficientBalance
	}

	withdrawalID := uuid.New()
	_, err = tx.Exec(ctx,
		`INSERT INTO withdrawal_requests (id, account_id, amount_cents, destination, status)
		 VALUES ($1, $2, $3, $4, 'pending')`,
		withdrawalID, accountID, amountCents, destination)
	if err != nil {
		return nil, fmt.Errorf("withdrawal insert failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (account_id, kind, amount_cents, description, reference, status)
		 VALUES ($1, 'withdrawal_debit', $2, $3, $4, 'pending')`,
		accountID, -amountCents, fmt.Sprintf("withdrawal to %s", destination), withdrawalID.String())
	if err != nil {
		return nil, fmt.Errorf("debit entry failed: %w", err)
	}

	if err := logActivity(ctx, tx, accountID, "withdrawal_requested",
		fmt.Sprintf("withdrawal %s requested", withdrawalID), "",
		map[string]any{"withdrawal_id": withdrawalID.String(), "amount_cents": amountCents}); err != nil {
		return nil, err
	}

	if err := refreshCachedBalance(ctx, tx, accountID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	s.log.Info().
		Int64("account_id", accountID).
		Str("withdrawal_id", withdrawalID.String()).
		Int64("amount_cents", amountCents).
		Msg("withdrawal opened")

	return &domain.WithdrawalResult{
		ID:           withdrawalID,
		AccountID:    accountID,
		AmountCents:  amountCents,
		BalanceCents: balance - amountCents,
	}, nil
}

// Settle transitions a pending or processing withdrawal to completed or
// failed, moving the paired debit entry with it. A failed settlement drops
// the debit out of the counted statuses, which refunds the account.
func (s *WithdrawalService) Settle(ctx context.Context, id uuid.UUID, outcome domain.WithdrawalStatus) error {
	if outcome != domain.WithdrawalCompleted && outcome != domain.WithdrawalFailed {
		return fmt.Errorf("settlement outcome must be completed or failed, got %q", outcome)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID int64
	var status string
	err = tx.QueryRow(ctx,
		`SELECT account_id, status FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id).
		Scan(&accountID, &status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrWithdrawalNotFound
		}
		return fmt.Errorf("withdrawal lock failed: %w", err)
	}
	if st := domain.WithdrawalStatus(status); st == domain.WithdrawalCompleted || st == domain.WithdrawalFailed {
		return domain.ErrAlreadySettled
	}

	// Same rule as the other ledger writers: hold the account lock before
	// touching entries so the closing cache refresh cannot recompute from a
	// snapshot that misses a concurrent writer's rows.
	if err := lockAccount(ctx, tx, accountID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE withdrawal_requests SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(outcome))
	if err != nil {
		return fmt.Errorf("withdrawal update failed: %w", err)
	}

	entryStatus := domain.StatusCompleted
	if outcome == domain.WithdrawalFailed {
		entryStatus = domain.StatusFailed
	}
	_, err = tx.Exec(ctx,
		`UPDATE ledger_entries SET status = $2 WHERE reference = $1 AND kind = 'withdrawal_debit'`,
		id.String(), string(entryStatus))
	if err != nil {
		return fmt.Errorf("debit settlement failed: %w", err)
	}

	if err := logActivity(ctx, tx, accountID, "withdrawal_settled",
		fmt.Sprintf("withdrawal %s settled as %s", id, outcome), "",
		map[string]any{"withdrawal_id": id.String(), "outcome": string(outcome)}); err != nil {
		return err
	}

	if err := refreshCachedBalance(ctx, tx, accountID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}

	s.log.Info().
		Int64("account_id", accountID).
		Str("withdrawal_id", id.String()).
		Str("outcome", string(outcome)).
		Msg("withdrawal settled")
	return nil
}
