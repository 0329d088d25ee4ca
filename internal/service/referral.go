package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/panelpay/ledger/internal/domain"
	"github.com/panelpay/ledger/internal/store"
)

// ReferralService increments referral counts and grants the one-time bonus
// once the count crosses the threshold. The account row lock serializes the
// count update with the presence check, and a partial unique index on
// (account_id, kind = referral_bonus_credit) backstops it.
type ReferralService struct {
	db         store.DB
	log        zerolog.Logger
	threshold  int
	bonusCents int64
}

func NewReferralService(db store.DB, log zerolog.Logger, threshold int, bonusCents int64) *ReferralService {
	return &ReferralService{db: db, log: log, threshold: threshold, bonusCents: bonusCents}
}

// RecordReferral credits one referral to the owner of code and grants the
// bonus if this crossing the threshold is the first.
func (s *ReferralService) RecordReferral(ctx context.Context, code string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID int64
	var count int
	err = tx.QueryRow(ctx,
		`SELECT id, referral_count FROM accounts WHERE referral_code = $1 FOR UPDATE`, code).
		Scan(&accountID, &count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("referrer lock failed: %w", err)
	}

	count++
	_, err = tx.Exec(ctx,
		`UPDATE accounts SET referral_count = $2, updated_at = now() WHERE id = $1`,
		accountID, count)
	if err != nil {
		return fmt.Errorf("referral count update failed: %w", err)
	}

	granted := false
	if count >= s.threshold {
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE account_id = $1 AND kind = 'referral_bonus_credit')`,
			accountID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("bonus presence check failed: %w", err)
		}
		if !exists {
			_, err = tx.Exec(ctx,
				`INSERT INTO ledger_entries (account_id, kind, amount_cents, description, reference, status)
				 VALUES ($1, 'referral_bonus_credit', $2, $3, $4, 'completed')`,
				accountID, s.bonusCents, fmt.Sprintf("referral bonus after %d referrals", count), code)
			if err != nil {
				if isUniqueViolation(err) {
					return domain.ErrBonusAlreadyGranted
				}
				return fmt.Errorf("bonus credit failed: %w", err)
			}
			if err := logActivity(ctx, tx, accountID, "referral_bonus_granted",
				fmt.Sprintf("bonus granted at %d referrals", count), "",
				map[string]any{"referral_count": count, "bonus_cents": s.bonusCents}); err != nil {
				return err
			}
			if err := refreshCachedBalance(ctx, tx, accountID); err != nil {
				return err
			}
			granted = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}

	evt := s.log.Info().Int64("account_id", accountID).Int("referral_count", count)
	if granted {
		evt = evt.Int64("bonus_cents", s.bonusCents)
	}
	evt.Msg("referral recorded")
	return nil
}
