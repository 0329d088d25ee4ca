package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/panelpay/ledger/internal/domain"
)

// Store owns the connection pool and the read side of the engine. All
// ledger-writing paths go through the service transactions instead.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

func New(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool, pool: pool}, nil
}

// NewWithDB builds a Store over an existing handle. Used by tests.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Pool exposes the raw handle for the service layer transactions.
func (s *Store) Pool() DB { return s.db }

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var a domain.Account
	err := s.db.QueryRow(ctx,
		`SELECT id, contact_key, referral_code, referral_count, referred_by, cached_balance_cents, created_at, updated_at
		   FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.ContactKey, &a.ReferralCode, &a.ReferralCount, &a.ReferredBy, &a.CachedBalanceCents, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListActiveSurveys returns the catalog shown to participants.
func (s *Store) ListActiveSurveys(ctx context.Context) ([]domain.Survey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, survey_key, title, reward_cents, active FROM surveys WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var surveys []domain.Survey
	for rows.Next() {
		var sv domain.Survey
		if err := rows.Scan(&sv.ID, &sv.SurveyKey, &sv.Title, &sv.RewardCents, &sv.Active); err != nil {
			return nil, err
		}
		surveys = append(surveys, sv)
	}
	return surveys, rows.Err()
}

// GetEntries retrieves ledger entries for a specific account, newest first.
func (s *Store) GetEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	var exists bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, account_id, kind, amount_cents, description, COALESCE(reference, ''), status, created_at
		   FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.AmountCents, &e.Description, &e.Reference, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetWithdrawal retrieves a single withdrawal request.
func (s *Store) GetWithdrawal(ctx context.Context, id string) (*domain.WithdrawalRequest, error) {
	var w domain.WithdrawalRequest
	err := s.db.QueryRow(ctx,
		`SELECT id, account_id, amount_cents, destination, status, created_at, updated_at
		   FROM withdrawal_requests WHERE id = $1`, id).
		Scan(&w.ID, &w.AccountID, &w.AmountCents, &w.Destination, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, err
	}
	return &w, nil
}
