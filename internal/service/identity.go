package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/panelpay/ledger/internal/domain"
	"github.com/panelpay/ledger/internal/store"
)

// IdentityService maps an inbound (contact key, origin, signature) tuple to
// a stable account, creating one on first sight. Creation is race-safe: the
// insert goes ON CONFLICT DO NOTHING on the contact key and falls back to a
// fetch, so two concurrent requests with the same key converge on one row.
type IdentityService struct {
	db  store.DB
	log zerolog.Logger
}

func NewIdentityService(db store.DB, log zerolog.Logger) *IdentityService {
	return &IdentityService{db: db, log: log}
}

const accountColumns = `id, contact_key, referral_code, referral_count, referred_by, cached_balance_cents, created_at, updated_at`

// Resolve returns the account for the identity, creating it if absent. The
// second return reports whether a new account was created.
func (s *IdentityService) Resolve(ctx context.Context, ident domain.Identity) (*domain.Account, bool, error) {
	contactKey := ident.ContactKey
	if contactKey == "" {
		contactKey = synthesizeContactKey(ident.Origin)
	}

	// The referrer code is fixed at creation; later submissions cannot
	// rewrite who referred an existing account.
	var a domain.Account
	err := s.db.QueryRow(ctx,
		`INSERT INTO accounts (contact_key, referral_code, referred_by, last_origin, last_signature)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (contact_key) DO NOTHING
		 RETURNING `+accountColumns,
		contactKey, newReferralCode(), ident.ReferredBy, ident.Origin, ident.Signature).
		Scan(&a.ID, &a.ContactKey, &a.ReferralCode, &a.ReferralCount, &a.ReferredBy, &a.CachedBalanceCents, &a.CreatedAt, &a.UpdatedAt)
	if err == nil {
		s.log.Info().Int64("account_id", a.ID).Str("origin", ident.Origin).Msg("account created")
		return &a, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("account insert failed: %w", err)
	}

	// A row with this contact key already exists; fetch it and refresh the
	// observed origin and signature. The refresh is non-authoritative.
	err = s.db.QueryRow(ctx,
		`UPDATE accounts SET last_origin = $2, last_signature = $3, updated_at = now()
		  WHERE contact_key = $1
		 RETURNING `+accountColumns,
		contactKey, ident.Origin, ident.Signature).
		Scan(&a.ID, &a.ContactKey, &a.ReferralCode, &a.ReferralCount, &a.ReferredBy, &a.CachedBalanceCents, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("account fetch failed: %w", err)
	}
	return &a, false, nil
}

// synthesizeContactKey builds a key for callers with no contact key of their
// own. Origin plus a nanosecond timestamp plus a random suffix keeps
// collisions out of reach without being reversible to anything sensitive.
func synthesizeContactKey(origin string) string {
	return fmt.Sprintf("anon:%s:%d:%s", sanitizeOrigin(origin), time.Now().UnixNano(), uuid.NewString()[:8])
}

func sanitizeOrigin(origin string) string {
	origin = strings.ToLower(origin)
	var b strings.Builder
	for _, r := range origin {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == ':':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// newReferralCode returns a short shareable code, unique-constrained in the
// schema.
func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}
