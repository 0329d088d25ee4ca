package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelpay/ledger/internal/domain"
)

func accountRow(id int64, contactKey, referredBy string) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows([]string{
		"id", "contact_key", "referral_code", "referral_count", "referred_by", "cached_balance_cents", "created_at", "updated_at",
	}).AddRow(id, contactKey, "ABCDEF1234", 0, referredBy, int64(0), now, now)
}

func TestResolveCreatesAccount(t *testing.T) {
	mock := newMock(t)
	svc := NewIdentityService(mock, zerolog.Nop())

	mock.ExpectQuery("INSERT INTO accounts").
		WithArgs("user@example.com", pgxmock.AnyArg(), "", "203.0.113.9", "ua-string").
		WillReturnRows(accountRow(7, "user@example.com", ""))

	acc, created, err := svc.Resolve(context.Background(), domain.Identity{
		ContactKey: "user@example.com",
		Origin:     "203.0.113.9",
		Signature:  "ua-string",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(7), acc.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveStoresReferrerCode(t *testing.T) {
	mock := newMock(t)
	svc := NewIdentityService(mock, zerolog.Nop())

	// The referrer's code rides along on first contact and lands on the row.
	mock.ExpectQuery("INSERT INTO accounts").
		WithArgs("friend@example.com", pgxmock.AnyArg(), "ABCDEF1234", "203.0.113.9", "ua-string").
		WillReturnRows(accountRow(9, "friend@example.com", "ABCDEF1234"))

	acc, created, err := svc.Resolve(context.Background(), domain.Identity{
		ContactKey: "friend@example.com",
		Origin:     "203.0.113.9",
		Signature:  "ua-string",
		ReferredBy: "ABCDEF1234",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ABCDEF1234", acc.ReferredBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveReturnsExistingOnConflict(t *testing.T) {
	mock := newMock(t)
	svc := NewIdentityService(mock, zerolog.Nop())

	// ON CONFLICT DO NOTHING yields no row; the resolver falls back to a
	// fetch that also refreshes the observed origin and signature.
	mock.ExpectQuery("INSERT INTO accounts").
		WithArgs("user@example.com", pgxmock.AnyArg(), "", "203.0.113.9", "ua-string").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("UPDATE accounts SET last_origin").
		WithArgs("user@example.com", "203.0.113.9", "ua-string").
		WillReturnRows(accountRow(7, "user@example.com", ""))

	acc, created, err := svc.Resolve(context.Background(), domain.Identity{
		ContactKey: "user@example.com",
		Origin:     "203.0.113.9",
		Signature:  "ua-string",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(7), acc.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveSynthesizesContactKey(t *testing.T) {
	mock := newMock(t)
	svc := NewIdentityService(mock, zerolog.Nop())

	mock.ExpectQuery("INSERT INTO accounts").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "", "203.0.113.9", "ua-string").
		WillReturnRows(accountRow(8, "anon:203.0.113.9:1:abcd1234", ""))

	acc, created, err := svc.Resolve(context.Background(), domain.Identity{
		Origin:    "203.0.113.9",
		Signature: "ua-string",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(8), acc.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSynthesizeContactKey(t *testing.T) {
	k1 := synthesizeContactKey("203.0.113.9")
	k2 := synthesizeContactKey("203.0.113.9")
	assert.True(t, strings.HasPrefix(k1, "anon:203.0.113.9:"))
	assert.NotEqual(t, k1, k2)
}

func TestSanitizeOrigin(t *testing.T) {
	assert.Equal(t, "203.0.113.9", sanitizeOrigin("203.0.113.9"))
	assert.Equal(t, "2001:db8::1", sanitizeOrigin("2001:DB8::1"))
	assert.Equal(t, "evil-host-name", sanitizeOrigin("evil host/name"))
	assert.Len(t, sanitizeOrigin(strings.Repeat("x", 200)), 64)
}

func TestNewReferralCode(t *testing.T) {
	code := newReferralCode()
	assert.Len(t, code, 10)
	assert.Equal(t, strings.ToUpper(code), code)
	assert.NotEqual(t, code, newReferralCode())
}
