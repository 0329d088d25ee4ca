package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies a ledger entry. The sign of the amount follows the
// kind: credits are positive, debits negative.
type EntryKind string

const (
	EntryRewardCredit        EntryKind = "reward_credit"
	EntryReferralBonusCredit EntryKind = "referral_bonus_credit"
	EntryWithdrawalDebit     EntryKind = "withdrawal_debit"
)

// EntryStatus is the lifecycle state of a ledger entry. Credits are written
// as completed and never change; withdrawal debits start pending and settle
// to completed or failed.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusCancelled EntryStatus = "cancelled"
)

// Account represents a rewarded user. Balance is derived from the ledger;
// CachedBalanceCents is refreshed inside every ledger-writing transaction and
// must always equal the ledger sum.
type Account struct {
	ID                 int64     `json:"id"`
	ContactKey         string    `json:"contact_key"`
	ReferralCode       string    `json:"referral_code"`
	ReferralCount      int       `json:"referral_count"`
	ReferredBy         string    `json:"-"`
	CachedBalanceCents int64     `json:"-"`
	LastOrigin         string    `json:"-"`
	LastSignature      string    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Survey is a read-only catalog record at this layer; the admin path owns it.
type Survey struct {
	ID          int64  `json:"id"`
	SurveyKey   string `json:"survey_key"`
	Title       string `json:"title"`
	RewardCents int64  `json:"-"`
	Active      bool   `json:"active"`
}

// QuestionKind tags the shape of an acceptable answer.
type QuestionKind string

const (
	QuestionSingleChoice QuestionKind = "single_choice"
	QuestionMultiChoice  QuestionKind = "multi_choice"
	QuestionFreeText     QuestionKind = "free_text"
)

// SurveyQuestion belongs to exactly one survey.
type SurveyQuestion struct {
	ID          int64        `json:"id"`
	SurveyID    int64        `json:"survey_id"`
	QuestionKey string       `json:"question_key"`
	Prompt      string       `json:"prompt"`
	Kind        QuestionKind `json:"kind"`
	Position    int          `json:"position"`
}

// AnswerValue is one submitted answer: either a scalar or an ordered set of
// selected options, never both. Request bodies carry it as a JSON string or
// a JSON array of strings.
type AnswerValue struct {
	Scalar  string
	Options []string
}

// IsMulti reports whether the value carries selected options rather than a
// scalar.
func (v AnswerValue) IsMulti() bool { return v.Options != nil }

func (v *AnswerValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.Scalar = s
		v.Options = nil
		return nil
	}
	var opts []string
	if err := json.Unmarshal(data, &opts); err == nil {
		v.Scalar = ""
		v.Options = opts
		return nil
	}
	return fmt.Errorf("answer must be a string or an array of strings")
}

// LedgerEntry is one immutable signed-amount record. Only the status field of
// withdrawal debits ever changes after insert (settlement).
type LedgerEntry struct {
	ID          int64       `json:"id"`
	AccountID   int64       `json:"account_id"`
	Kind        EntryKind   `json:"kind"`
	AmountCents int64       `json:"-"`
	Description string      `json:"description"`
	Reference   string      `json:"reference,omitempty"`
	Status      EntryStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Counted reports whether the entry participates in balance computation.
// Completed entries always count; pending counts only for withdrawal debits,
// so an uncommitted-to-payout withdrawal already reduces the balance seen by
// later withdrawals. Failed and cancelled entries never count.
func (e LedgerEntry) Counted() bool {
	switch e.Status {
	case StatusCompleted:
		return true
	case StatusPending:
		return e.Kind == EntryWithdrawalDebit
	default:
		return false
	}
}

// Balance sums the counted entries. It is the one definition of an account
// balance; the SQL aggregate in the store must stay equivalent.
func Balance(entries []LedgerEntry) int64 {
	var sum int64
	for _, e := range entries {
		if e.Counted() {
			sum += e.AmountCents
		}
	}
	return sum
}

// WithdrawalStatus is the request lifecycle: pending -> processing ->
// completed | failed.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// WithdrawalRequest is paired 1:1 with a withdrawal-debit ledger entry whose
// reference is the request id.
type WithdrawalRequest struct {
	ID          uuid.UUID        `json:"id"`
	AccountID   int64            `json:"account_id"`
	AmountCents int64            `json:"-"`
	Destination string           `json:"destination"`
	Status      WithdrawalStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Identity is the resolver input: who the caller claims to be plus where the
// request came from.
type Identity struct {
	ContactKey string
	Origin     string
	Signature  string
	ReferredBy string
}

// SubmissionResult reports what a successful survey submission did.
type SubmissionResult struct {
	AccountID    int64
	SurveyKey    string
	AnswersSaved int
	RewardCents  int64
}

// WithdrawalResult reports a successfully opened withdrawal.
type WithdrawalResult struct {
	ID           uuid.UUID
	AccountID    int64
	AmountCents  int64
	BalanceCents int64
}
