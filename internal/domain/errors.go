package domain

import "errors"

// Closed error surface of the transaction engine. Handlers map these to
// response codes; anything else is a storage fault and rolls back whole.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrSurveyNotFound      = errors.New("survey not found")
	ErrSurveyInactive      = errors.New("survey inactive")
	ErrAlreadyCompleted    = errors.New("survey already completed")
	ErrBelowMinimum        = errors.New("amount below withdrawal minimum")
	ErrMissingDestination  = errors.New("payout destination required")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
	ErrAlreadySettled      = errors.New("withdrawal already settled")
	ErrBonusAlreadyGranted = errors.New("referral bonus already granted")
)
