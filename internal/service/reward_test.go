package service

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelpay/ledger/internal/domain"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func surveyRows(rewardCents int64, active bool) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "survey_key", "title", "reward_cents", "active"}).
		AddRow(int64(1), "wellness-q3", "Wellness Q3", rewardCents, active)
}

func TestSubmitSurveyHappyPath(t *testing.T) {
	mock := newMock(t)
	svc := NewRewardService(mock, zerolog.Nop())

	// The account lock must precede every write: the closing cache refresh
	// relies on the transaction entering the account's critical section
	// before any concurrent ledger writer commits. Expectations are ordered,
	// so a reordering regression fails here.
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("SELECT id, survey_key").WithArgs(int64(1)).
		WillReturnRows(surveyRows(500, true))
	mock.ExpectQuery("FROM accounts WHERE id = .. FOR UPDATE").WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO survey_completions").WithArgs(int64(7), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id, question_key").WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "question_key"}).
			AddRow(int64(10), "q1").
			AddRow(int64(11), "q2"))
	mock.ExpectExec("INSERT INTO answers").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO answers").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(int64(7), int64(500), "reward for survey wellness-q3", "wellness-q3").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO activity_log").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE accounts SET cached_balance_cents").WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	answers := map[string]domain.AnswerValue{
		"q1": {Scalar: "yes"},
		"q2": {Options: []string{"red", "blue"}},
	}
	res, err := svc.SubmitSurvey(context.Background(), 7, 1, answers, "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, 2, res.AnswersSaved)
	assert.Equal(t, int64(500), res.RewardCents)
	assert.Equal(t, "wellness-q3", res.SurveyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitSurveyIgnoresUnknownQuestionKeys(t *testing.T) {
	mock := newMock(t)
	svc := NewRewardService(mock, zerolog.Nop())

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("SELECT id, survey_key").WithArgs(int64(1)).
		WillReturnRows(surveyRows(500, true))
	mock.ExpectQuery("FROM accounts WHERE id = .. FOR UPDATE").WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO survey_completions").WithArgs(int64(7), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id, question_key").WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "question_key"}).AddRow(int64(10), "q1"))
	// Only q1 is known; "bogus" never reaches the store.
	mock.ExpectExec("INSERT INTO answers").
		WithArgs(int64(7), int64(1), int64(10), "yes", nil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(int64(7), int64(500), "reward for survey wellness-q3", "wellness-q3").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO activity_log").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE accounts SET cached_balance_cents").WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	answers := map[string]domain.AnswerValue{
		"q1":    {Scalar: "yes"},
		"bogus": {Scalar: "ignored"},
	}
	res, err := svc.SubmitSurvey(context.Background(), 7, 1, answers, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AnswersSaved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitSurveyAlreadyCompleted(t *testing.T) {
	mock := newMock(t)
	svc := NewRewardService(mock, zerolog.Nop())

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("SELECT id, survey_key").WithArgs(int64(1)).
		WillReturnRows(surveyRows(500, true))
	mock.ExpectQuery("FROM accounts WHERE id = .. FOR UPDATE").WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	// Losing the completion-insert race rolls the whole unit back.
	mock.ExpectExec("INSERT INTO survey_completions").WithArgs(int64(7), int64(1)).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := svc.SubmitSurvey(context.Background(), 7, 1, nil, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitSurveyNotFound(t *testing.T) {
	mock := newMock(t)
	svc := NewRewardService(mock, zerolog.Nop())

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("SELECT id, survey_key").WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.SubmitSurvey(context.Background(), 7, 99, nil, "")
	assert.ErrorIs(t, err, domain.ErrSurveyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitSurveyInactive(t *testing.T) {
	mock := newMock(t)
	svc := NewRewardService(mock, zerolog.Nop())

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("SELECT id, survey_key").WithArgs(int64(1)).
		WillReturnRows(surveyRows(500, false))
	mock.ExpectRollback()

	_, err := svc.SubmitSurvey(context.Background(), 7, 1, nil, "")
	assert.ErrorIs(t, err, domain.ErrSurveyInactive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitSurveyAccountNotFound(t *testing.T) {
	mock := newMock(t)
	svc := NewRewardService(mock, zerolog.Nop())

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("SELECT id, survey_key").WithArgs(int64(1)).
		WillReturnRows(surveyRows(500, true))
	mock.ExpectQuery("FROM accounts WHERE id = .. FOR UPDATE").WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.SubmitSurvey(context.Background(), 404, 1, nil, "")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitSurveyRollsBackOnCreditFailure(t *testing.T) {
	mock := newMock(t)
	svc := NewRewardService(mock, zerolog.Nop())

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery("SELECT id, survey_key").WithArgs(int64(1)).
		WillReturnRows(surveyRows(500, true))
	mock.ExpectQuery("FROM accounts WHERE id = .. FOR UPDATE").WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO survey_completions").WithArgs(int64(7), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT id, question_key").WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "question_key"}))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnError(&pgconn.PgError{Code: "57P01"})
	mock.ExpectRollback()

	_, err := svc.SubmitSurvey(context.Background(), 7, 1, nil, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAlreadyCompleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
