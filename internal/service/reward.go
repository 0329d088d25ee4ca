package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/panelpay/ledger/internal/domain"
	"github.com/panelpay/ledger/internal/store"
)

// RewardService posts survey rewards. The completion insert is the
// serialization point: its unique constraint on (account_id, survey_id)
// guarantees at most one reward per pair even when duplicate submissions
// race, because exactly one of them wins the insert and every loser rolls
// back whole.
type RewardService struct {
	db  store.DB
	log zerolog.Logger
}

func NewRewardService(db store.DB, log zerolog.Logger) *RewardService {
	return &RewardService{db: db, log: log}
}

// SubmitSurvey records answers, marks the survey completed and credits the
// reward as one atomic unit.
func (s *RewardService) SubmitSurvey(ctx context.Context, accountID, surveyID int64, answers map[string]domain.AnswerValue, origin string) (*domain.SubmissionResult, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var sv domain.Survey
	err = tx.QueryRow(ctx,
		`SELECT id, survey_key, title, reward_cents, active FROM surveys WHERE id = $1`, surveyID).
		Scan(&sv.ID, &sv.SurveyKey, &sv.Title, &sv.RewardCents, &sv.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrSurveyNotFound
		}
		return nil, fmt.Errorf("survey lookup failed: %w", err)
	}
	if !sv.Active {
		return nil, domain.ErrSurveyInactive
	}

	// Account lock comes before the first write so the cache refresh at the
	// end sees any concurrently committed entries for this account.
	if err := lockAccount(ctx, tx, accountID); err != nil {
		return nil, err
	}

	// Insert-as-lock: first committer of this row wins the reward.
	_, err = tx.Exec(ctx,
		`INSERT INTO survey_completions (account_id, survey_id) VALUES ($1, $2)`,
		accountID, surveyID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyCompleted
		}
		return nil, fmt.Errorf("completion insert failed: %w", err)
	}

	questions, err := s.questionIDsByKey(ctx, tx, surveyID)
	if err != nil {
		return nil, err
	}

	// Unknown question keys are ignored by contract, not an error. The input
	// map already collapsed duplicate keys to the last value.
	saved := 0
	for key, val := range answers {
		questionID, ok := questions[key]
		if !ok {
			continue
		}
		var scalar, options any
		if val.IsMulti() {
			options = val.Options
		} else {
			scalar = val.Scalar
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO answers (account_id, survey_id, question_id, scalar_value, selected_options)
			 VALUES ($1, $2, $3, $4, $5)`,
			accountID, surveyID, questionID, scalar, options)
		if err != nil {
			return nil, fmt.Errorf("answer insert failed: %w", err)
		}
		saved++
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (account_id, kind, amount_cents, description, reference, status)
		 VALUES ($1, 'reward_credit', $2, $3, $4, 'completed')`,
		accountID, sv.RewardCents, fmt.Sprintf("reward for survey %s", sv.SurveyKey), sv.SurveyKey)
	if err != nil {
		return nil, fmt.Errorf("reward credit failed: %w", err)
	}

	if err := logActivity(ctx, tx, accountID, "survey_completed",
		fmt.Sprintf("completed survey %s, %d answers", sv.SurveyKey, saved), origin,
		map[string]any{"survey_key": sv.SurveyKey, "reward_cents": sv.RewardCents, "answers_saved": saved}); err != nil {
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
		Str("survey_key", sv.SurveyKey).
		Int64("reward_cents", sv.RewardCents).
		Int("answers_saved", saved).
		Msg("survey reward posted")

	return &domain.SubmissionResult{
		AccountID:    accountID,
		SurveyKey:    sv.SurveyKey,
		AnswersSaved: saved,
		RewardCents:  sv.RewardCents,
	}, nil
}

func (s *RewardService) questionIDsByKey(ctx context.Context, tx pgx.Tx, surveyID int64) (map[string]int64, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, question_key FROM survey_questions WHERE survey_id = $1`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("question lookup failed: %w", err)
	}
	defer rows.Close()

	questions := make(map[string]int64)
	for rows.Next() {
		var id int64
		var key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("question scan failed: %w", err)
		}
		questions[key] = id
	}
	return questions, rows.Err()
}
