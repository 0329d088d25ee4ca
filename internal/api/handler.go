package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/panelpay/ledger/internal/domain"
)

// Identity resolves inbound callers to accounts.
type Identity interface {
	Resolve(ctx context.Context, ident domain.Identity) (*domain.Account, bool, error)
}

// Rewards posts survey rewards.
type Rewards interface {
	SubmitSurvey(ctx context.Context, accountID, surveyID int64, answers map[string]domain.AnswerValue, origin string) (*domain.SubmissionResult, error)
}

// Withdrawals opens and settles withdrawal requests.
type Withdrawals interface {
	RequestWithdrawal(ctx context.Context, accountID, amountCents int64, destination string) (*domain.WithdrawalResult, error)
	Settle(ctx context.Context, id uuid.UUID, outcome domain.WithdrawalStatus) error
}

// Referrals records referral events.
type Referrals interface {
	RecordReferral(ctx context.Context, code string) error
}

// Reader is the read-only side served straight from the store.
type Reader interface {
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error)
	GetWithdrawal(ctx context.Context, id string) (*domain.WithdrawalRequest, error)
	ListActiveSurveys(ctx context.Context) ([]domain.Survey, error)
}

type Handler struct {
	identity    Identity
	rewards     Rewards
	withdrawals Withdrawals
	referrals   Referrals
	reader      Reader
	log         zerolog.Logger
}

func NewHandler(identity Identity, rewards Rewards, withdrawals Withdrawals, referrals Referrals, reader Reader, log zerolog.Logger) *Handler {
	return &Handler{
		identity:    identity,
		rewards:     rewards,
		withdrawals: withdrawals,
		referrals:   referrals,
		reader:      reader,
		log:         log,
	}
}

// Router builds the full route table including health and metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(requestLogger(h.log))
	apiV1.HandleFunc("/submissions", h.CreateSubmission).Methods("POST")
	apiV1.HandleFunc("/withdrawals", h.CreateWithdrawal).Methods("POST")
	apiV1.HandleFunc("/withdrawals/{id}", h.GetWithdrawal).Methods("GET")
	apiV1.HandleFunc("/withdrawals/{id}/settlement", h.SettleWithdrawal).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/entries", h.GetAccountEntries).Methods("GET")
	apiV1.HandleFunc("/surveys", h.ListSurveys).Methods("GET")
	return r
}

type submissionRequest struct {
	SurveyID        int64                         `json:"survey_id"`
	Answers         map[string]domain.AnswerValue `json:"answers"`
	ContactKey      string                        `json:"contact_key"`
	ClientSignature string                        `json:"client_signature"`
	ReferredBy      string                        `json:"referred_by"`
}

type submissionResponse struct {
	AccountID    int64  `json:"account_id"`
	SurveyKey    string `json:"survey_key"`
	AnswersSaved int    `json:"answers_saved"`
	Reward       string `json:"reward"`
}

func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if err := decodeStrict(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.SurveyID <= 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "survey_id required")
		return
	}

	origin := clientOrigin(r)
	signature := req.ClientSignature
	if signature == "" {
		signature = r.UserAgent()
	}

	account, created, err := h.identity.Resolve(r.Context(), domain.Identity{
		ContactKey: req.ContactKey,
		Origin:     origin,
		Signature:  signature,
		ReferredBy: req.ReferredBy,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("identity resolution failed")
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	// A referral only counts once, when the referred account first appears.
	// The bonus trigger runs in its own atomic unit; its failure must not
	// take the submission down with it.
	if created && req.ReferredBy != "" {
		if err := h.referrals.RecordReferral(r.Context(), req.ReferredBy); err != nil {
			h.log.Warn().Err(err).Str("code", req.ReferredBy).Msg("referral not recorded")
		}
	}

	res, err := h.rewards.SubmitSurvey(r.Context(), account.ID, req.SurveyID, req.Answers, origin)
	if err != nil {
		submissionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		switch {
		case errors.Is(err, domain.ErrAlreadyCompleted):
			respondWithError(w, http.StatusConflict, "Survey already completed")
		case errors.Is(err, domain.ErrSurveyNotFound):
			respondWithError(w, http.StatusNotFound, "Survey not found")
		case errors.Is(err, domain.ErrAccountNotFound):
			respondWithError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, domain.ErrSurveyInactive):
			respondWithError(w, http.StatusUnprocessableEntity, "Survey is not active")
		default:
			h.log.Error().Err(err).Int64("account_id", account.ID).Msg("submission failed")
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	submissionsTotal.WithLabelValues("ok").Inc()
	rewardsPostedCents.Add(float64(res.RewardCents))
	respondWithJSON(w, http.StatusCreated, submissionResponse{
		AccountID:    res.AccountID,
		SurveyKey:    res.SurveyKey,
		AnswersSaved: res.AnswersSaved,
		Reward:       domain.FormatCents(res.RewardCents),
	})
}

type withdrawalRequest struct {
	AccountID   int64  `json:"account_id"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

type withdrawalResponse struct {
	WithdrawalID     string `json:"withdrawal_id"`
	AccountID        int64  `json:"account_id"`
	Amount           string `json:"amount"`
	RemainingBalance string `json:"remaining_balance"`
	Status           string `json:"status"`
}

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := decodeStrict(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.AccountID <= 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "account_id required")
		return
	}

	amountCents, err := domain.ParseCents(req.Amount)
	if err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "Invalid amount")
		return
	}

	res, err := h.withdrawals.RequestWithdrawal(r.Context(), req.AccountID, amountCents, req.Destination)
	if err != nil {
		withdrawalsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		switch {
		case errors.Is(err, domain.ErrBelowMinimum):
			respondWithError(w, http.StatusUnprocessableEntity, "Amount below withdrawal minimum")
		case errors.Is(err, domain.ErrMissingDestination):
			respondWithError(w, http.StatusUnprocessableEntity, "Payout destination required")
		case errors.Is(err, domain.ErrInsufficientBalance):
			respondWithError(w, http.StatusUnprocessableEntity, "Insufficient balance")
		case errors.Is(err, domain.ErrAccountNotFound):
			respondWithError(w, http.StatusNotFound, "Account not found")
		default:
			h.log.Error().Err(err).Int64("account_id", req.AccountID).Msg("withdrawal failed")
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	withdrawalsTotal.WithLabelValues("ok").Inc()
	respondWithJSON(w, http.StatusCreated, withdrawalResponse{
		WithdrawalID:     res.ID.String(),
		AccountID:        res.AccountID,
		Amount:           domain.FormatCents(res.AmountCents),
		RemainingBalance: domain.FormatCents(res.BalanceCents),
		Status:           string(domain.WithdrawalPending),
	})
}

type withdrawalDetailResponse struct {
	WithdrawalID string `json:"withdrawal_id"`
	AccountID    int64  `json:"account_id"`
	Amount       string `json:"amount"`
	Destination  string `json:"destination"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Withdrawal not found")
		return
	}

	wd, err := h.reader.GetWithdrawal(r.Context(), id.String())
	if err != nil {
		if errors.Is(err, domain.ErrWithdrawalNotFound) {
			respondWithError(w, http.StatusNotFound, "Withdrawal not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, withdrawalDetailResponse{
		WithdrawalID: wd.ID.String(),
		AccountID:    wd.AccountID,
		Amount:       domain.FormatCents(wd.AmountCents),
		Destination:  wd.Destination,
		Status:       string(wd.Status),
		CreatedAt:    wd.CreatedAt.UTC().Format(time.RFC3339),
	})
}

type settlementRequest struct {
	Outcome string `json:"outcome"`
}

func (h *Handler) SettleWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Withdrawal not found")
		return
	}

	var req settlementRequest
	if err := decodeStrict(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	outcome := domain.WithdrawalStatus(req.Outcome)
	if outcome != domain.WithdrawalCompleted && outcome != domain.WithdrawalFailed {
		respondWithError(w, http.StatusUnprocessableEntity, "Outcome must be completed or failed")
		return
	}

	if err := h.withdrawals.Settle(r.Context(), id, outcome); err != nil {
		switch {
		case errors.Is(err, domain.ErrWithdrawalNotFound):
			respondWithError(w, http.StatusNotFound, "Withdrawal not found")
		case errors.Is(err, domain.ErrAlreadySettled):
			respondWithError(w, http.StatusConflict, "Withdrawal already settled")
		default:
			h.log.Error().Err(err).Str("withdrawal_id", id.String()).Msg("settlement failed")
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"withdrawal_id": id.String(), "status": req.Outcome})
}

type accountResponse struct {
	ID            int64  `json:"id"`
	ReferralCode  string `json:"referral_code"`
	ReferralCount int    `json:"referral_count"`
	Balance       string `json:"balance"`
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Account not found")
		return
	}

	acc, err := h.reader.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			respondWithError(w, http.StatusNotFound, "Account not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, accountResponse{
		ID:            acc.ID,
		ReferralCode:  acc.ReferralCode,
		ReferralCount: acc.ReferralCount,
		Balance:       domain.FormatCents(acc.CachedBalanceCents),
	})
}

type entryResponse struct {
	ID          int64  `json:"id"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	Reference   string `json:"reference,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

func (h *Handler) GetAccountEntries(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Account not found")
		return
	}

	entries, err := h.reader.GetEntries(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			respondWithError(w, http.StatusNotFound, "Account not found")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:          e.ID,
			Kind:        string(e.Kind),
			Amount:      domain.FormatCents(e.AmountCents),
			Description: e.Description,
			Reference:   e.Reference,
			Status:      string(e.Status),
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

type surveyResponse struct {
	ID        int64  `json:"id"`
	SurveyKey string `json:"survey_key"`
	Title     string `json:"title"`
	Reward    string `json:"reward"`
}

func (h *Handler) ListSurveys(w http.ResponseWriter, r *http.Request) {
	surveys, err := h.reader.ListActiveSurveys(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	out := make([]surveyResponse, 0, len(surveys))
	for _, sv := range surveys {
		out = append(out, surveyResponse{
			ID:        sv.ID,
			SurveyKey: sv.SurveyKey,
			Title:     sv.Title,
			Reward:    domain.FormatCents(sv.RewardCents),
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

// decodeStrict rejects unknown fields so malformed shapes fail before any
// transaction opens.
func decodeStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func clientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// Each proxy appends its peer, so the originating client is the
		// first element of the chain.
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
