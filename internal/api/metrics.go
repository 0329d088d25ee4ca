package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/panelpay/ledger/internal/domain"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rewards_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_submissions_total",
		Help: "Survey submissions by outcome",
	}, []string{"outcome"})

	withdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_withdrawals_total",
		Help: "Withdrawal requests by outcome",
	}, []string{"outcome"})

	rewardsPostedCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewards_posted_cents_total",
		Help: "Total reward credit posted to the ledger, in cents",
	})
)

// outcomeLabel keeps metric cardinality to the closed error taxonomy.
func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, domain.ErrSurveyNotFound):
		return "survey_not_found"
	case errors.Is(err, domain.ErrSurveyInactive):
		return "survey_inactive"
	case errors.Is(err, domain.ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, domain.ErrMissingDestination):
		return "missing_destination"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrAccountNotFound):
		return "account_not_found"
	default:
		return "storage_failure"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLogger times every request, feeds the HTTP metrics and writes one
// structured log line per request.
func requestLogger(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			endpoint := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					endpoint = tmpl
				}
			}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", elapsed).
				Msg("request")
		})
	}
}
