package api

import (
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sosmoto/sosmoto-service/internal/app"
	"github.com/sosmoto/sosmoto-service/internal/domain"
	"github.com/sosmoto/sosmoto-service/internal/queue"
)

// DeliveryVerifier authenticates a queue callback.
type DeliveryVerifier interface {
	Verify(token string, body []byte, url string) error
}

// JobHandlers receives jobs delivered by the HTTP queue. The queue redelivers
// on 5xx, so a retry outcome answers 500 and a dead letter answers 422 once
// the job is parked.
type JobHandlers struct {
	runner          *app.Runner
	verifier        DeliveryVerifier
	callbackBaseURL string
	logger          *slog.Logger
}

func NewJobHandlers(runner *app.Runner, verifier DeliveryVerifier, callbackBaseURL string, logger *slog.Logger) *JobHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandlers{
		runner:          runner,
		verifier:        verifier,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		logger:          logger.With("component", "http_jobs"),
	}
}

// HandleJob runs the job posted to /jobs/{endpoint}.
func (h *JobHandlers) HandleJob(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	jobType, ok := domain.JobTypeForEndpoint(endpoint)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown job endpoint"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Cannot read request body"})
		return
	}

	if err := h.verifier.Verify(r.Header.Get("Upstash-Signature"), body, h.callbackBaseURL+"/"+endpoint); err != nil {
		h.logger.Warn("job delivery rejected", "endpoint", endpoint, "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	job, err := h.runner.Decode(body)
	if err != nil {
		h.logger.Error("undecodable job delivery", "endpoint", endpoint, "error", err)
		if parkErr := h.runner.ParkUndecodable(r.Context(), jobType, body, err); parkErr != nil {
			h.logger.Error("failed to park undecodable job", "error", parkErr)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "dead_letter"})
		return
	}
	if job.Type != jobType {
		h.park(w, r, job, queue.DeadLetter("job type "+string(job.Type)+" posted to "+endpoint, domain.KindValidation))
		return
	}
	if retried, err := strconv.Atoi(r.Header.Get("Upstash-Retried")); err == nil && retried > job.RetryCount {
		job.RetryCount = retried
	}

	outcome := h.runner.Run(r.Context(), job)
	switch outcome.Kind {
	case queue.OutcomeDone:
		writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
	case queue.OutcomeRetry:
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(outcome.Delay.Seconds()))))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "retry"})
	default:
		h.park(w, r, job, outcome)
	}
}

func (h *JobHandlers) park(w http.ResponseWriter, r *http.Request, job domain.Job, outcome queue.Outcome) {
	if err := h.runner.Park(r.Context(), job, outcome); err != nil {
		h.logger.Error("failed to park job", "job_id", job.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": "dead_letter"})
}
