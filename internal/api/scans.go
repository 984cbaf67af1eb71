package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	appscanning "github.com/corvidsec/raven/internal/app/scanning"
	domain "github.com/corvidsec/raven/internal/domain/scanning"
)

// submitScanRequest is the scan submission payload. Semantic rules (URL
// scheme, known engine names) live in the orchestrator; the tags here only
// reject structurally empty requests.
type submitScanRequest struct {
	TargetURL string                    `json:"target_url" validate:"required"`
	Engines   []string                  `json:"engines" validate:"required,min=1,dive,required"`
	Options   map[string]map[string]any `json:"options"`
}

type submitScanResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type cancelScanResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type runDetailResponse struct {
	RunID       string     `json:"run_id"`
	Engine      string     `json:"engine"`
	Status      string     `json:"status"`
	Fraction    float64    `json:"fraction"`
	Message     string     `json:"message,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

type severityCountsResponse struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

type jobDetailResponse struct {
	JobID           string                 `json:"job_id"`
	TargetURL       string                 `json:"target_url"`
	Status          string                 `json:"status"`
	OverallProgress float64                `json:"overall_progress"`
	ErrorSummary    string                 `json:"error_summary,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
	Runs            []runDetailResponse    `json:"runs"`
	SeverityCounts  severityCountsResponse `json:"severity_counts"`
	TotalFindings   int                    `json:"total_findings"`
	RiskScore       float64                `json:"risk_score"`
}

func jobDetailFromDomain(detail *domain.JobDetail) jobDetailResponse {
	runs := make([]runDetailResponse, 0, len(detail.Runs))
	for _, run := range detail.Runs {
		runs = append(runs, runDetailResponse{
			RunID:       run.RunID.String(),
			Engine:      run.EngineName,
			Status:      statusLabel(run.Status),
			Fraction:    run.Fraction,
			Message:     run.Message,
			ErrorDetail: run.ErrorDetail,
			StartedAt:   optionalTime(run.StartTime),
			EndedAt:     run.EndTime,
		})
	}

	return jobDetailResponse{
		JobID:           detail.ID.String(),
		TargetURL:       detail.TargetURL,
		Status:          statusLabel(detail.Status),
		OverallProgress: detail.OverallProgress,
		ErrorSummary:    detail.ErrorSummary,
		CreatedAt:       detail.CreatedAt,
		StartedAt:       optionalTime(detail.StartTime),
		EndedAt:         detail.EndTime,
		UpdatedAt:       detail.UpdatedAt,
		Runs:            runs,
		SeverityCounts: severityCountsResponse{
			Critical: detail.SeverityCounts.Critical,
			High:     detail.SeverityCounts.High,
			Medium:   detail.SeverityCounts.Medium,
			Low:      detail.SeverityCounts.Low,
			Info:     detail.SeverityCounts.Info,
		},
		TotalFindings: detail.TotalFindings,
		RiskScore:     detail.RiskScore,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// handleSubmitScan accepts a scan request and returns 202 once the job and
// its runs are persisted. Execution continues in the background; clients
// follow progress over the stream endpoint.
func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		s.respondError(w, r, http.StatusUnauthorized, "missing or invalid owner token")
		return
	}

	var req submitScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			s.respondFieldError(w, r, fieldErrors[0].Field(), validationMessage(fieldErrors[0]))
			return
		}
		s.respondError(w, r, http.StatusBadRequest, "invalid request")
		return
	}

	job, err := s.scans.SubmitScan(r.Context(), appscanning.SubmitScanCommand{
		OwnerID:   owner,
		TargetURL: req.TargetURL,
		Engines:   req.Engines,
		Options:   req.Options,
	})
	if err != nil {
		var validationErr *domain.ValidationError
		if errors.As(err, &validationErr) {
			s.respondFieldError(w, r, validationErr.Field, validationErr.Reason)
			return
		}
		s.logger.Error(r.Context(), "failed to submit scan", "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to submit scan")
		return
	}

	// The response reports acceptance; the job may already be running by the
	// time the client reads it.
	s.respond(w, r, http.StatusAccepted, submitScanResponse{
		JobID:  job.JobID().String(),
		Status: statusLabel(domain.JobStatusPending),
	})
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must not be empty"
	default:
		return "is invalid"
	}
}

// handleCancelScan requests cancellation of a running scan. 202 means the
// cancel was accepted, not that the job has landed terminal.
func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		s.respondError(w, r, http.StatusUnauthorized, "missing or invalid owner token")
		return
	}

	jobID, ok := s.authorizeJob(w, r, owner)
	if !ok {
		return
	}

	if err := s.scans.CancelScan(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobAlreadyTerminal):
			s.respondError(w, r, http.StatusConflict, "scan job already in a terminal state")
		case errors.Is(err, domain.ErrJobNotFound):
			s.respondError(w, r, http.StatusNotFound, "scan job not found")
		default:
			s.logger.Error(r.Context(), "failed to cancel scan", "job_id", jobID, "error", err)
			s.respondError(w, r, http.StatusInternalServerError, "failed to cancel scan")
		}
		return
	}

	s.respond(w, r, http.StatusAccepted, cancelScanResponse{
		JobID:  jobID.String(),
		Status: statusLabel(domain.JobStatusCancelling),
	})
}

// handleGetScan returns the full job view: runs, severity counts, risk score.
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		s.respondError(w, r, http.StatusUnauthorized, "missing or invalid owner token")
		return
	}

	jobID, ok := s.authorizeJob(w, r, owner)
	if !ok {
		return
	}

	detail, err := s.scans.GetJobDetail(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.respondError(w, r, http.StatusNotFound, "scan job not found")
			return
		}
		s.logger.Error(r.Context(), "failed to load job detail", "job_id", jobID, "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to load scan")
		return
	}

	s.respond(w, r, http.StatusOK, jobDetailFromDomain(detail))
}

// authorizeJob parses the {id} route param and verifies the caller owns the
// job. Malformed ids, unknown jobs, and ownership mismatches all answer 404
// so the endpoint does not reveal which job ids exist.
func (s *Server) authorizeJob(w http.ResponseWriter, r *http.Request, owner uuid.UUID) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, http.StatusNotFound, "scan job not found")
		return uuid.Nil, false
	}

	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.respondError(w, r, http.StatusNotFound, "scan job not found")
			return uuid.Nil, false
		}
		s.logger.Error(r.Context(), "failed to load job for authorization", "job_id", jobID, "error", err)
		s.respondError(w, r, http.StatusInternalServerError, "failed to load scan")
		return uuid.Nil, false
	}
	if job.OwnerID() != owner {
		s.respondError(w, r, http.StatusNotFound, "scan job not found")
		return uuid.Nil, false
	}

	return jobID, true
}
