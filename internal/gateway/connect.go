package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
)

// HandleScanStream upgrades /ws/scans/{jobID} requests and serves the job's
// event stream until the scan completes or the client disconnects.
//
// Query parameters: token (required) carries the job owner's credential;
// last_seq (optional) resumes a dropped connection after the given sequence
// number.
func (s *Service) HandleScanStream(w http.ResponseWriter, r *http.Request) {
	logger := logger.NewLoggerContext(s.logger.With("operation", "subscribe"))
	ctx, span := s.tracer.Start(r.Context(), "gateway.subscribe",
		trace.WithAttributes(attribute.String("instance_id", s.instanceID)),
	)
	defer span.End()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP-level error response.
		logger.Warn(ctx, "websocket upgrade failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upgrade failed")
		return
	}

	job, closeCode, closeReason := s.authorize(ctx, r)
	if closeCode != 0 {
		logger.Warn(ctx, "subscription rejected",
			"job_id", chi.URLParam(r, "jobID"),
			"close_code", closeCode,
			"reason", closeReason,
		)
		span.SetStatus(codes.Error, closeReason)
		s.rejectSocket(ws, closeCode, closeReason)
		return
	}

	jobID := job.JobID()
	logger.Add("job_id", jobID)
	span.SetAttributes(attribute.String("job_id", jobID.String()))

	conn := newStreamConn(ws, jobID, s.sendBuffer)
	s.register(conn)

	backfill, err := s.assembleBackfill(ctx, job, r.URL.Query().Get("last_seq"))
	if err != nil {
		logger.Error(ctx, "failed to assemble stream backfill", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "backfill failed")
		s.closeWithCode(conn, closeCodeInternal, "internal server error")
		return
	}

	span.AddEvent("subscriber_attached", trace.WithAttributes(attribute.Int("backfill_frames", len(backfill))))
	logger.Info(ctx, "stream subscriber attached", "backfill_frames", len(backfill))

	go s.writePump(ctx, conn, backfill)
	s.readPump(ctx, conn)
}

// authorize resolves the job and checks the caller's owner token against it.
// A non-zero close code means the subscription must be rejected. Unknown
// jobs and ownership mismatches share one close code so the endpoint does
// not reveal which job IDs exist.
func (s *Service) authorize(ctx context.Context, r *http.Request) (*domain.Job, int, string) {
	ownerID, err := uuid.Parse(r.URL.Query().Get("token"))
	if err != nil {
		return nil, closeCodeUnauthorized, "authentication failed"
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		return nil, closeCodeUnknownJob, "scan not found or access denied"
	}

	job, err := s.ledger.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, closeCodeUnknownJob, "scan not found or access denied"
	}
	if err != nil {
		s.logger.Error(ctx, "job lookup failed during subscribe", "job_id", jobID, "error", err)
		return nil, closeCodeInternal, "internal server error"
	}
	if job.OwnerID() != ownerID {
		return nil, closeCodeUnknownJob, "scan not found or access denied"
	}
	return job, 0, ""
}

// rejectSocket closes a connection that never made it into the registry.
func (s *Service) rejectSocket(ws *websocket.Conn, code int, reason string) {
	deadline := s.timeProvider.Now().Add(s.writeTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

// assembleBackfill builds the frames that bring a fresh subscriber up to
// date. A valid resume point inside the backlog window gets the missed tail;
// everything else gets the latest snapshot, prefixed with a resync signal
// when the subscriber asked for a resume the gateway could not honor. For
// jobs whose stream state has already been retired, a terminal job is
// summarized from the ledger so late subscribers still receive a completion
// frame.
func (s *Service) assembleBackfill(ctx context.Context, job *domain.Job, resumeParam string) ([]outboundFrame, error) {
	jobID := job.JobID()

	resuming := false
	var afterSeq uint64
	var protoErr *domain.ProtocolError
	if resumeParam != "" {
		v, err := strconv.ParseUint(resumeParam, 10, 64)
		if err != nil {
			protoErr = domain.NewProtocolError(fmt.Sprintf("resume token %q is not a sequence number", resumeParam))
		} else {
			resuming = true
			afterSeq = v
		}
	}

	if resuming {
		evts, ok := s.streams.Replay(jobID, afterSeq)
		if ok {
			frames := make([]outboundFrame, 0, len(evts))
			for _, evt := range evts {
				payload, err := encodeStreamEvent(evt)
				if err != nil {
					return nil, err
				}
				frames = append(frames, outboundFrame{
					seq:      evt.Seq,
					payload:  payload,
					terminal: evt.Kind == domain.StreamKindCompletion,
				})
			}
			return frames, nil
		}
		protoErr = domain.NewProtocolError(fmt.Sprintf("resume point %d is outside the replay window", afterSeq))
	}

	var frames []outboundFrame
	if protoErr != nil {
		s.logger.Warn(ctx, "forcing stream resync", "job_id", jobID, "error", protoErr)
		payload, err := encodeResync(jobID.String(), protoErr.Reason, s.timeProvider.Now())
		if err != nil {
			return nil, err
		}
		frames = append(frames, outboundFrame{payload: payload})
	}

	if evt, ok := s.streams.LatestSnapshot(jobID); ok {
		payload, err := encodeStreamEvent(evt)
		if err != nil {
			return nil, err
		}
		return append(frames, outboundFrame{seq: evt.Seq, payload: payload}), nil
	}

	if job.Status().IsTerminal() {
		frame, err := s.terminalBackfill(ctx, job)
		if err != nil {
			return nil, err
		}
		return append(frames, frame), nil
	}

	// Nothing retained yet; the subscriber picks up from the next live event.
	return frames, nil
}

// terminalBackfill rebuilds a completion frame from the ledger for a job
// whose in-memory stream state has already been retired.
func (s *Service) terminalBackfill(ctx context.Context, job *domain.Job) (outboundFrame, error) {
	counts, err := s.ledger.FindingSeverityCounts(ctx, job.JobID())
	if err != nil {
		return outboundFrame{}, fmt.Errorf("severity counts for terminal job %s: %w", job.JobID(), err)
	}

	evt := domain.JobStreamEvent{
		JobID:      job.JobID(),
		Kind:       domain.StreamKindCompletion,
		OccurredAt: s.timeProvider.Now(),
		Completion: &domain.JobCompletionSummary{
			JobID:          job.JobID(),
			Status:         job.Status(),
			SeverityCounts: counts,
			TotalFindings:  counts.Total(),
			RiskScore:      counts.RiskScore(),
			Duration:       job.Duration(),
			ErrorSummary:   job.ErrorSummary(),
		},
	}
	payload, err := encodeStreamEvent(evt)
	if err != nil {
		return outboundFrame{}, err
	}
	return outboundFrame{payload: payload, terminal: true}, nil
}
