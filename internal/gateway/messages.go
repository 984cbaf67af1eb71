package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	domain "github.com/corvidsec/raven/internal/domain/scanning"
)

// Server to client message type discriminators. Every frame carries "type"
// so clients can dispatch without inspecting other fields.
const (
	messageTypeProgress   = "progress_update"
	messageTypeFinding    = "finding"
	messageTypeCompletion = "scan_completion"
	messageTypeHeartbeat  = "heartbeat"
	messageTypePong       = "pong"
	messageTypeResync     = "resync_required"
)

// Client to server message types.
const (
	clientMessagePing          = "ping"
	clientMessageRequestStatus = "request_status"
)

// clientMessage is the shape of every inbound frame the gateway accepts.
type clientMessage struct {
	Type string `json:"type"`
}

type engineProgressMessage struct {
	Engine   string  `json:"engine"`
	Status   string  `json:"status"`
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message,omitempty"`
}

type progressMessage struct {
	Type            string                  `json:"type"`
	JobID           string                  `json:"job_id"`
	Seq             uint64                  `json:"seq"`
	Status          string                  `json:"status"`
	OverallProgress float64                 `json:"overall_progress"`
	Message         string                  `json:"message,omitempty"`
	Engines         []engineProgressMessage `json:"engines"`
	Timestamp       time.Time               `json:"timestamp"`
}

type findingMessage struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	Seq        uint64    `json:"seq"`
	Engine     string    `json:"engine"`
	Severity   string    `json:"severity"`
	NaturalKey string    `json:"natural_key"`
	Title      string    `json:"title,omitempty"`
	Score      float64   `json:"score,omitempty"`
	CVEID      string    `json:"cve_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type severityCountsMessage struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

type completionMessage struct {
	Type            string                `json:"type"`
	JobID           string                `json:"job_id"`
	Seq             uint64                `json:"seq"`
	Status          string                `json:"status"`
	DurationSeconds float64               `json:"duration_seconds"`
	TotalFindings   int                   `json:"total_findings"`
	RiskScore       float64               `json:"risk_score"`
	SeverityCounts  severityCountsMessage `json:"severity_counts"`
	ErrorSummary    string                `json:"error_summary,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
}

type heartbeatMessage struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
}

type pongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type resyncMessage struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// statusLabel renders domain status and severity enums in the lowercase form
// the wire protocol uses.
func statusLabel[T ~string](v T) string { return strings.ToLower(string(v)) }

// encodeStreamEvent renders one sequenced stream event as a wire frame.
func encodeStreamEvent(evt domain.JobStreamEvent) ([]byte, error) {
	switch evt.Kind {
	case domain.StreamKindProgress:
		if evt.Snapshot == nil {
			return nil, fmt.Errorf("progress event %d for job %s has no snapshot", evt.Seq, evt.JobID)
		}
		engines := make([]engineProgressMessage, 0, len(evt.Snapshot.Engines))
		for _, ep := range evt.Snapshot.Engines {
			engines = append(engines, engineProgressMessage{
				Engine:   ep.EngineName,
				Status:   statusLabel(ep.Status),
				Fraction: ep.Fraction,
				Message:  ep.Message,
			})
		}
		return json.Marshal(progressMessage{
			Type:            messageTypeProgress,
			JobID:           evt.JobID.String(),
			Seq:             evt.Seq,
			Status:          statusLabel(evt.Snapshot.Status),
			OverallProgress: evt.Snapshot.OverallProgress,
			Message:         evt.Snapshot.Message,
			Engines:         engines,
			Timestamp:       evt.OccurredAt,
		})

	case domain.StreamKindFinding:
		if evt.Finding == nil {
			return nil, fmt.Errorf("finding event %d for job %s has no finding", evt.Seq, evt.JobID)
		}
		return json.Marshal(findingMessage{
			Type:       messageTypeFinding,
			JobID:      evt.JobID.String(),
			Seq:        evt.Seq,
			Engine:     evt.Finding.EngineName(),
			Severity:   statusLabel(evt.Finding.Severity()),
			NaturalKey: evt.Finding.NaturalKey(),
			Title:      evt.Finding.Title(),
			Score:      evt.Finding.Score(),
			CVEID:      evt.Finding.CVEID(),
			Timestamp:  evt.OccurredAt,
		})

	case domain.StreamKindCompletion:
		if evt.Completion == nil {
			return nil, fmt.Errorf("completion event %d for job %s has no summary", evt.Seq, evt.JobID)
		}
		c := evt.Completion
		return json.Marshal(completionMessage{
			Type:            messageTypeCompletion,
			JobID:           evt.JobID.String(),
			Seq:             evt.Seq,
			Status:          statusLabel(c.Status),
			DurationSeconds: c.Duration.Seconds(),
			TotalFindings:   c.TotalFindings,
			RiskScore:       c.RiskScore,
			SeverityCounts: severityCountsMessage{
				Critical: c.SeverityCounts.Critical,
				High:     c.SeverityCounts.High,
				Medium:   c.SeverityCounts.Medium,
				Low:      c.SeverityCounts.Low,
				Info:     c.SeverityCounts.Info,
			},
			ErrorSummary: c.ErrorSummary,
			Timestamp:    evt.OccurredAt,
		})

	default:
		return nil, fmt.Errorf("unknown stream event kind %q", evt.Kind)
	}
}

func encodeHeartbeat(jobID string, now time.Time) ([]byte, error) {
	return json.Marshal(heartbeatMessage{Type: messageTypeHeartbeat, JobID: jobID, Timestamp: now})
}

func encodePong(now time.Time) ([]byte, error) {
	return json.Marshal(pongMessage{Type: messageTypePong, Timestamp: now})
}

func encodeResync(jobID string, reason string, now time.Time) ([]byte, error) {
	return json.Marshal(resyncMessage{Type: messageTypeResync, JobID: jobID, Reason: reason, Timestamp: now})
}
