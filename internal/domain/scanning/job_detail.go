package scanning

import (
	"time"

	"github.com/google/uuid"
)

// JobDetail is a comprehensive view of a scan job, including its runs and
// finding summary. It is a value object designed for API responses.
type JobDetail struct {
	ID        uuid.UUID
	TargetURL string
	Status    JobStatus

	OverallProgress float64
	ErrorSummary    string

	CreatedAt time.Time
	StartTime time.Time
	EndTime   *time.Time
	UpdatedAt time.Time

	Runs []RunDetail

	SeverityCounts SeverityCounts
	TotalFindings  int
	RiskScore      float64
}

// RunDetail is the per-engine slice of a JobDetail.
type RunDetail struct {
	RunID       uuid.UUID
	EngineName  string
	Status      RunStatus
	Fraction    float64
	Message     string
	ErrorDetail string
	StartTime   time.Time
	EndTime     *time.Time
}

// NewJobDetail assembles a JobDetail from a job, its runs, and its finding
// severity tallies.
func NewJobDetail(job *Job, runs []*EngineRun, counts SeverityCounts) *JobDetail {
	var endTimePtr *time.Time
	if endTime, ok := job.EndTime(); ok {
		endTimePtr = &endTime
	}

	details := make([]RunDetail, 0, len(runs))
	for _, run := range runs {
		var runEnd *time.Time
		if t := run.EndTime(); !t.IsZero() {
			runEnd = &t
		}
		details = append(details, RunDetail{
			RunID:       run.RunID(),
			EngineName:  run.EngineName(),
			Status:      run.Status(),
			Fraction:    run.Fraction(),
			Message:     run.Message(),
			ErrorDetail: run.ErrorDetail(),
			StartTime:   run.StartTime(),
			EndTime:     runEnd,
		})
	}

	return &JobDetail{
		ID:              job.JobID(),
		TargetURL:       job.TargetURL(),
		Status:          job.Status(),
		OverallProgress: job.OverallProgress(),
		ErrorSummary:    job.ErrorSummary(),
		CreatedAt:       job.CreatedAt(),
		StartTime:       job.StartTime(),
		EndTime:         endTimePtr,
		UpdatedAt:       job.LastUpdateTime(),
		Runs:            details,
		SeverityCounts:  counts,
		TotalFindings:   counts.Total(),
		RiskScore:       counts.RiskScore(),
	}
}
