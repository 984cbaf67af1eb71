package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/internal/infra/storage"
)

const upsertFindingQuery = `
INSERT INTO findings (
	finding_id, run_id, engine_name, natural_key, severity, score,
	title, description, location, cve_id, remediation, evidence, reported_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
ON CONFLICT (run_id, natural_key) DO UPDATE SET
	severity = EXCLUDED.severity,
	score = EXCLUDED.score,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	location = EXCLUDED.location,
	cve_id = EXCLUDED.cve_id,
	remediation = EXCLUDED.remediation,
	evidence = EXCLUDED.evidence,
	updated_at = NOW()
`

// UpsertFinding persists a finding keyed on (run, natural key). Re-delivery
// of the same key refreshes the row's content but keeps the original finding
// ID and report time, so retries cannot duplicate results.
func (s *ledgerStore) UpsertFinding(ctx context.Context, finding *scanning.Finding) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("run_id", finding.RunID().String()),
		attribute.String("natural_key", finding.NaturalKey()),
		attribute.String("severity", string(finding.Severity())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_finding", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, upsertFindingQuery,
			finding.FindingID(),
			finding.RunID(),
			finding.EngineName(),
			finding.NaturalKey(),
			string(finding.Severity()),
			finding.Score(),
			finding.Title(),
			finding.Description(),
			finding.Location(),
			finding.CVEID(),
			finding.Remediation(),
			finding.Evidence(),
			finding.ReportedAt(),
		)
		if err != nil {
			return fmt.Errorf("UpsertFinding query error: %w", err)
		}
		return nil
	})
}

const listFindingsQuery = `
SELECT f.finding_id, f.run_id, f.engine_name, f.natural_key, f.severity, f.score,
	f.title, f.description, f.location, f.cve_id, f.remediation, f.evidence, f.reported_at
FROM findings f
JOIN engine_runs r ON r.run_id = f.run_id
WHERE r.job_id = $1
ORDER BY f.severity DESC, f.score DESC, f.reported_at ASC
`

// ListFindings retrieves all findings reported for a job, most severe first.
func (s *ledgerStore) ListFindings(ctx context.Context, jobID uuid.UUID) ([]*scanning.Finding, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)

	var findings []*scanning.Finding
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_findings", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, listFindingsQuery, jobID)
		if err != nil {
			return fmt.Errorf("ListFindings query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				findingID, runID uuid.UUID
				engineName       string
				naturalKey       string
				severity         string
				score            float64
				title            string
				description      string
				location         string
				cveID            string
				remediation      string
				evidence         []byte
				reportedAt       time.Time
			)
			err := rows.Scan(
				&findingID, &runID, &engineName, &naturalKey, &severity, &score,
				&title, &description, &location, &cveID, &remediation, &evidence, &reportedAt,
			)
			if err != nil {
				return fmt.Errorf("ListFindings scan error: %w", err)
			}

			findings = append(findings, scanning.ReconstructFinding(
				findingID, runID, engineName, naturalKey,
				scanning.ParseSeverity(severity), score,
				title, description, location, cveID, remediation,
				json.RawMessage(evidence), reportedAt,
			))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return findings, nil
}

const findingSeverityCountsQuery = `
SELECT f.severity, COUNT(*)
FROM findings f
JOIN engine_runs r ON r.run_id = f.run_id
WHERE r.job_id = $1
GROUP BY f.severity
`

// FindingSeverityCounts tallies a job's findings per severity class.
func (s *ledgerStore) FindingSeverityCounts(ctx context.Context, jobID uuid.UUID) (scanning.SeverityCounts, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)

	var counts scanning.SeverityCounts
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.finding_severity_counts", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, findingSeverityCountsQuery, jobID)
		if err != nil {
			return fmt.Errorf("FindingSeverityCounts query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var severity string
			var count int64
			if err := rows.Scan(&severity, &count); err != nil {
				return fmt.Errorf("FindingSeverityCounts scan error: %w", err)
			}

			switch scanning.ParseSeverity(severity) {
			case scanning.SeverityCritical:
				counts.Critical += int(count)
			case scanning.SeverityHigh:
				counts.High += int(count)
			case scanning.SeverityMedium:
				counts.Medium += int(count)
			case scanning.SeverityLow:
				counts.Low += int(count)
			default:
				counts.Info += int(count)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return scanning.SeverityCounts{}, err
	}

	return counts, nil
}
