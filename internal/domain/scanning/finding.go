package scanning

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Finding is a discrete result surfaced by an engine run, typically a
// vulnerability. Findings are de-duplicated per run on their natural key, so
// re-delivery of the same finding during a retry cannot create duplicates.
type Finding struct {
	findingID  uuid.UUID
	runID      uuid.UUID
	engineName string

	// naturalKey is the engine's stable identifier for this finding, e.g. a
	// plugin ID plus affected URL. It anchors upsert semantics.
	naturalKey string

	severity    Severity
	score       float64
	title       string
	description string
	location    string
	cveID       string
	remediation string

	// evidence is opaque to the core and passed through to consumers.
	evidence json.RawMessage

	reportedAt time.Time
}

// NewFinding creates a Finding reported by the given run.
func NewFinding(
	findingID, runID uuid.UUID,
	engineName string,
	naturalKey string,
	severity Severity,
	score float64,
	title, description, location string,
	evidence json.RawMessage,
) *Finding {
	return &Finding{
		findingID:   findingID,
		runID:       runID,
		engineName:  engineName,
		naturalKey:  naturalKey,
		severity:    severity,
		score:       score,
		title:       title,
		description: description,
		location:    location,
		evidence:    evidence,
		reportedAt:  time.Now().UTC(),
	}
}

// ReconstructFinding creates a Finding from persisted data. This should only
// be used by repositories when loading from storage.
func ReconstructFinding(
	findingID, runID uuid.UUID,
	engineName string,
	naturalKey string,
	severity Severity,
	score float64,
	title, description, location, cveID, remediation string,
	evidence json.RawMessage,
	reportedAt time.Time,
) *Finding {
	return &Finding{
		findingID:   findingID,
		runID:       runID,
		engineName:  engineName,
		naturalKey:  naturalKey,
		severity:    severity,
		score:       score,
		title:       title,
		description: description,
		location:    location,
		cveID:       cveID,
		remediation: remediation,
		evidence:    evidence,
		reportedAt:  reportedAt,
	}
}

// FindingID returns the unique identifier for this finding.
func (f *Finding) FindingID() uuid.UUID { return f.findingID }

// RunID returns the identifier of the engine run that reported this finding.
func (f *Finding) RunID() uuid.UUID { return f.runID }

// EngineName returns the engine that reported this finding.
func (f *Finding) EngineName() string { return f.engineName }

// NaturalKey returns the engine's stable identifier used for de-duplication.
func (f *Finding) NaturalKey() string { return f.naturalKey }

// Severity returns the severity classification of this finding.
func (f *Finding) Severity() Severity { return f.severity }

// Score returns the CVSS-style numeric score.
func (f *Finding) Score() float64 { return f.score }

// Title returns the short human-readable title.
func (f *Finding) Title() string { return f.title }

// Description returns the detailed description.
func (f *Finding) Description() string { return f.description }

// Location returns the affected location, e.g. a URL or host:port.
func (f *Finding) Location() string { return f.location }

// CVEID returns the associated CVE identifier, if any.
func (f *Finding) CVEID() string { return f.cveID }

// Remediation returns the suggested fix, if the engine provided one.
func (f *Finding) Remediation() string { return f.remediation }

// Evidence returns the opaque evidence payload.
func (f *Finding) Evidence() json.RawMessage { return f.evidence }

// ReportedAt returns when the finding was first reported.
func (f *Finding) ReportedAt() time.Time { return f.reportedAt }

// WithCVE attaches a CVE identifier and returns the finding for chaining.
func (f *Finding) WithCVE(cveID string) *Finding {
	f.cveID = cveID
	return f
}

// WithRemediation attaches remediation guidance and returns the finding for
// chaining.
func (f *Finding) WithRemediation(remediation string) *Finding {
	f.remediation = remediation
	return f
}
