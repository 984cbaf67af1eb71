package scanning

// Severity classifies how dangerous a finding is. The ranking follows the
// usual vulnerability triage ordering from critical down to informational.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

func (s Severity) String() string { return string(s) }

// ParseSeverity converts a string to a Severity. Unknown values map to
// SeverityInfo so a misbehaving engine can never inflate a report.
func ParseSeverity(s string) Severity {
	switch s {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	case "INFO":
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// Rank returns the numeric ordering of the severity, highest first. Useful
// for sorting findings in API responses.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// weight is the contribution of one finding of this severity to the job risk
// score.
func (s Severity) weight() float64 {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 7.5
	case SeverityMedium:
		return 5
	case SeverityLow:
		return 2.5
	default:
		return 1
	}
}

// SeverityCounts tallies findings per severity class for a job.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Add increments the tally for the given severity.
func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	default:
		c.Info++
	}
}

// Total returns the total number of findings across severities.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}

// RiskScore condenses the severity distribution into a 0-100 score. The
// weighted sum saturates at 100 so a large low-severity pile cannot outrank a
// critical-heavy scan by an unbounded margin.
func (c SeverityCounts) RiskScore() float64 {
	score := float64(c.Critical)*SeverityCritical.weight() +
		float64(c.High)*SeverityHigh.weight() +
		float64(c.Medium)*SeverityMedium.weight() +
		float64(c.Low)*SeverityLow.weight() +
		float64(c.Info)*SeverityInfo.weight()
	if score > 100 {
		return 100
	}
	return score
}
