package domain

import "time"

// Default SLA durations by severity.
const (
	SLAHigh   = 4 * time.Hour
	SLAMedium = 12 * time.Hour
	SLALow    = 24 * time.Hour
)

// DefaultSLADuration maps a severity to its default SLA duration.
// Unknown severities fall back to the low-severity duration.
func DefaultSLADuration(s Severity) time.Duration {
	switch s {
	case SeverityHigh:
		return SLAHigh
	case SeverityMedium:
		return SLAMedium
	default:
		return SLALow
	}
}

// Deadline derives the SLA deadline from creation time and duration.
func Deadline(createdAt time.Time, slaDuration time.Duration) time.Time {
	return createdAt.Add(slaDuration)
}

// RecomputeSLAOnSeverityChange returns the SLA duration an incident should
// carry after its severity changed from old to next. The duration is
// re-derived only when current still equals the default for the old severity;
// a manual override is never silently clobbered.
func RecomputeSLAOnSeverityChange(current time.Duration, old, next Severity) time.Duration {
	if current == DefaultSLADuration(old) {
		return DefaultSLADuration(next)
	}
	return current
}
