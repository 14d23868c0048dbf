package scheduler

import "fmt"

// ParseFailureOffset is added to the retval of jobs whose output failed to parse.
const ParseFailureOffset = 1000

// OutcomeKind tags a JobOutcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeParseFailure
	OutcomeScanFailure
)

// JobOutcome is the result of a finished job as seen by queue handlers.
type JobOutcome struct {
	Kind OutcomeKind
	// Code carries the agent retval for scan failures.
	Code int
}

// Success is the outcome of a job whose output was parsed.
func Success() JobOutcome { return JobOutcome{Kind: OutcomeSuccess} }

// ParseFailure is the outcome of a job whose output could not be parsed.
func ParseFailure() JobOutcome { return JobOutcome{Kind: OutcomeParseFailure} }

// ScanFailure is the outcome of a job the agent reported as failed.
func ScanFailure(code int) JobOutcome { return JobOutcome{Kind: OutcomeScanFailure, Code: code} }

// OutcomeFromRetval classifies a finished job retval.
func OutcomeFromRetval(retval int) JobOutcome {
	switch {
	case retval == 0:
		return Success()
	case retval >= ParseFailureOffset:
		return ParseFailure()
	default:
		return ScanFailure(retval)
	}
}

// Retval returns the retval to store for this outcome given the current one.
func (o JobOutcome) Retval(current int) int {
	switch o.Kind {
	case OutcomeSuccess:
		return 0
	case OutcomeParseFailure:
		if current >= ParseFailureOffset {
			return current
		}
		return current + ParseFailureOffset
	default:
		return o.Code
	}
}

// IsRepeatable reports whether the job should be requeued by RepeatFailedJobs.
func (o JobOutcome) IsRepeatable() bool {
	return o.Kind == OutcomeScanFailure
}

func (o JobOutcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "success"
	case OutcomeParseFailure:
		return "parse_failure"
	default:
		return fmt.Sprintf("scan_failure(%d)", o.Code)
	}
}
