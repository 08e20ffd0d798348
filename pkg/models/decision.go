package models

// Verdict is the ternary classification of a before/after pair.
type Verdict string

const (
	VerdictOK           Verdict = "OK"
	VerdictDoubt        Verdict = "DOUBT"
	VerdictLeakProbable Verdict = "LEAK_PROBABLE"
)

// Valid reports whether v is one of the three known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictOK, VerdictDoubt, VerdictLeakProbable:
		return true
	}
	return false
}

// Decision is the immutable outcome of one analysis.
type Decision struct {
	Result         Verdict          `json:"result"`
	Confidence     float64          `json:"confidence"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Details        ComparisonResult `json:"details"`
	// Downgraded is set when a short interval turned an OK into DOUBT.
	Downgraded bool     `json:"downgraded,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// AnalysisOutcome is returned by the single capture entry point: either a
// decision or the ID of the queued analysis.
type AnalysisOutcome struct {
	Decision *Decision `json:"decision,omitempty"`
	QueuedID string    `json:"queued_id,omitempty"`
}

// Queued reports whether the analysis was deferred.
func (o AnalysisOutcome) Queued() bool {
	return o.QueuedID != ""
}
