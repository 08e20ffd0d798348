package validation

import (
	"math"
)

// QualityThresholds defines configurable thresholds for capture quality checks
type QualityThresholds struct {
	// Luminance of the cropped digit zone, in [0,1]
	MinLuminance float64
	MaxLuminance float64

	// MaxExposureShift is the largest luminance difference between the two
	// captures before the lighting is considered to have changed
	MaxExposureShift float64
}

// DefaultQualityThresholds returns the default quality thresholds
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MinLuminance:     0.08,
		MaxLuminance:     0.92,
		MaxExposureShift: 0.15,
	}
}

// QualityValidator flags capture conditions that weaken a verdict without
// invalidating it
type QualityValidator struct {
	thresholds QualityThresholds
}

// NewQualityValidator creates a new quality validator with default thresholds
func NewQualityValidator() *QualityValidator {
	return &QualityValidator{
		thresholds: DefaultQualityThresholds(),
	}
}

// NewQualityValidatorWithThresholds creates a quality validator with custom thresholds
func NewQualityValidatorWithThresholds(thresholds QualityThresholds) *QualityValidator {
	return &QualityValidator{
		thresholds: thresholds,
	}
}

// QualityIssue represents a quality validation issue
type QualityIssue struct {
	Type        string  `json:"type"`
	Message     string  `json:"message"`
	Severity    string  `json:"severity"` // "error", "warning", "info"
	ActualValue float64 `json:"actual_value,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
}

// CapturePairMetrics represents the metrics needed for pair validation
type CapturePairMetrics struct {
	BeforeLuminance float64
	AfterLuminance  float64
	SameContent     bool
}

// ValidateCapturePair checks both captures for exposure problems and
// suspicious duplicates
func (qv *QualityValidator) ValidateCapturePair(metrics CapturePairMetrics) []QualityIssue {
	var issues []QualityIssue

	issues = append(issues, qv.validateLuminance("before", metrics.BeforeLuminance)...)
	issues = append(issues, qv.validateLuminance("after", metrics.AfterLuminance)...)

	shift := math.Abs(metrics.AfterLuminance - metrics.BeforeLuminance)
	if shift > qv.thresholds.MaxExposureShift {
		issues = append(issues, QualityIssue{
			Type:        "exposure_shift",
			Message:     "Lighting changed between the two photos. Keep the same light for both captures.",
			Severity:    "warning",
			ActualValue: shift,
			Threshold:   qv.thresholds.MaxExposureShift,
		})
	}

	if metrics.SameContent {
		issues = append(issues, QualityIssue{
			Type:     "duplicate_capture",
			Message:  "Both photos are byte-identical. Take a new photo after the waiting interval.",
			Severity: "warning",
		})
	}

	return issues
}

func (qv *QualityValidator) validateLuminance(which string, luminance float64) []QualityIssue {
	switch {
	case luminance <= qv.thresholds.MinLuminance:
		return []QualityIssue{{
			Type:        "low_luminance",
			Message:     "The " + which + " photo is very dark. Use more light on the meter.",
			Severity:    "warning",
			ActualValue: luminance,
			Threshold:   qv.thresholds.MinLuminance,
		}}
	case luminance >= qv.thresholds.MaxLuminance:
		return []QualityIssue{{
			Type:        "high_luminance",
			Message:     "The " + which + " photo is overexposed. Avoid direct light on the meter window.",
			Severity:    "warning",
			ActualValue: luminance,
			Threshold:   qv.thresholds.MaxLuminance,
		}}
	}
	return nil
}

// ConvertIssuesToMessages converts quality issues to simple messages
func (qv *QualityValidator) ConvertIssuesToMessages(issues []QualityIssue) []string {
	var messages []string
	for _, issue := range issues {
		messages = append(messages, issue.Message)
	}
	return messages
}

// HasCriticalIssues checks if there are any critical (error severity) issues
func (qv *QualityValidator) HasCriticalIssues(issues []QualityIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "error" {
			return true
		}
	}
	return false
}
