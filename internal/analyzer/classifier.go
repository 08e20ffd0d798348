package analyzer

import (
	"math"

	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

type classifier struct {
	thresholds Thresholds
}

// NewClassifier creates a threshold classifier
func NewClassifier(thresholds Thresholds) Classifier {
	return &classifier{thresholds: thresholds}
}

// Classify maps a comparison into OK, DOUBT or LEAK_PROBABLE.
//
// The band is chosen from both the aggregate distance and the max cell delta:
// either reaching SignificantMovement means LEAK_PROBABLE, both staying
// strictly below NoMovement means OK, anything else is DOUBT. Confidence grows
// with the distance from the nearest band boundary.
func (c *classifier) Classify(result models.ComparisonResult, elapsedSeconds float64) models.Decision {
	noMove := c.thresholds.NoMovement
	significant := c.thresholds.SignificantMovement
	governing := math.Max(result.AggregateDistance, result.MaxCellDelta)

	decision := models.Decision{
		ElapsedSeconds: elapsedSeconds,
		Details:        result,
	}

	switch {
	case result.AggregateDistance >= significant || result.MaxCellDelta >= significant:
		decision.Result = models.VerdictLeakProbable
		depth := 1.0
		if significant < 1 {
			depth = math.Min(1, (governing-significant)/(1-significant))
		}
		decision.Confidence = 0.5 + 0.5*depth
	case result.AggregateDistance < noMove && result.MaxCellDelta < noMove:
		decision.Result = models.VerdictOK
		decision.Confidence = 0.5 + 0.5*(noMove-governing)/noMove
	default:
		decision.Result = models.VerdictDoubt
		halfBand := (significant - noMove) / 2
		decision.Confidence = math.Min(governing-noMove, significant-governing) / halfBand
	}

	// A short interval gives a leaking meter too little time to move
	minElapsed := c.thresholds.MinElapsed.Seconds()
	if decision.Result == models.VerdictOK && elapsedSeconds < minElapsed {
		decision.Result = models.VerdictDoubt
		decision.Downgraded = true
		decision.Confidence *= math.Max(0, elapsedSeconds) / minElapsed
	}

	decision.Confidence = clamp01(decision.Confidence)
	return decision
}
