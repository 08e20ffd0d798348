package analyzer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

type comparator struct {
	opts ComparatorOptions
}

// NewComparator creates a signature comparator
func NewComparator(opts ComparatorOptions) Comparator {
	return &comparator{opts: opts}
}

// Compare computes per-cell deltas in [0,1], their mean and their maximum.
// Both aggregates are kept: movement of the counter is localized, and a
// strong single-cell change must not be diluted by a static frame.
func (c *comparator) Compare(a, b models.Signature) (models.ComparisonResult, error) {
	if !a.SameShape(b) {
		return models.ComparisonResult{}, apperrors.NewShapeMismatchError(
			fmt.Sprintf("signature grids differ: %dx%d (%d cells) vs %dx%d (%d cells)",
				a.Rows, a.Cols, len(a.Cells), b.Rows, b.Cols, len(b.Cells)), nil)
	}
	if len(a.Cells) == 0 {
		return models.ComparisonResult{}, apperrors.NewShapeMismatchError("signatures are empty", nil)
	}

	var offsetA, offsetB float64
	if c.opts.NormalizeExposure {
		offsetA, offsetB = a.Mean, b.Mean
	}
	w := c.opts.TextureWeight

	deltas := make([]float64, len(a.Cells))
	for i := range a.Cells {
		meanDelta := math.Abs((a.Cells[i].Mean - offsetA) - (b.Cells[i].Mean - offsetB))
		// Standard deviation of a [0,1] signal is at most 0.5
		textureDelta := math.Min(1, 2*math.Abs(a.Cells[i].StdDev-b.Cells[i].StdDev))
		deltas[i] = clamp01((1-w)*meanDelta + w*textureDelta)
	}

	maxIdx := floats.MaxIdx(deltas)
	return models.ComparisonResult{
		Rows:              a.Rows,
		Cols:              a.Cols,
		CellDeltas:        deltas,
		AggregateDistance: stat.Mean(deltas, nil),
		MaxCellDelta:      deltas[maxIdx],
		MaxCellIndex:      maxIdx,
	}, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
