package models

// CellStat holds the luminance statistics of one grid cell, both in [0,1].
type CellStat struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Signature is the fixed-shape grid of per-cell statistics computed over the
// cropped digit zone of a meter photograph. Cells are stored row-major.
type Signature struct {
	Rows  int        `json:"rows"`
	Cols  int        `json:"cols"`
	Cells []CellStat `json:"cells"`
	// Mean is the luminance of the whole crop.
	Mean float64 `json:"mean"`
}

// Cell returns the statistic at row r, column c.
func (s Signature) Cell(r, c int) CellStat {
	return s.Cells[r*s.Cols+c]
}

// SameShape reports whether both signatures share grid dimensions.
func (s Signature) SameShape(other Signature) bool {
	return s.Rows == other.Rows && s.Cols == other.Cols &&
		len(s.Cells) == s.Rows*s.Cols && len(other.Cells) == other.Rows*other.Cols
}

// Equal reports exact equality of shape and every statistic.
func (s Signature) Equal(other Signature) bool {
	if !s.SameShape(other) || s.Mean != other.Mean {
		return false
	}
	for i := range s.Cells {
		if s.Cells[i] != other.Cells[i] {
			return false
		}
	}
	return true
}

// ComparisonResult is the per-cell and aggregate difference between two signatures.
type ComparisonResult struct {
	Rows              int       `json:"rows"`
	Cols              int       `json:"cols"`
	CellDeltas        []float64 `json:"cell_deltas"`
	AggregateDistance float64   `json:"aggregate_distance"`
	MaxCellDelta      float64   `json:"max_cell_delta"`
	MaxCellIndex      int       `json:"max_cell_index"`
}
