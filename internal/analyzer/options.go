package analyzer

import "time"

// RegionOfInterest is a rectangle expressed as fractions of the image
// width and height, so the crop is resolution-independent.
type RegionOfInterest struct {
	Left   float64
	Top    float64
	Right  float64
	Bottom float64
}

// FullFrame covers the whole image
var FullFrame = RegionOfInterest{Left: 0, Top: 0, Right: 1, Bottom: 1}

// ExtractorOptions configures signature extraction
type ExtractorOptions struct {
	Region RegionOfInterest
	Rows   int
	Cols   int
	// MinCellSize is the smallest usable cell side in pixels
	MinCellSize int
}

// ComparatorOptions configures the per-cell delta
type ComparatorOptions struct {
	// TextureWeight blends the standard deviation delta into the mean delta
	TextureWeight float64
	// NormalizeExposure centres cell means on the crop mean before comparing
	NormalizeExposure bool
}

// Thresholds order the decision space of the classifier
type Thresholds struct {
	// NoMovement is exclusive: a distance equal to it is not OK
	NoMovement float64
	// SignificantMovement is inclusive: a distance equal to it is LEAK_PROBABLE
	SignificantMovement float64
	// MinElapsed below which an OK verdict is downgraded to DOUBT
	MinElapsed time.Duration
}

// AnalysisOptions provides the full configuration of the analysis pipeline
type AnalysisOptions struct {
	Extractor  ExtractorOptions
	Comparator ComparatorOptions
	Thresholds Thresholds

	// MaxWorkers bounds the row-level parallelism of extraction, 0 means CPU count
	MaxWorkers int
}

// DefaultOptions returns default analysis options
func DefaultOptions() AnalysisOptions {
	return AnalysisOptions{
		Extractor: ExtractorOptions{
			Region:      RegionOfInterest{Left: 0.2, Top: 0.35, Right: 0.8, Bottom: 0.65},
			Rows:        4,
			Cols:        8,
			MinCellSize: 4,
		},
		Comparator: ComparatorOptions{
			TextureWeight:     0.15,
			NormalizeExposure: true,
		},
		Thresholds: Thresholds{
			NoMovement:          0.04,
			SignificantMovement: 0.2,
			MinElapsed:          60 * time.Second,
		},
		MaxWorkers: 0,
	}
}

// WithGrid sets the signature grid dimensions
func (opts AnalysisOptions) WithGrid(rows, cols int) AnalysisOptions {
	opts.Extractor.Rows = rows
	opts.Extractor.Cols = cols
	return opts
}

// WithRegion sets the cropped region of interest
func (opts AnalysisOptions) WithRegion(region RegionOfInterest) AnalysisOptions {
	opts.Extractor.Region = region
	return opts
}

// WithThresholds sets the no-movement and significant-movement thresholds
func (opts AnalysisOptions) WithThresholds(noMovement, significant float64) AnalysisOptions {
	opts.Thresholds.NoMovement = noMovement
	opts.Thresholds.SignificantMovement = significant
	return opts
}

// WithMinElapsed sets the interval below which OK is downgraded
func (opts AnalysisOptions) WithMinElapsed(d time.Duration) AnalysisOptions {
	opts.Thresholds.MinElapsed = d
	return opts
}

// WithRawDeltas disables exposure normalisation and texture blending, so a
// cell delta is the plain absolute difference of cell means
func (opts AnalysisOptions) WithRawDeltas() AnalysisOptions {
	opts.Comparator.TextureWeight = 0
	opts.Comparator.NormalizeExposure = false
	return opts
}
