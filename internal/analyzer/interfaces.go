package analyzer

import (
	"context"
	"image"

	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// SignatureExtractor reduces a meter photograph to a fixed-shape signature
type SignatureExtractor interface {
	// Extract decodes raw image bytes and computes their signature
	Extract(data []byte) (models.Signature, error)

	// ExtractImage computes the signature of an already decoded image
	ExtractImage(img image.Image) (models.Signature, error)
}

// Comparator measures the distance between two signatures
type Comparator interface {
	Compare(a, b models.Signature) (models.ComparisonResult, error)
}

// Classifier maps a comparison and the capture interval to a verdict
type Classifier interface {
	Classify(result models.ComparisonResult, elapsedSeconds float64) models.Decision
}

// ImageLoader resolves an image record to its raw bytes
type ImageLoader interface {
	Load(ctx context.Context, record models.ImageRecord) ([]byte, error)
}

// Analyzer produces a decision for a before/after pair
type Analyzer interface {
	Analyze(ctx context.Context, before, after models.ImageRecord) (models.Decision, error)
}
