package analyzer

import (
	"context"
	"fmt"

	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
	"github.com/anime-shed/meter-inspector-go/pkg/validation"
)

// Orchestrator composes extraction, comparison and classification into a
// single analysis. It keeps no state between calls: the same pair of records
// resolving to the same bytes always yields the same decision. It never
// retries; the first failure is returned as is.
type Orchestrator struct {
	loader           ImageLoader
	extractor        SignatureExtractor
	comparator       Comparator
	classifier       Classifier
	qualityValidator *validation.QualityValidator
}

// NewOrchestrator wires the pipeline stages
func NewOrchestrator(loader ImageLoader, extractor SignatureExtractor, comparator Comparator, classifier Classifier) *Orchestrator {
	return &Orchestrator{
		loader:           loader,
		extractor:        extractor,
		comparator:       comparator,
		classifier:       classifier,
		qualityValidator: validation.NewQualityValidator(),
	}
}

// NewOrchestratorFromOptions builds every stage from one option set
func NewOrchestratorFromOptions(loader ImageLoader, opts AnalysisOptions, pool *WorkerPool) *Orchestrator {
	return NewOrchestrator(
		loader,
		NewSignatureExtractor(opts.Extractor, pool),
		NewComparator(opts.Comparator),
		NewClassifier(opts.Thresholds),
	)
}

// Analyze runs load, extract, compare and classify in sequence
func (o *Orchestrator) Analyze(ctx context.Context, before, after models.ImageRecord) (models.Decision, error) {
	elapsed := models.ElapsedSeconds(before, after)
	if elapsed < 0 {
		return models.Decision{}, apperrors.NewValidationError(
			fmt.Sprintf("after capture precedes before capture by %.0fs", -elapsed), nil)
	}

	beforeSig, err := o.signature(ctx, before)
	if err != nil {
		return models.Decision{}, err
	}
	afterSig, err := o.signature(ctx, after)
	if err != nil {
		return models.Decision{}, err
	}

	result, err := o.comparator.Compare(beforeSig, afterSig)
	if err != nil {
		return models.Decision{}, err
	}

	decision := o.classifier.Classify(result, elapsed)

	issues := o.qualityValidator.ValidateCapturePair(validation.CapturePairMetrics{
		BeforeLuminance: beforeSig.Mean,
		AfterLuminance:  afterSig.Mean,
		SameContent:     before.SameContent(after),
	})
	decision.Warnings = o.qualityValidator.ConvertIssuesToMessages(issues)

	return decision, nil
}

// Signature loads and extracts a single record
func (o *Orchestrator) Signature(ctx context.Context, record models.ImageRecord) (models.Signature, error) {
	return o.signature(ctx, record)
}

func (o *Orchestrator) signature(ctx context.Context, record models.ImageRecord) (models.Signature, error) {
	data, err := o.loader.Load(ctx, record)
	if err != nil {
		return models.Signature{}, err
	}
	return o.extractor.Extract(data)
}
