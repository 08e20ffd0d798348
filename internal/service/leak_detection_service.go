package service

import (
	"context"
	"errors"
	"time"

	"github.com/anime-shed/meter-inspector-go/internal/analyzer"
	"github.com/anime-shed/meter-inspector-go/internal/connectivity"
	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/internal/logger"
	"github.com/anime-shed/meter-inspector-go/internal/observer"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
	"github.com/anime-shed/meter-inspector-go/pkg/validation"
)

// LeakDetectionService defines the capture-facing operations of the leak check
type LeakDetectionService interface {
	// Analyze runs one analysis now, bounded by the analysis timeout
	Analyze(ctx context.Context, before, after models.ImageRecord) (models.Decision, error)

	// EnqueueOrAnalyze is the single entry point of the capture flow: it
	// returns a decision when the analysis could run, or the ID of the queued
	// analysis otherwise
	EnqueueOrAnalyze(ctx context.Context, before, after models.ImageRecord) (*models.AnalysisOutcome, error)

	// Pending lists queued analyses that still wait for a run
	Pending(ctx context.Context) ([]*models.PendingAnalysis, error)

	// Status returns one queued analysis
	Status(ctx context.Context, id string) (*models.PendingAnalysis, error)

	// QueueStats counts queued analyses per status
	QueueStats(ctx context.Context) (models.QueueStats, error)
}

// AnalysisQueue is the part of the offline queue the service needs
type AnalysisQueue interface {
	Enqueue(ctx context.Context, before, after models.ImageRecord) (*models.PendingAnalysis, error)
	ListPending(ctx context.Context) ([]*models.PendingAnalysis, error)
	Get(ctx context.Context, id string) (*models.PendingAnalysis, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// Options configures the service
type Options struct {
	AnalysisTimeout       time.Duration
	MaxConcurrentAnalyses int
	// OnQueued is told about every deferred analysis. Entries deferred while
	// connected get no connectivity event to start a drain, this is their cue.
	OnQueued func(id, reason string)
}

// leakDetectionService implements LeakDetectionService
type leakDetectionService struct {
	analyzer  analyzer.Analyzer
	queue     AnalysisQueue
	monitor   connectivity.Monitor
	validator *validation.RecordValidator
	publisher observer.Subject
	timeout   time.Duration
	slots     chan struct{}
	onQueued  func(id, reason string)
}

// NewLeakDetectionService creates a new leak detection service. A nil monitor
// means always connected; a nil publisher disables events.
func NewLeakDetectionService(
	a analyzer.Analyzer,
	q AnalysisQueue,
	monitor connectivity.Monitor,
	publisher observer.Subject,
	opts Options,
) LeakDetectionService {
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = 20 * time.Second
	}
	if opts.MaxConcurrentAnalyses <= 0 {
		opts.MaxConcurrentAnalyses = 1
	}
	return &leakDetectionService{
		analyzer:  a,
		queue:     q,
		monitor:   monitor,
		validator: validation.NewRecordValidator(),
		publisher: publisher,
		timeout:   opts.AnalysisTimeout,
		slots:     make(chan struct{}, opts.MaxConcurrentAnalyses),
		onQueued:  opts.OnQueued,
	}
}

// Analyze validates the pair and runs the analyzer with a bounded timeout. The
// analyzer goroutine is not interrupted on timeout; its result is dropped.
func (s *leakDetectionService) Analyze(ctx context.Context, before, after models.ImageRecord) (models.Decision, error) {
	if err := s.validator.ValidatePair(before, after); err != nil {
		return models.Decision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		decision models.Decision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		decision, err := s.analyzer.Analyze(ctx, before, after)
		done <- result{decision, err}
	}()

	select {
	case r := <-done:
		return r.decision, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.Decision{}, apperrors.NewTimeoutError("analysis exceeded "+s.timeout.String(), ctx.Err())
		}
		return models.Decision{}, apperrors.NewTransientError("analysis cancelled", ctx.Err())
	}
}

// EnqueueOrAnalyze runs the analysis when the store is reachable and a slot
// is free. Otherwise, or when the run fails for a reason a retry could fix,
// the pair is queued. Deterministic failures are returned at once.
func (s *leakDetectionService) EnqueueOrAnalyze(ctx context.Context, before, after models.ImageRecord) (*models.AnalysisOutcome, error) {
	if err := s.validator.ValidatePair(before, after); err != nil {
		return nil, err
	}

	if s.monitor != nil && !s.monitor.IsConnected() {
		return s.enqueue(ctx, before, after, "offline", nil)
	}

	select {
	case s.slots <- struct{}{}:
	default:
		return s.enqueue(ctx, before, after, "at_capacity", nil)
	}

	start := time.Now()
	s.publish(ctx, observer.AnalysisEvent{
		EventType: observer.AnalysisStarted,
		BeforeURI: before.URI,
		AfterURI:  after.URI,
		Source:    "online",
	})
	decision, err := s.Analyze(ctx, before, after)
	<-s.slots
	duration := time.Since(start)

	if err != nil {
		s.publish(ctx, observer.AnalysisEvent{
			EventType:    observer.AnalysisFailed,
			BeforeURI:    before.URI,
			AfterURI:     after.URI,
			Duration:     duration,
			Source:       "online",
			ErrorType:    string(apperrors.TypeOf(err)),
			ErrorMessage: err.Error(),
		})
		if apperrors.IsRetryable(err) && ctx.Err() == nil {
			return s.enqueue(ctx, before, after, "retryable_error", err)
		}
		return nil, err
	}

	s.publish(ctx, observer.AnalysisEvent{
		EventType:  observer.AnalysisCompleted,
		BeforeURI:  before.URI,
		AfterURI:   after.URI,
		Duration:   duration,
		Verdict:    decision.Result,
		Confidence: decision.Confidence,
		Source:     "online",
	})
	return &models.AnalysisOutcome{Decision: &decision}, nil
}

func (s *leakDetectionService) enqueue(ctx context.Context, before, after models.ImageRecord, reason string, cause error) (*models.AnalysisOutcome, error) {
	entry, err := s.queue.Enqueue(ctx, before, after)
	if err != nil {
		return nil, err
	}

	log := logger.WithAnalysis(entry.ID).WithField("reason", reason)
	if cause != nil {
		log = log.WithError(cause)
	}
	log.Info("Analysis deferred to the offline queue")

	s.publish(ctx, observer.AnalysisEvent{
		EventType:  observer.AnalysisQueued,
		AnalysisID: entry.ID,
		BeforeURI:  before.URI,
		AfterURI:   after.URI,
		Metadata:   map[string]interface{}{"reason": reason},
	})
	if s.onQueued != nil {
		s.onQueued(entry.ID, reason)
	}
	return &models.AnalysisOutcome{QueuedID: entry.ID}, nil
}

func (s *leakDetectionService) Pending(ctx context.Context) ([]*models.PendingAnalysis, error) {
	return s.queue.ListPending(ctx)
}

func (s *leakDetectionService) Status(ctx context.Context, id string) (*models.PendingAnalysis, error) {
	return s.queue.Get(ctx, id)
}

func (s *leakDetectionService) QueueStats(ctx context.Context) (models.QueueStats, error) {
	return s.queue.Stats(ctx)
}

func (s *leakDetectionService) publish(ctx context.Context, event observer.AnalysisEvent) {
	if s.publisher != nil {
		s.publisher.NotifyObservers(ctx, event)
	}
}
