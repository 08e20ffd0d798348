// Package reconciler replays queued analyses once the image store is
// reachable again and hands their decisions to the history collaborator.
package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anime-shed/meter-inspector-go/internal/analyzer"
	"github.com/anime-shed/meter-inspector-go/internal/connectivity"
	apperrors "github.com/anime-shed/meter-inspector-go/internal/errors"
	"github.com/anime-shed/meter-inspector-go/internal/logger"
	"github.com/anime-shed/meter-inspector-go/internal/observer"
	"github.com/anime-shed/meter-inspector-go/pkg/models"
)

// Queue is the part of the offline queue the reconciler drives
type Queue interface {
	ListPending(ctx context.Context) ([]*models.PendingAnalysis, error)
	ListCompleted(ctx context.Context) ([]*models.PendingAnalysis, error)
	Claim(ctx context.Context, id string) (*models.PendingAnalysis, error)
	MarkCompleted(ctx context.Context, id string, decision models.Decision) error
	MarkFailed(ctx context.Context, id string, cause error) (*models.PendingAnalysis, error)
	Consume(ctx context.Context, id string) error
}

// CompletionHook records a deferred decision. Returning an error keeps the
// entry COMPLETED so it is delivered again on the next drain; hooks must
// therefore tolerate seeing the same id twice.
type CompletionHook func(ctx context.Context, id string, decision models.Decision) error

// DrainHook is told about a drain that left no due work
type DrainHook func(report DrainReport)

// Options configures backoff and the safety-net sweep
type Options struct {
	// BaseBackoff is the delay after the first failed attempt, doubled per
	// further attempt. Zero retries at once.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// SweepInterval triggers a drain even without a connectivity event
	SweepInterval time.Duration
	// Now overrides the clock, for tests
	Now func() time.Time
}

// DrainReport summarises one drain
type DrainReport struct {
	Completed int `json:"completed"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Delivered int `json:"delivered"`
	// Waiting counts PENDING entries still in their backoff window
	Waiting int `json:"waiting"`
	// NextDueAt is the earliest end of a backoff window, if any
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
	// Interrupted is set when connectivity was lost before the queue emptied
	Interrupted bool `json:"interrupted"`
	// Coalesced is set when another drain was already running and absorbed this one
	Coalesced bool `json:"coalesced"`
}

func (r *DrainReport) merge(o DrainReport) {
	r.Completed += o.Completed
	r.Requeued += o.Requeued
	r.Failed += o.Failed
	r.Delivered += o.Delivered
	r.Waiting = o.Waiting
	r.NextDueAt = o.NextDueAt
	r.Interrupted = o.Interrupted
}

// Reconciler drains the offline queue. At most one drain runs at a time and
// it processes one entry at a time.
type Reconciler struct {
	queue     Queue
	analyzer  analyzer.Analyzer
	monitor   connectivity.Monitor
	publisher observer.Subject
	opts      Options
	now       func() time.Time

	draining sync.Mutex
	rerun    atomic.Bool
	wake     chan struct{}

	hooksMu        sync.RWMutex
	completedHooks []CompletionHook
	drainedHooks   []DrainHook
}

// New creates a reconciler. A nil publisher disables events.
func New(q Queue, a analyzer.Analyzer, monitor connectivity.Monitor, publisher observer.Subject, opts Options) *Reconciler {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 3 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		queue:     q,
		analyzer:  a,
		monitor:   monitor,
		publisher: publisher,
		opts:      opts,
		now:       now,
		wake:      make(chan struct{}, 1),
	}
}

// Trigger asks Run for a drain without waiting for it. Triggers made before
// the drain starts collapse into one.
func (r *Reconciler) Trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// OnAnalysisCompleted registers a hook for decisions of queued analyses
func (r *Reconciler) OnAnalysisCompleted(hook CompletionHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.completedHooks = append(r.completedHooks, hook)
}

// OnQueueDrained registers a hook fired after a drain that left no due work
func (r *Reconciler) OnQueueDrained(hook DrainHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.drainedHooks = append(r.drainedHooks, hook)
}

// Backoff returns the wait after the given number of attempts
func (r *Reconciler) Backoff(attempts int) time.Duration {
	if attempts <= 0 || r.opts.BaseBackoff <= 0 {
		return 0
	}
	d := r.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.opts.MaxBackoff {
			return r.opts.MaxBackoff
		}
	}
	if d > r.opts.MaxBackoff {
		return r.opts.MaxBackoff
	}
	return d
}

// Run drains on every transition to connected, on the periodic sweep and
// when a backoff window ends, until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	events, unsubscribe := r.monitor.Subscribe()
	defer unsubscribe()

	sweep := time.NewTicker(r.opts.SweepInterval)
	defer sweep.Stop()

	due := time.NewTimer(time.Hour)
	due.Stop()
	defer due.Stop()

	drain := func() {
		report, err := r.Drain(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Error("Queue drain failed")
			}
			return
		}
		if report.NextDueAt != nil {
			due.Reset(max(0, report.NextDueAt.Sub(r.now())))
		}
	}

	logger.WithComponent("reconciler").WithField("sweep_interval", r.opts.SweepInterval.String()).Info("Reconciler started")
	r.publish(ctx, observer.AnalysisEvent{EventType: observer.ConnectivityChanged, Connected: r.monitor.IsConnected()})
	if r.monitor.IsConnected() {
		drain()
	}

	for {
		select {
		case <-ctx.Done():
			logger.WithComponent("reconciler").Info("Reconciler stopped")
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.publish(ctx, observer.AnalysisEvent{EventType: observer.ConnectivityChanged, Connected: ev.Connected})
			if ev.Connected {
				drain()
			}
		case <-sweep.C:
			drain()
		case <-due.C:
			drain()
		case <-r.wake:
			drain()
		}
	}
}

// Drain processes due PENDING entries, oldest first, while connected. A call
// made while another drain runs returns at once and makes the running drain
// take one more pass.
func (r *Reconciler) Drain(ctx context.Context) (DrainReport, error) {
	// the request is recorded before the lock is tried, so a holder that
	// unlocks after a failed TryLock always sees it
	r.rerun.Store(true)
	if !r.draining.TryLock() {
		return DrainReport{Coalesced: true}, nil
	}

	var total DrainReport
	for {
		for r.rerun.Swap(false) {
			report, err := r.drainOnce(ctx)
			total.merge(report)
			if err != nil {
				r.draining.Unlock()
				return total, err
			}
		}
		r.draining.Unlock()
		if !r.rerun.Load() || !r.draining.TryLock() {
			break
		}
	}

	if !total.Interrupted {
		r.queueDrained(ctx, total)
	}
	return total, nil
}

func (r *Reconciler) drainOnce(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	delivered, err := r.redeliver(ctx)
	report.Delivered += delivered
	if err != nil {
		return report, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !r.monitor.IsConnected() {
			report.Interrupted = true
			return report, nil
		}

		pending, err := r.queue.ListPending(ctx)
		if err != nil {
			return report, err
		}
		next, waiting, nextDue := r.pickDue(pending)
		report.Waiting = waiting
		report.NextDueAt = nextDue
		if next == nil {
			return report, nil
		}

		if err := r.process(ctx, next.ID, &report); err != nil {
			return report, err
		}
	}
}

// pickDue returns the oldest entry whose backoff has elapsed, plus the number
// of entries still waiting and the earliest time one becomes due
func (r *Reconciler) pickDue(pending []*models.PendingAnalysis) (*models.PendingAnalysis, int, *time.Time) {
	now := r.now()
	var waiting int
	var nextDue *time.Time
	for _, entry := range pending {
		if entry.LastAttemptAt == nil || entry.Attempts == 0 {
			return entry, waiting, nextDue
		}
		dueAt := entry.LastAttemptAt.Add(r.Backoff(entry.Attempts))
		if !now.Before(dueAt) {
			return entry, waiting, nextDue
		}
		waiting++
		if nextDue == nil || dueAt.Before(*nextDue) {
			d := dueAt
			nextDue = &d
		}
	}
	return nil, waiting, nextDue
}

func (r *Reconciler) process(ctx context.Context, id string, report *DrainReport) error {
	entry, err := r.queue.Claim(ctx, id)
	if apperrors.IsType(err, apperrors.ErrorTypeConflict) || apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		// expired or taken between list and claim
		return nil
	}
	if err != nil {
		return err
	}

	log := logger.WithAnalysis(id).WithField("attempt", entry.Attempts)
	log.Debug("Replaying queued analysis")
	r.publish(ctx, observer.AnalysisEvent{
		EventType:  observer.AnalysisStarted,
		AnalysisID: id,
		BeforeURI:  entry.Before.URI,
		AfterURI:   entry.After.URI,
		Source:     "queue",
	})

	start := r.now()
	decision, analyzeErr := r.analyzer.Analyze(ctx, entry.Before, entry.After)
	duration := r.now().Sub(start)

	if ctx.Err() != nil {
		// left PROCESSING, startup recovery puts it back
		log.Warn("Drain cancelled during analysis")
		return ctx.Err()
	}

	if analyzeErr != nil {
		updated, err := r.queue.MarkFailed(ctx, id, analyzeErr)
		if err != nil {
			return err
		}
		if updated.Status == models.StatusFailed {
			report.Failed++
		} else {
			report.Requeued++
		}
		log.WithError(analyzeErr).WithField("status", updated.Status).Warn("Queued analysis failed")
		r.publish(ctx, observer.AnalysisEvent{
			EventType:    observer.AnalysisFailed,
			AnalysisID:   id,
			Duration:     duration,
			Source:       "queue",
			ErrorType:    string(apperrors.TypeOf(analyzeErr)),
			ErrorMessage: analyzeErr.Error(),
			Metadata:     map[string]interface{}{"status": updated.Status, "attempts": updated.Attempts},
		})
		return nil
	}

	if err := r.queue.MarkCompleted(ctx, id, decision); err != nil {
		return err
	}
	report.Completed++
	r.publish(ctx, observer.AnalysisEvent{
		EventType:  observer.AnalysisCompleted,
		AnalysisID: id,
		Duration:   duration,
		Verdict:    decision.Result,
		Confidence: decision.Confidence,
		Source:     "queue",
	})

	if r.deliver(ctx, id, decision) {
		if err := r.queue.Consume(ctx, id); err != nil {
			return err
		}
		report.Delivered++
	}
	return nil
}

// redeliver retries hooks for COMPLETED entries a previous delivery did not consume
func (r *Reconciler) redeliver(ctx context.Context) (int, error) {
	if !r.hasCompletionHooks() {
		return 0, nil
	}
	completed, err := r.queue.ListCompleted(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, entry := range completed {
		if entry.Decision == nil {
			continue
		}
		if !r.deliver(ctx, entry.ID, *entry.Decision) {
			continue
		}
		if err := r.queue.Consume(ctx, entry.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// deliver runs every completion hook and reports whether the entry can be
// consumed. Without hooks the entry stays COMPLETED for the status API.
func (r *Reconciler) deliver(ctx context.Context, id string, decision models.Decision) bool {
	r.hooksMu.RLock()
	hooks := append([]CompletionHook(nil), r.completedHooks...)
	r.hooksMu.RUnlock()

	if len(hooks) == 0 {
		return false
	}
	ok := true
	for _, hook := range hooks {
		if err := hook(ctx, id, decision); err != nil {
			logger.WithAnalysis(id).WithError(err).Warn("Completion hook failed, will deliver again")
			ok = false
		}
	}
	return ok
}

func (r *Reconciler) hasCompletionHooks() bool {
	r.hooksMu.RLock()
	defer r.hooksMu.RUnlock()
	return len(r.completedHooks) > 0
}

func (r *Reconciler) queueDrained(ctx context.Context, report DrainReport) {
	r.hooksMu.RLock()
	hooks := append([]DrainHook(nil), r.drainedHooks...)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(report)
	}
	r.publish(ctx, observer.AnalysisEvent{
		EventType: observer.QueueDrained,
		Pending:   report.Waiting,
		Metadata: map[string]interface{}{
			"completed": report.Completed,
			"failed":    report.Failed,
			"requeued":  report.Requeued,
		},
	})
}

func (r *Reconciler) publish(ctx context.Context, event observer.AnalysisEvent) {
	if r.publisher != nil {
		r.publisher.NotifyObservers(ctx, event)
	}
}
