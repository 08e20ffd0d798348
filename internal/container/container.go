package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/anime-shed/meter-inspector-go/internal/analyzer"
	"github.com/anime-shed/meter-inspector-go/internal/config"
	"github.com/anime-shed/meter-inspector-go/internal/connectivity"
	"github.com/anime-shed/meter-inspector-go/internal/factory"
	"github.com/anime-shed/meter-inspector-go/internal/logger"
	"github.com/anime-shed/meter-inspector-go/internal/observer"
	"github.com/anime-shed/meter-inspector-go/internal/queue"
	"github.com/anime-shed/meter-inspector-go/internal/reconciler"
	"github.com/anime-shed/meter-inspector-go/internal/repository"
	"github.com/anime-shed/meter-inspector-go/internal/service"
	"github.com/anime-shed/meter-inspector-go/internal/session"
	"github.com/anime-shed/meter-inspector-go/internal/strategy"
	"github.com/anime-shed/meter-inspector-go/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// sessions nobody finished within this age are dropped
const sessionMaxAge = time.Hour

// Container holds all application dependencies
type Container struct {
	config     *config.Config
	registry   *prometheus.Registry
	pool       *analyzer.WorkerPool
	queue      *queue.Queue
	monitor    connectivity.Monitor
	publisher  *observer.EventPublisher
	service    service.LeakDetectionService
	reconciler *reconciler.Reconciler
	sessions   *session.Manager
	handler    http.Handler
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config) (*Container, error) {
	components := factory.NewComponentFactory(cfg)

	// Build dependency graph
	store, err := components.StorageFactory.CreateStorage(factory.StorageType(cfg.StorageType))
	if err != nil {
		return nil, fmt.Errorf("failed to create image store: %w", err)
	}
	images := repository.NewBlobImageRepository(store, components.StorageFactory.CreateReaders()...)

	monitor, err := components.MonitorFactory.CreateMonitor(factory.ConnectivityMode(cfg.ConnectivityMode))
	if err != nil {
		return nil, fmt.Errorf("failed to create connectivity monitor: %w", err)
	}

	q, err := queue.Open(context.Background(), queue.Options{
		Path:        cfg.QueueDBPath,
		TTL:         cfg.QueueTTL,
		MaxAttempts: cfg.MaxRetryAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline queue: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observer.NewMetricsObserver(registry)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	publisher := observer.NewEventPublisher()
	publisher.Subscribe(observer.NewLoggingObserver(logger.Logger))
	publisher.Subscribe(metrics)

	pool := analyzer.NewWorkerPool(runtime.NumCPU())
	pool.Start()
	orchestrator := analyzer.NewOrchestratorFromOptions(images, factory.AnalysisOptions(cfg), pool)

	// the reconciler needs the service, the service needs a way to wake it
	var rec *reconciler.Reconciler
	svc := service.NewLeakDetectionService(orchestrator, q, monitor, publisher, service.Options{
		AnalysisTimeout:       cfg.AnalysisTimeout,
		MaxConcurrentAnalyses: cfg.MaxConcurrentAnalyses,
		OnQueued:              func(string, string) { rec.Trigger() },
	})
	rec = reconciler.New(q, svc, monitor, publisher, factory.ReconcilerOptions(cfg))

	sessions := session.NewManager()
	deps := transport.Dependencies{
		Service:    svc,
		Images:     images,
		Sessions:   sessions,
		Presenters: strategy.NewPresentationContext(),
		Monitor:    monitor,
		Registry:   registry,
		Config:     cfg,
	}
	if manual, ok := monitor.(*connectivity.ManualMonitor); ok {
		deps.Switch = manual
	}
	handler, err := transport.NewHandler(deps)
	if err != nil {
		pool.Close()
		q.Close()
		return nil, err
	}

	return &Container{
		config:     cfg,
		registry:   registry,
		pool:       pool,
		queue:      q,
		monitor:    monitor,
		publisher:  publisher,
		service:    svc,
		reconciler: rec,
		sessions:   sessions,
		handler:    handler,
	}, nil
}

// Run starts the background loops and blocks until ctx is done
func (c *Container) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Reconciler stopped unexpectedly")
		}
	}()

	if probe, ok := c.monitor.(*connectivity.ProbeMonitor); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			probe.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(sessionMaxAge / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.sessions.Prune(sessionMaxAge); n > 0 {
					logger.WithField("count", n).Info("Pruned abandoned capture sessions")
				}
				if n, err := c.queue.PurgeExpired(ctx); err != nil {
					logger.WithError(err).Warn("Queue purge failed")
				} else if n > 0 {
					logger.WithField("count", n).Info("Purged expired analyses")
				}
			}
		}
	}()

	wg.Wait()
}

// Close releases the worker pool and the queue database
func (c *Container) Close() error {
	c.publisher.Wait()
	c.pool.Close()
	return c.queue.Close()
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Reconciler exposes the queue reconciler so hosts can register hooks
func (c *Container) Reconciler() *reconciler.Reconciler {
	return c.reconciler
}
