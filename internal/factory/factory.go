package factory

import (
	"fmt"

	"github.com/anime-shed/meter-inspector-go/internal/analyzer"
	"github.com/anime-shed/meter-inspector-go/internal/config"
	"github.com/anime-shed/meter-inspector-go/internal/connectivity"
	"github.com/anime-shed/meter-inspector-go/internal/reconciler"
	"github.com/anime-shed/meter-inspector-go/internal/storage"
)

// StorageType represents different types of storage backends
type StorageType string

const (
	// LocalStorage keeps captures on the device file system
	LocalStorage StorageType = "file"
	// AzureStorage keeps captures in an Azure blob container
	AzureStorage StorageType = "azure"
)

// ConnectivityMode selects how the store's reachability is learned
type ConnectivityMode string

const (
	// ManualConnectivity is reported by the host
	ManualConnectivity ConnectivityMode = "manual"
	// ProbeConnectivity polls a health URL
	ProbeConnectivity ConnectivityMode = "probe"
)

// StorageFactory creates storage implementations
type StorageFactory interface {
	// CreateStorage returns the writable capture store
	CreateStorage(storageType StorageType) (storage.BlobStore, error)
	// CreateReaders returns read-only fetchers for records hosted elsewhere
	CreateReaders() []storage.BlobReader
}

// MonitorFactory creates connectivity monitors
type MonitorFactory interface {
	CreateMonitor(mode ConnectivityMode) (connectivity.Monitor, error)
}

// storageFactory implements StorageFactory
type storageFactory struct {
	cfg *config.Config
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(cfg *config.Config) StorageFactory {
	return &storageFactory{cfg: cfg}
}

// CreateStorage creates a storage implementation based on the specified type
func (f *storageFactory) CreateStorage(storageType StorageType) (storage.BlobStore, error) {
	switch storageType {
	case LocalStorage:
		return storage.NewFileStorage(f.cfg.StorageDir)
	case AzureStorage:
		return storage.NewAzureStorage(f.cfg.AzureAccountName, f.cfg.AzureAccountKey, f.cfg.AzureContainer)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

func (f *storageFactory) CreateReaders() []storage.BlobReader {
	opts := storage.DefaultHTTPFetcherOptions()
	opts.MaxBytes = f.cfg.MaxRequestBodySize
	return []storage.BlobReader{
		storage.NewHTTPFetcher("http", opts),
		storage.NewHTTPFetcher("https", opts),
	}
}

// monitorFactory implements MonitorFactory
type monitorFactory struct {
	cfg *config.Config
}

// NewMonitorFactory creates a new monitor factory
func NewMonitorFactory(cfg *config.Config) MonitorFactory {
	return &monitorFactory{cfg: cfg}
}

// CreateMonitor creates a monitor for the mode. A manual monitor starts
// connected; a probe monitor starts disconnected until its first probe.
func (f *monitorFactory) CreateMonitor(mode ConnectivityMode) (connectivity.Monitor, error) {
	switch mode {
	case ManualConnectivity:
		return connectivity.NewManualMonitor(true), nil
	case ProbeConnectivity:
		if f.cfg.ProbeURL == "" {
			return nil, fmt.Errorf("probe connectivity requires a probe URL")
		}
		return connectivity.NewProbeMonitor(f.cfg.ProbeURL, f.cfg.ProbeInterval), nil
	default:
		return nil, fmt.Errorf("unsupported connectivity mode: %s", mode)
	}
}

// AnalysisOptions builds analyzer options from configuration
func AnalysisOptions(cfg *config.Config) analyzer.AnalysisOptions {
	opts := analyzer.DefaultOptions().
		WithGrid(cfg.GridRows, cfg.GridCols).
		WithRegion(analyzer.RegionOfInterest{
			Left:   cfg.RegionLeft,
			Top:    cfg.RegionTop,
			Right:  cfg.RegionRight,
			Bottom: cfg.RegionBottom,
		}).
		WithThresholds(cfg.NoMovementThreshold, cfg.SignificantMovementThreshold).
		WithMinElapsed(cfg.MinElapsed)
	opts.Extractor.MinCellSize = cfg.MinCellSize
	opts.Comparator.TextureWeight = cfg.TextureWeight
	opts.Comparator.NormalizeExposure = cfg.NormalizeExposure
	return opts
}

// ReconcilerOptions builds drain options from configuration. The first retry
// waits at least one analysis timeout, so an analysis abandoned on timeout is
// not retried while it still holds the CPU.
func ReconcilerOptions(cfg *config.Config) reconciler.Options {
	base := max(cfg.RetryBaseBackoff, cfg.AnalysisTimeout)
	return reconciler.Options{
		BaseBackoff:   base,
		MaxBackoff:    max(cfg.RetryMaxBackoff, base),
		SweepInterval: cfg.SweepInterval,
	}
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	StorageFactory StorageFactory
	MonitorFactory MonitorFactory
}

// NewComponentFactory creates a new component factory
func NewComponentFactory(cfg *config.Config) *ComponentFactory {
	return &ComponentFactory{
		StorageFactory: NewStorageFactory(cfg),
		MonitorFactory: NewMonitorFactory(cfg),
	}
}
