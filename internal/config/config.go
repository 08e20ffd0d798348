package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Host               string        `yaml:"host"`
	Port               string        `yaml:"port"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	AnalysisTimeout    time.Duration `yaml:"analysis_timeout"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`

	// Offline queue
	QueueDBPath      string        `yaml:"queue_db_path"`
	QueueTTL         time.Duration `yaml:"queue_ttl"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`

	// Image byte storage
	StorageType      string `yaml:"storage_type"`
	StorageDir       string `yaml:"storage_dir"`
	AzureAccountName string `yaml:"azure_account_name"`
	AzureAccountKey  string `yaml:"azure_account_key"`
	AzureContainer   string `yaml:"azure_container"`

	// Connectivity
	ConnectivityMode      string        `yaml:"connectivity_mode"`
	ProbeURL              string        `yaml:"probe_url"`
	ProbeInterval         time.Duration `yaml:"probe_interval"`
	MaxConcurrentAnalyses int           `yaml:"max_concurrent_analyses"`

	// Signature extraction
	GridRows          int     `yaml:"grid_rows"`
	GridCols          int     `yaml:"grid_cols"`
	MinCellSize       int     `yaml:"min_cell_size"`
	RegionLeft        float64 `yaml:"region_left"`
	RegionTop         float64 `yaml:"region_top"`
	RegionRight       float64 `yaml:"region_right"`
	RegionBottom      float64 `yaml:"region_bottom"`
	TextureWeight     float64 `yaml:"texture_weight"`
	NormalizeExposure bool    `yaml:"normalize_exposure"`

	// Classification
	NoMovementThreshold          float64       `yaml:"no_movement_threshold"`
	SignificantMovementThreshold float64       `yaml:"significant_movement_threshold"`
	MinElapsed                   time.Duration `yaml:"min_elapsed"`
}

func (c *Config) ServerAddress() string {
	// Trim any whitespace from host and port
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Host:               "0.0.0.0",
		Port:               "8080",
		RequestTimeout:     30 * time.Second,
		AnalysisTimeout:    20 * time.Second,
		MaxRequestBodySize: 20 * 1024 * 1024, // 20MB, two full-size photos
		LogLevel:           "info",
		LogFormat:          "json",

		QueueDBPath:      "data/queue.db",
		QueueTTL:         72 * time.Hour,
		MaxRetryAttempts: 3,
		RetryBaseBackoff: 30 * time.Second,
		RetryMaxBackoff:  5 * time.Minute,
		SweepInterval:    3 * time.Minute,

		StorageType:    "file",
		StorageDir:     "data/captures",
		AzureContainer: "captures",

		ConnectivityMode:      "manual",
		ProbeInterval:         15 * time.Second,
		MaxConcurrentAnalyses: 4,

		GridRows:          4,
		GridCols:          8,
		MinCellSize:       4,
		RegionLeft:        0.2,
		RegionTop:         0.35,
		RegionRight:       0.8,
		RegionBottom:      0.65,
		TextureWeight:     0.15,
		NormalizeExposure: true,

		NoMovementThreshold:          0.04,
		SignificantMovementThreshold: 0.2,
		MinElapsed:                   60 * time.Second,
	}
}

// LoadFromEnv builds the configuration from defaults, the optional YAML file
// named by CONFIG_FILE, then environment variables, in that order.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Host = getEnvOrDefault("HOST", cfg.Host)
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.RequestTimeout = parseDurationOrDefault("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.AnalysisTimeout = parseDurationOrDefault("ANALYSIS_TIMEOUT", cfg.AnalysisTimeout)
	cfg.MaxRequestBodySize = parseIntOrDefault("MAX_REQUEST_BODY_SIZE", cfg.MaxRequestBodySize)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)

	cfg.QueueDBPath = getEnvOrDefault("QUEUE_DB_PATH", cfg.QueueDBPath)
	cfg.QueueTTL = parseDurationOrDefault("QUEUE_TTL", cfg.QueueTTL)
	cfg.MaxRetryAttempts = int(parseIntOrDefault("MAX_RETRY_ATTEMPTS", int64(cfg.MaxRetryAttempts)))
	cfg.RetryBaseBackoff = parseDurationOrDefault("RETRY_BASE_BACKOFF", cfg.RetryBaseBackoff)
	cfg.RetryMaxBackoff = parseDurationOrDefault("RETRY_MAX_BACKOFF", cfg.RetryMaxBackoff)
	cfg.SweepInterval = parseDurationOrDefault("RECONCILE_SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.StorageType = getEnvOrDefault("STORAGE_TYPE", cfg.StorageType)
	cfg.StorageDir = getEnvOrDefault("STORAGE_DIR", cfg.StorageDir)
	cfg.AzureAccountName = getEnvOrDefault("AZURE_STORAGE_ACCOUNT", cfg.AzureAccountName)
	cfg.AzureAccountKey = getEnvOrDefault("AZURE_STORAGE_KEY", cfg.AzureAccountKey)
	cfg.AzureContainer = getEnvOrDefault("AZURE_STORAGE_CONTAINER", cfg.AzureContainer)

	cfg.ConnectivityMode = getEnvOrDefault("CONNECTIVITY_MODE", cfg.ConnectivityMode)
	cfg.ProbeURL = getEnvOrDefault("CONNECTIVITY_PROBE_URL", cfg.ProbeURL)
	cfg.ProbeInterval = parseDurationOrDefault("CONNECTIVITY_PROBE_INTERVAL", cfg.ProbeInterval)
	cfg.MaxConcurrentAnalyses = int(parseIntOrDefault("MAX_CONCURRENT_ANALYSES", int64(cfg.MaxConcurrentAnalyses)))

	cfg.GridRows = int(parseIntOrDefault("GRID_ROWS", int64(cfg.GridRows)))
	cfg.GridCols = int(parseIntOrDefault("GRID_COLS", int64(cfg.GridCols)))
	cfg.MinCellSize = int(parseIntOrDefault("MIN_CELL_SIZE", int64(cfg.MinCellSize)))
	cfg.RegionLeft = parseFloatOrDefault("REGION_LEFT", cfg.RegionLeft)
	cfg.RegionTop = parseFloatOrDefault("REGION_TOP", cfg.RegionTop)
	cfg.RegionRight = parseFloatOrDefault("REGION_RIGHT", cfg.RegionRight)
	cfg.RegionBottom = parseFloatOrDefault("REGION_BOTTOM", cfg.RegionBottom)
	cfg.TextureWeight = parseFloatOrDefault("TEXTURE_WEIGHT", cfg.TextureWeight)
	cfg.NormalizeExposure = parseBoolOrDefault("NORMALIZE_EXPOSURE", cfg.NormalizeExposure)

	cfg.NoMovementThreshold = parseFloatOrDefault("NO_MOVEMENT_THRESHOLD", cfg.NoMovementThreshold)
	cfg.SignificantMovementThreshold = parseFloatOrDefault("SIGNIFICANT_MOVEMENT_THRESHOLD", cfg.SignificantMovementThreshold)
	cfg.MinElapsed = parseDurationOrDefault("MIN_ELAPSED", cfg.MinElapsed)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

// Validate checks value ranges and cross-field constraints
func (c *Config) Validate() error {
	// Validate port is numeric and in range
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.RequestTimeout <= 0 || c.AnalysisTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, analysis=%s)",
			c.RequestTimeout, c.AnalysisTimeout)
	}
	if c.QueueTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("queue TTL and sweep interval must be > 0 (got ttl=%s, sweep=%s)",
			c.QueueTTL, c.SweepInterval)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be >= 1 (got %d)", c.MaxRetryAttempts)
	}
	if c.RetryBaseBackoff < 0 || c.RetryMaxBackoff < c.RetryBaseBackoff {
		return fmt.Errorf("invalid backoff bounds (base=%s, max=%s)", c.RetryBaseBackoff, c.RetryMaxBackoff)
	}
	if c.MaxConcurrentAnalyses < 1 {
		return fmt.Errorf("MAX_CONCURRENT_ANALYSES must be >= 1 (got %d)", c.MaxConcurrentAnalyses)
	}
	if c.GridRows < 1 || c.GridCols < 1 || c.MinCellSize < 1 {
		return fmt.Errorf("grid must be at least 1x1 with cells >= 1px (got %dx%d, min cell %d)",
			c.GridRows, c.GridCols, c.MinCellSize)
	}
	if c.RegionLeft < 0 || c.RegionTop < 0 || c.RegionRight > 1 || c.RegionBottom > 1 ||
		c.RegionLeft >= c.RegionRight || c.RegionTop >= c.RegionBottom {
		return fmt.Errorf("region of interest must lie inside the unit square (got %.2f,%.2f-%.2f,%.2f)",
			c.RegionLeft, c.RegionTop, c.RegionRight, c.RegionBottom)
	}
	if c.TextureWeight < 0 || c.TextureWeight > 1 {
		return fmt.Errorf("TEXTURE_WEIGHT must be in [0,1] (got %f)", c.TextureWeight)
	}
	if c.NoMovementThreshold <= 0 || c.NoMovementThreshold >= c.SignificantMovementThreshold ||
		c.SignificantMovementThreshold > 1 {
		return fmt.Errorf("thresholds must satisfy 0 < no-movement < significant <= 1 (got %f, %f)",
			c.NoMovementThreshold, c.SignificantMovementThreshold)
	}
	if c.MinElapsed < 0 {
		return fmt.Errorf("MIN_ELAPSED must be >= 0 (got %s)", c.MinElapsed)
	}
	switch c.StorageType {
	case "file":
		if strings.TrimSpace(c.StorageDir) == "" {
			return fmt.Errorf("STORAGE_DIR is required for file storage")
		}
	case "azure":
		if c.AzureAccountName == "" || c.AzureAccountKey == "" || c.AzureContainer == "" {
			return fmt.Errorf("azure storage requires account name, key and container")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_TYPE: %q", c.StorageType)
	}
	switch c.ConnectivityMode {
	case "manual":
	case "probe":
		if c.ProbeURL == "" || c.ProbeInterval <= 0 {
			return fmt.Errorf("probe connectivity requires CONNECTIVITY_PROBE_URL and a positive interval")
		}
	default:
		return fmt.Errorf("unsupported CONNECTIVITY_MODE: %q", c.ConnectivityMode)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}
