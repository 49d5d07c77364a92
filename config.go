package coordd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/WilliamAGH/williamcallahan.com-sub008/ratelimit"
)

const (
	// DefaultStore points the layer at the in-memory backend when no store
	// is configured.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the Prometheus scrape endpoint. Empty disables
	// the listener.
	DefaultMetricsListen = ""
	// DefaultLockTTL bounds how long a refresh lock is considered live.
	DefaultLockTTL = 2 * time.Minute
	// DefaultLockMaxRetries bounds acquisition attempts before a refresh
	// cycle is skipped.
	DefaultLockMaxRetries = 3
	// DefaultCacheFreshFor is the in-process cache tier's freshness window.
	DefaultCacheFreshFor = 30 * time.Second
	// DefaultRateMaxRequests and DefaultRateWindow bound origin fetches per
	// dataset.
	DefaultRateMaxRequests = 10
	DefaultRateWindow      = time.Minute
	// DefaultBreakerFailureThreshold and DefaultBreakerResetTimeout control
	// the origin circuit breaker.
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerResetTimeout     = 30 * time.Second
	// DefaultRefreshInterval and DefaultRefreshJitter drive scheduled
	// refresh cycles for datasets that do not override them.
	DefaultRefreshInterval = 15 * time.Minute
	DefaultRefreshJitter   = time.Minute
	// DefaultHTTPTimeout bounds a single origin request.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultMaxSnapshotBytes caps origin payloads. Any humanized byte size
	// is accepted ("32MiB", "4 MB", "1048576").
	DefaultMaxSnapshotBytes = "32MiB"
	// DefaultStorageRetryAttempts bounds transparent retries of transient
	// store errors.
	DefaultStorageRetryAttempts = 4
)

// DatasetConfig describes one refreshable dataset.
type DatasetConfig struct {
	Name      string        `mapstructure:"name"`
	OriginURL string        `mapstructure:"origin-url"`
	Interval  time.Duration `mapstructure:"interval"`
	Jitter    time.Duration `mapstructure:"jitter"`
}

// Config carries everything needed to build a Layer. Zero values are filled
// in by Validate.
type Config struct {
	// Store is a URL selecting the backend: mem://, disk:///path,
	// s3://host[:port]/bucket[/prefix], aws://bucket[/prefix], or
	// azure://account/container[/prefix].
	Store string

	MetricsListen string

	LockTTL        time.Duration
	LockMaxRetries int

	CacheFreshFor time.Duration

	RateMaxRequests         int
	RateWindow              time.Duration
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	HTTPTimeout      time.Duration
	MaxSnapshotBytes string

	StorageRetryAttempts int

	Datasets []DatasetConfig

	// Credentials for s3:// and aws:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	AWSRegion         string

	// Credentials for azure:// stores.
	AzureAccount    string
	AzureAccountKey string
	AzureSASToken   string
	AzureEndpoint   string
}

// DefaultConfig returns the baseline configuration for a single-node layer.
func DefaultConfig() Config {
	return Config{
		Store:                   DefaultStore,
		MetricsListen:           DefaultMetricsListen,
		LockTTL:                 DefaultLockTTL,
		LockMaxRetries:          DefaultLockMaxRetries,
		CacheFreshFor:           DefaultCacheFreshFor,
		RateMaxRequests:         DefaultRateMaxRequests,
		RateWindow:              DefaultRateWindow,
		BreakerFailureThreshold: DefaultBreakerFailureThreshold,
		BreakerResetTimeout:     DefaultBreakerResetTimeout,
		HTTPTimeout:             DefaultHTTPTimeout,
		MaxSnapshotBytes:        DefaultMaxSnapshotBytes,
		StorageRetryAttempts:    DefaultStorageRetryAttempts,
	}
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.LockMaxRetries < 0 {
		return fmt.Errorf("config: lock_max_retries must not be negative")
	}
	if c.CacheFreshFor <= 0 {
		c.CacheFreshFor = DefaultCacheFreshFor
	}
	if c.RateMaxRequests <= 0 {
		c.RateMaxRequests = DefaultRateMaxRequests
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.BreakerFailureThreshold <= 0 {
		c.BreakerFailureThreshold = DefaultBreakerFailureThreshold
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = DefaultBreakerResetTimeout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if strings.TrimSpace(c.MaxSnapshotBytes) == "" {
		c.MaxSnapshotBytes = DefaultMaxSnapshotBytes
	}
	if _, err := c.maxSnapshotBytes(); err != nil {
		return err
	}
	if c.StorageRetryAttempts <= 0 {
		c.StorageRetryAttempts = DefaultStorageRetryAttempts
	}
	seen := make(map[string]struct{}, len(c.Datasets))
	for i := range c.Datasets {
		d := &c.Datasets[i]
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return fmt.Errorf("config: dataset %d has no name", i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("config: dataset %q configured twice", d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Interval <= 0 {
			d.Interval = DefaultRefreshInterval
		}
		if d.Jitter < 0 {
			return fmt.Errorf("config: dataset %q jitter must not be negative", d.Name)
		}
		if d.Jitter == 0 {
			d.Jitter = DefaultRefreshJitter
		}
	}
	return nil
}

// RateLimitConfig returns the origin rate-limit settings as a limiter config.
func (c Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{MaxRequests: c.RateMaxRequests, Window: c.RateWindow}
}

// BreakerConfig returns the origin circuit-breaker settings.
func (c Config) BreakerConfig() ratelimit.BreakerConfig {
	return ratelimit.BreakerConfig{
		FailureThreshold: c.BreakerFailureThreshold,
		ResetTimeout:     c.BreakerResetTimeout,
	}
}

func (c Config) maxSnapshotBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxSnapshotBytes)
	if err != nil {
		return 0, fmt.Errorf("config: max_snapshot_bytes %q: %w", c.MaxSnapshotBytes, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("config: max_snapshot_bytes must be positive")
	}
	return int64(n), nil
}
