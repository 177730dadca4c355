package brokerd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/brokerd/internal/lockmgr"
)

const (
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultAdminListen is the default admin HTTP endpoint (empty disables).
	DefaultAdminListen = ":9351"
	// DefaultAdminMaxConns caps concurrent admin connections.
	DefaultAdminMaxConns = 64
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultResourcePollInterval controls how often watches re-list backends
	// that have no change feed.
	DefaultResourcePollInterval = time.Second
	// DefaultWatchRefresh bounds the lifetime of a single watch registration.
	DefaultWatchRefresh = 20 * time.Minute
	// DefaultWatchRetryDelay is the pause before a failed watch is re-registered.
	DefaultWatchRetryDelay = 5 * time.Second
	// DefaultMaxInFlight caps concurrent handler invocations per engine.
	DefaultMaxInFlight = 64
	// DefaultUnlockPollInterval is how often held locks check their target.
	DefaultUnlockPollInterval = time.Minute
	// DefaultOperationPollInterval is how often long-running operations are probed.
	DefaultOperationPollInterval = 30 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts caps retries for transient storage errors.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay is the initial backoff delay for storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the backoff delay for storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier grows the backoff delay between attempts.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultEtcdDialTimeout bounds the initial etcd connection.
	DefaultEtcdDialTimeout = 5 * time.Second
	// DefaultConfigFileName is the file looked up inside DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a brokerd server.
type Config struct {
	Store string
	// Identity names this process in claims and lock records. It must survive
	// restarts so claims left by a crash are picked up again. Empty uses the
	// hostname.
	Identity string

	AdminListen            string
	AdminMaxConns          int
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	ResourcePollInterval  time.Duration
	WatchRefresh          time.Duration
	WatchRetryDelay       time.Duration
	MaxInFlight           int
	UnlockPollInterval    time.Duration
	OperationPollInterval time.Duration
	ShutdownTimeout       time.Duration

	// LockTTL and AbortTimeout override the built-in policy per operation class.
	LockTTL      map[string]time.Duration
	AbortTimeout map[string]time.Duration

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// StorageKeyFile names a kryptograf PEM bundle. When set, object bodies
	// are encrypted before they reach the backend.
	StorageKeyFile string
	// StorageSnappy compresses object bodies ahead of encryption.
	StorageSnappy bool

	// S3-compatible backend (s3://).
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string

	// AWS backend (aws://).
	AWSRegion   string
	AWSKMSKeyID string

	// Azure backend (azure://).
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// etcd backend (etcd://).
	EtcdUsername    string
	EtcdPassword    string
	EtcdDialTimeout time.Duration

	// DisableDiskWatch forces polling on disk:// stores.
	DisableDiskWatch bool
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	return Config{
		Store:                   DefaultStore,
		AdminListen:             DefaultAdminListen,
		AdminMaxConns:           DefaultAdminMaxConns,
		ResourcePollInterval:    DefaultResourcePollInterval,
		WatchRefresh:            DefaultWatchRefresh,
		WatchRetryDelay:         DefaultWatchRetryDelay,
		MaxInFlight:             DefaultMaxInFlight,
		UnlockPollInterval:      DefaultUnlockPollInterval,
		OperationPollInterval:   DefaultOperationPollInterval,
		ShutdownTimeout:         DefaultShutdownTimeout,
		StorageRetryMaxAttempts: DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   DefaultStorageRetryBaseDelay,
		StorageRetryMaxDelay:    DefaultStorageRetryMaxDelay,
		StorageRetryMultiplier:  DefaultStorageRetryMultiplier,
		EtcdDialTimeout:         DefaultEtcdDialTimeout,
	}
}

// Validate fills zero values with defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	if !isSupportedScheme(u.Scheme) {
		return fmt.Errorf("config: store scheme %q not supported (options: %s)", u.Scheme, strings.Join(SupportedSchemes(), ", "))
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.AdminMaxConns <= 0 {
		c.AdminMaxConns = DefaultAdminMaxConns
	}
	if c.ResourcePollInterval <= 0 {
		c.ResourcePollInterval = DefaultResourcePollInterval
	}
	if c.WatchRefresh <= 0 {
		c.WatchRefresh = DefaultWatchRefresh
	}
	if c.WatchRetryDelay <= 0 {
		c.WatchRetryDelay = DefaultWatchRetryDelay
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("config: max in-flight must be >= 0")
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.UnlockPollInterval <= 0 {
		c.UnlockPollInterval = DefaultUnlockPollInterval
	}
	if c.OperationPollInterval <= 0 {
		c.OperationPollInterval = DefaultOperationPollInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	for op, ttl := range c.LockTTL {
		if ttl <= 0 {
			return fmt.Errorf("config: lock ttl for %q must be > 0", op)
		}
	}
	for op, d := range c.AbortTimeout {
		if d <= 0 {
			return fmt.Errorf("config: abort timeout for %q must be > 0", op)
		}
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier < 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.EtcdDialTimeout <= 0 {
		c.EtcdDialTimeout = DefaultEtcdDialTimeout
	}
	c.StorageKeyFile = strings.TrimSpace(c.StorageKeyFile)
	if c.StorageSnappy && c.StorageKeyFile == "" {
		return fmt.Errorf("config: storage snappy requires storage-key-file")
	}
	return nil
}

// Policy returns the lock policy with the configured overrides applied.
func (c Config) Policy() lockmgr.Policy {
	policy := lockmgr.DefaultPolicy()
	for op, ttl := range c.LockTTL {
		policy = policy.WithLockTTL(op, ttl)
	}
	for op, d := range c.AbortTimeout {
		policy = policy.WithAbortTimeout(op, d)
	}
	return policy
}

var supportedSchemes = []string{"mem", "disk", "s3", "aws", "azure", "etcd", "redis", "rediss"}

// SupportedSchemes returns the store URL schemes openBackend understands.
func SupportedSchemes() []string {
	return append([]string(nil), supportedSchemes...)
}

func isSupportedScheme(scheme string) bool {
	for _, s := range supportedSchemes {
		if s == scheme {
			return true
		}
	}
	return false
}

// DefaultConfigDir returns the directory holding the brokerd config file.
// BROKERD_CONFIG_DIR overrides $HOME/.brokerd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("BROKERD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".brokerd"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
