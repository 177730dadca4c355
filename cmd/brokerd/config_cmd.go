package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/brokerd"
	"pkt.systems/brokerd/internal/storage/crypt"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage brokerd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	cmd.AddCommand(newConfigKeygenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.brokerd/" + brokerd.DefaultConfigFileName
	if path, err := brokerd.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default brokerd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				outPath, err = brokerd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

func newConfigKeygenCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create or complete the kryptograf key bundle used for storage encryption",
		Long: "Writes a PEM bundle holding a kryptograf root key. An existing bundle keeps its\n" +
			"root key and other blocks; only a missing root key is added.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}
			existing, err := os.ReadFile(outPath)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("read key bundle: %w", err)
			}
			data, err := crypt.EnsureKeyBundle(existing)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
				return fmt.Errorf("create key dir: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write key bundle: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote storage key bundle to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "path of the PEM key bundle")
	return cmd
}

// configDefaults mirrors the flag names so the generated file can be read
// back through viper unchanged.
type configDefaults struct {
	Store                  string            `yaml:"store"`
	Identity               string            `yaml:"identity"`
	LogLevel               string            `yaml:"log-level"`
	AdminListen            string            `yaml:"admin-listen"`
	AdminMaxConns          int               `yaml:"admin-max-conns"`
	MetricsListen          string            `yaml:"metrics-listen"`
	PprofListen            string            `yaml:"pprof-listen"`
	EnableProfilingMetrics bool              `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string            `yaml:"otlp-endpoint"`
	ResourcePollInterval   string            `yaml:"resource-poll-interval"`
	WatchRefresh           string            `yaml:"watch-refresh"`
	WatchRetryDelay        string            `yaml:"watch-retry-delay"`
	MaxInFlight            int               `yaml:"max-in-flight"`
	UnlockPollInterval     string            `yaml:"unlock-poll-interval"`
	OperationPollInterval  string            `yaml:"operation-poll-interval"`
	ShutdownTimeout        string            `yaml:"shutdown-timeout"`
	LockTTL                map[string]string `yaml:"lock-ttl"`
	AbortTimeout           map[string]string `yaml:"abort-timeout"`
	StorageRetryAttempts   int               `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string            `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string            `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64           `yaml:"storage-retry-multiplier"`
	StorageKeyFile         string            `yaml:"storage-key-file"`
	StorageSnappy          bool              `yaml:"storage-snappy"`
	S3SSE                  string            `yaml:"s3-sse"`
	S3KMSKeyID             string            `yaml:"s3-kms-key-id"`
	AWSRegion              string            `yaml:"aws-region"`
	AWSKMSKeyID            string            `yaml:"aws-kms-key-id"`
	AzureEndpoint          string            `yaml:"azure-endpoint"`
	EtcdDialTimeout        string            `yaml:"etcd-dial-timeout"`
	DisableDiskWatch       bool              `yaml:"disable-disk-watch"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	policy := brokerd.DefaultConfig().Policy()
	lockTTL := make(map[string]string, len(policy.LockTTL))
	for op, d := range policy.LockTTL {
		lockTTL[op] = d.String()
	}
	abortTimeout := make(map[string]string, len(policy.AbortTimeout))
	for op, d := range policy.AbortTimeout {
		abortTimeout[op] = d.String()
	}
	defaults := configDefaults{
		Store:                  brokerd.DefaultStore,
		LogLevel:               "info",
		AdminListen:            brokerd.DefaultAdminListen,
		AdminMaxConns:          brokerd.DefaultAdminMaxConns,
		MetricsListen:          brokerd.DefaultMetricsListen,
		PprofListen:            brokerd.DefaultPprofListen,
		ResourcePollInterval:   brokerd.DefaultResourcePollInterval.String(),
		WatchRefresh:           brokerd.DefaultWatchRefresh.String(),
		WatchRetryDelay:        brokerd.DefaultWatchRetryDelay.String(),
		MaxInFlight:            brokerd.DefaultMaxInFlight,
		UnlockPollInterval:     brokerd.DefaultUnlockPollInterval.String(),
		OperationPollInterval:  brokerd.DefaultOperationPollInterval.String(),
		ShutdownTimeout:        brokerd.DefaultShutdownTimeout.String(),
		LockTTL:                lockTTL,
		AbortTimeout:           abortTimeout,
		StorageRetryAttempts:   brokerd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  brokerd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   brokerd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: brokerd.DefaultStorageRetryMultiplier,
		EtcdDialTimeout:        brokerd.DefaultEtcdDialTimeout.String(),
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
