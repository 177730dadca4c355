package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/brokerd"
	"pkt.systems/brokerd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("BROKERD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "brokerd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather than
// a subcommand. Server failures are logged; subcommand failures are printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if long, ok := strings.CutPrefix(arg, "--"); ok {
			if f := root.Flags().Lookup(long); f != nil {
				return f
			}
			return root.PersistentFlags().Lookup(long)
		}
		short := strings.TrimPrefix(arg, "-")
		if len(short) != 1 {
			return nil
		}
		if f := root.Flags().ShorthandLookup(short); f != nil {
			return f
		}
		return root.PersistentFlags().ShorthandLookup(short)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "-") && arg != "-":
			if strings.Contains(arg, "=") {
				continue
			}
			if f := lookup(arg); f != nil && f.NoOptDefVal == "" {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := brokerd.DefaultConfigPath(); err == nil {
			cfgPath = candidate
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "brokerd",
		Short:         "brokerd runs the reconciliation engine, lock manager and operation pollers over a shared resource store",
		SilenceErrors: true,
		Example: `
  # In-memory store (tests/dev only)
  brokerd --store mem://

  # etcd cluster shared by every brokerd replica
  brokerd --store etcd://etcd-0:2379,etcd-1:2379/brokerd

  # Redis with a key namespace
  BROKERD_STORE='redis://redis:6379/0?namespace=prod' brokerd

  # AWS S3 (expects the default AWS credential chain)
  brokerd --store aws://my-bucket/brokerd --aws-region eu-north-1

  # Disk store with Prometheus metrics
  brokerd --store disk:///var/lib/brokerd --metrics-listen :9352
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger, cfg, err := loadServerConfig(v, baseLogger)
			if err != nil {
				return err
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to brokerd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			server, err := brokerd.NewServer(cfg, brokerd.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := server.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.brokerd/"+brokerd.DefaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistent.String("store", brokerd.DefaultStore, "storage backend URL ("+strings.Join(storeExamples, ", ")+")")
	persistent.String("identity", "", "claimant identity, stable across restarts (defaults to the hostname)")
	persistent.String("s3-access-key-id", "", "access key for s3:// backends (or BROKERD_S3_ACCESS_KEY_ID)")
	persistent.String("s3-secret-access-key", "", "secret key for s3:// backends (or BROKERD_S3_SECRET_ACCESS_KEY)")
	persistent.String("s3-session-token", "", "session token for s3:// backends")
	persistent.String("s3-sse", "", "server-side encryption mode for S3 objects")
	persistent.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	persistent.String("aws-region", "", "AWS region for aws:// backends")
	persistent.String("aws-kms-key-id", "", "KMS key ID for aws:// backends")
	persistent.String("azure-account", "", "Azure Storage account (overrides the URL host)")
	persistent.String("azure-key", "", "Azure Storage account key (or BROKERD_AZURE_ACCOUNT_KEY)")
	persistent.String("azure-endpoint", "", "Azure Blob service endpoint")
	persistent.String("azure-sas-token", "", "Azure SAS token (alternative to account key)")
	persistent.String("etcd-username", "", "etcd username")
	persistent.String("etcd-password", "", "etcd password")
	persistent.Duration("etcd-dial-timeout", brokerd.DefaultEtcdDialTimeout, "etcd dial timeout")
	persistent.Bool("disable-disk-watch", false, "poll disk:// stores instead of using fsnotify")
	persistent.Int("storage-retry-attempts", brokerd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	persistent.Duration("storage-retry-base-delay", brokerd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	persistent.Duration("storage-retry-max-delay", brokerd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	persistent.Float64("storage-retry-multiplier", brokerd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	persistent.String("storage-key-file", "", "kryptograf PEM bundle used to encrypt stored objects (see config keygen)")
	persistent.Bool("storage-snappy", false, "snappy-compress stored objects before encryption")
	persistent.StringToString("lock-ttl", nil, "lock TTL per operation class (e.g. backup=24h,create=2h)")
	persistent.StringToString("abort-timeout", nil, "abort timeout per operation class (e.g. backup=30m)")

	flags := cmd.Flags()
	flags.String("admin-listen", brokerd.DefaultAdminListen, "admin HTTP listen address (empty disables)")
	flags.Int("admin-max-conns", brokerd.DefaultAdminMaxConns, "maximum concurrent admin connections")
	flags.String("metrics-listen", brokerd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", brokerd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace endpoint (host:port, grpc://, grpcs://, http:// or https://)")
	flags.Duration("resource-poll-interval", brokerd.DefaultResourcePollInterval, "watch poll interval for backends without a change feed")
	flags.Duration("watch-refresh", brokerd.DefaultWatchRefresh, "lifetime of a watch registration before it is re-opened")
	flags.Duration("watch-retry-delay", brokerd.DefaultWatchRetryDelay, "delay before re-registering a failed watch")
	flags.Int("max-in-flight", brokerd.DefaultMaxInFlight, "maximum concurrent handler invocations")
	flags.Duration("unlock-poll-interval", brokerd.DefaultUnlockPollInterval, "how often held locks check their protected resource")
	flags.Duration("operation-poll-interval", brokerd.DefaultOperationPollInterval, "how often long-running operations are probed")
	flags.Duration("shutdown-timeout", brokerd.DefaultShutdownTimeout, "graceful shutdown timeout")

	v.SetEnvPrefix("BROKERD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(persistent); err != nil {
		panic(err)
	}
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newLockCommand(v, baseLogger))
	return cmd
}

var storeExamples = []string{
	"mem://",
	"disk:///path",
	"s3://host[:port]/bucket",
	"aws://bucket",
	"azure://account/container",
	"etcd://host:2379/prefix",
	"redis://host:6379/db",
}

// loadServerConfig reads the config file, applies the log level and returns the
// merged configuration.
func loadServerConfig(v *viper.Viper, baseLogger pslog.Logger) (pslog.Logger, brokerd.Config, error) {
	logger := baseLogger
	configFile, err := loadConfigFile(v)
	if err != nil {
		return nil, brokerd.Config{}, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(logger, "cli.root").Info("loaded config file", "path", configFile)
	}
	cfg, err := bindConfig(v)
	if err != nil {
		return nil, brokerd.Config{}, err
	}
	return logger, cfg, nil
}

func bindConfig(v *viper.Viper) (brokerd.Config, error) {
	cfg := brokerd.Config{
		Store:                   v.GetString("store"),
		Identity:                v.GetString("identity"),
		AdminListen:             v.GetString("admin-listen"),
		AdminMaxConns:           v.GetInt("admin-max-conns"),
		MetricsListen:           v.GetString("metrics-listen"),
		PprofListen:             v.GetString("pprof-listen"),
		EnableProfilingMetrics:  v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:            v.GetString("otlp-endpoint"),
		ResourcePollInterval:    v.GetDuration("resource-poll-interval"),
		WatchRefresh:            v.GetDuration("watch-refresh"),
		WatchRetryDelay:         v.GetDuration("watch-retry-delay"),
		MaxInFlight:             v.GetInt("max-in-flight"),
		UnlockPollInterval:      v.GetDuration("unlock-poll-interval"),
		OperationPollInterval:   v.GetDuration("operation-poll-interval"),
		ShutdownTimeout:         v.GetDuration("shutdown-timeout"),
		StorageRetryMaxAttempts: v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  v.GetFloat64("storage-retry-multiplier"),
		StorageKeyFile:          v.GetString("storage-key-file"),
		StorageSnappy:           v.GetBool("storage-snappy"),
		S3AccessKeyID:           v.GetString("s3-access-key-id"),
		S3SecretAccessKey:       v.GetString("s3-secret-access-key"),
		S3SessionToken:          v.GetString("s3-session-token"),
		S3SSE:                   v.GetString("s3-sse"),
		S3KMSKeyID:              v.GetString("s3-kms-key-id"),
		AWSRegion:               v.GetString("aws-region"),
		AWSKMSKeyID:             v.GetString("aws-kms-key-id"),
		AzureAccount:            v.GetString("azure-account"),
		AzureAccountKey:         v.GetString("azure-key"),
		AzureEndpoint:           v.GetString("azure-endpoint"),
		AzureSASToken:           v.GetString("azure-sas-token"),
		EtcdUsername:            v.GetString("etcd-username"),
		EtcdPassword:            v.GetString("etcd-password"),
		EtcdDialTimeout:         v.GetDuration("etcd-dial-timeout"),
		DisableDiskWatch:        v.GetBool("disable-disk-watch"),
	}
	var err error
	if cfg.LockTTL, err = durationMap(v.GetStringMapString("lock-ttl")); err != nil {
		return cfg, fmt.Errorf("parse lock-ttl: %w", err)
	}
	if cfg.AbortTimeout, err = durationMap(v.GetStringMapString("abort-timeout")); err != nil {
		return cfg, fmt.Errorf("parse abort-timeout: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func durationMap(raw map[string]string) (map[string]time.Duration, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]time.Duration, len(raw))
	for op, value := range raw {
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out[op] = d
	}
	return out, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
