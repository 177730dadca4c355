package brokerd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/storage"
	awsstore "pkt.systems/brokerd/internal/storage/aws"
	azurestore "pkt.systems/brokerd/internal/storage/azure"
	"pkt.systems/brokerd/internal/storage/crypt"
	"pkt.systems/brokerd/internal/storage/disk"
	etcdstore "pkt.systems/brokerd/internal/storage/etcd"
	"pkt.systems/brokerd/internal/storage/logging"
	"pkt.systems/brokerd/internal/storage/memory"
	redisstore "pkt.systems/brokerd/internal/storage/redis"
	"pkt.systems/brokerd/internal/storage/retry"
	"pkt.systems/brokerd/internal/storage/s3"
	"pkt.systems/brokerd/internal/svcfields"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// openBackend builds the raw backend named by cfg.Store.
func openBackend(cfg Config, clk clock.Clock, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{Watch: true, Clock: clk}), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Clock = clk
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		return checkBucket(backend, s3cfg.Bucket)
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		return checkBucket(backend, awscfg.Bucket)
	case "azure":
		azcfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azcfg)
	case "etcd":
		etcdCfg, err := BuildEtcdConfig(cfg)
		if err != nil {
			return nil, err
		}
		etcdCfg.Logger = logger
		return etcdstore.New(etcdCfg)
	case "redis", "rediss":
		redisCfg, err := BuildRedisConfig(cfg)
		if err != nil {
			return nil, err
		}
		redisCfg.Logger = logger
		return redisstore.New(redisCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// openStore opens the backend and wraps it with the encryption, retry and
// logging decorators.
func openStore(cfg Config, clk clock.Clock, logger pslog.Logger) (storage.Backend, error) {
	raw, err := openBackend(cfg, clk, svcfields.WithSubsystem(logger, "storage.backend"))
	if err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(cfg.StorageKeyFile); path != "" {
		root, err := crypt.LoadRootKey(path)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("storage encryption: %w", err)
		}
		sealed, err := crypt.Wrap(raw, crypt.Config{RootKey: root, Snappy: cfg.StorageSnappy})
		if err != nil {
			raw.Close()
			return nil, err
		}
		raw = sealed
	}
	wrapped := retry.Wrap(raw, svcfields.WithSubsystem(logger, "storage.retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	return logging.Wrap(wrapped, logger, "storage.backend"), nil
}

func checkBucket[B interface {
	storage.Backend
	bucketChecker
}](backend B, bucket string) (storage.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := backend.BucketExists(ctx)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		_ = backend.Close()
		return nil, fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return backend, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs for
// S3-compatible stores such as MinIO.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing endpoint (expected s3://host[:port]/bucket[/prefix])")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := parts[0]
	prefix := ""
	if len(parts) == 2 {
		prefix = parts[1]
	}
	query := u.Query()
	secure := true
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("BROKERD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("BROKERD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("BROKERD_S3_SESSION_TOKEN")
		source = "env:BROKERD_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs. Credentials come from the
// default AWS chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	kmsKey := cfg.AWSKMSKeyID
	if kmsKey == "" {
		kmsKey = cfg.S3KMSKeyID
	}
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       query.Get("endpoint"),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: query.Get("endpoint") != "",
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, nil
}

// BuildAzureConfig derives the Azure backend configuration from
// azure://account/container[/prefix].
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	path := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	if path == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	parts := strings.SplitN(path, "/", 2)
	prefix := ""
	if len(parts) == 2 {
		prefix = parts[1]
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("BROKERD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("BROKERD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  parts[0],
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/brokerd)")
	}
	return disk.Config{
		Root:  filepath.Clean(pathPart),
		Watch: !cfg.DisableDiskWatch,
	}, nil
}

// BuildEtcdConfig parses etcd://host[:port][,host[:port]...][/prefix] URLs.
func BuildEtcdConfig(cfg Config) (etcdstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return etcdstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "etcd" {
		return etcdstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	var endpoints []string
	for _, host := range strings.Split(u.Host, ",") {
		if host = strings.TrimSpace(host); host != "" {
			endpoints = append(endpoints, host)
		}
	}
	if len(endpoints) == 0 {
		return etcdstore.Config{}, fmt.Errorf("etcd store missing endpoint (expected etcd://host:2379[/prefix])")
	}
	username := cfg.EtcdUsername
	password := cfg.EtcdPassword
	if u.User != nil {
		username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			password = pw
		}
	}
	return etcdstore.Config{
		Endpoints:   endpoints,
		Prefix:      strings.Trim(u.Path, "/"),
		Username:    username,
		Password:    password,
		DialTimeout: cfg.EtcdDialTimeout,
	}, nil
}

// BuildRedisConfig accepts redis:// and rediss:// URLs. The namespace query
// parameter scopes keys and is stripped before the URL reaches the client.
func BuildRedisConfig(cfg Config) (redisstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return redisstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return redisstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return redisstore.Config{}, fmt.Errorf("redis store missing host (expected redis://host:6379[/db])")
	}
	query := u.Query()
	namespace := query.Get("namespace")
	query.Del("namespace")
	u.RawQuery = query.Encode()
	return redisstore.Config{
		URL:       u.String(),
		Namespace: namespace,
	}, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
