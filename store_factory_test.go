package brokerd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/storage"
	"pkt.systems/brokerd/internal/storage/crypt"
	"pkt.systems/brokerd/internal/storage/disk"
	"pkt.systems/brokerd/internal/storage/memory"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, err := openBackend(Config{Store: "mem://"}, clock.Real{}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestOpenBackendDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	backend, err := openBackend(Config{Store: "disk://" + root}, clock.Real{}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*disk.Store); !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
}

func TestOpenBackendUnknownScheme(t *testing.T) {
	if _, err := openBackend(Config{Store: "ftp://host/x"}, clock.Real{}, nil); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3SSE:             "AES256",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" {
		t.Fatalf("unexpected bucket: %s", s3cfg.Bucket)
	}
	if s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure and path style from query: %+v", s3cfg)
	}
	if s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "AES256" {
		t.Fatalf("unexpected encryption settings: %+v", s3cfg)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "mem://"}); err == nil {
		t.Fatalf("expected error for non-s3 store")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://h/b", S3AccessKeyID: "only-key"}); err == nil {
		t.Fatalf("expected error for incomplete credentials")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	cfg := Config{
		Store:       "aws://my-bucket/prefix",
		AWSRegion:   "us-west-2",
		AWSKMSKeyID: "aws-kms",
	}
	awsCfg, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" || awsCfg.Prefix != "prefix" || awsCfg.Region != "us-west-2" {
		t.Fatalf("unexpected aws config: %+v", awsCfg)
	}
	if awsCfg.KMSKeyID != "aws-kms" {
		t.Fatalf("unexpected kms key: %s", awsCfg.KMSKeyID)
	}
	if _, err := BuildAWSConfig(Config{Store: "aws://bucket"}); err == nil {
		t.Fatalf("expected error without region")
	}
	withEndpoint, err := BuildAWSConfig(Config{Store: "aws://bucket?region=eu-north-1&endpoint=localhost:4566"})
	if err != nil {
		t.Fatalf("BuildAWSConfig endpoint: %v", err)
	}
	if withEndpoint.Region != "eu-north-1" || !withEndpoint.ForcePathStyle {
		t.Fatalf("unexpected endpoint override: %+v", withEndpoint)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{
		Store:           "azure://acct/container/pre/fix?endpoint=http://127.0.0.1:10000/acct",
		AzureAccountKey: "key",
	}
	azCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azCfg.Account != "acct" || azCfg.Container != "container" || azCfg.Prefix != "pre/fix" {
		t.Fatalf("unexpected azure config: %+v", azCfg)
	}
	if azCfg.Endpoint != "http://127.0.0.1:10000/acct" || azCfg.AccountKey != "key" {
		t.Fatalf("unexpected azure endpoint or key: %+v", azCfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatalf("expected error for missing container")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	diskCfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/brokerd/"})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if diskCfg.Root != "/var/lib/brokerd" || !diskCfg.Watch {
		t.Fatalf("unexpected disk config: %+v", diskCfg)
	}
	polled, err := BuildDiskConfig(Config{Store: "disk://data/x", DisableDiskWatch: true})
	if err != nil {
		t.Fatalf("BuildDiskConfig host form: %v", err)
	}
	if polled.Root != "/data/x" || polled.Watch {
		t.Fatalf("unexpected disk config: %+v", polled)
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestBuildEtcdConfig(t *testing.T) {
	etcdCfg, err := BuildEtcdConfig(Config{Store: "etcd://user:pw@e1:2379,e2:2379/brokerd/prod"})
	if err != nil {
		t.Fatalf("BuildEtcdConfig: %v", err)
	}
	if len(etcdCfg.Endpoints) != 2 || etcdCfg.Endpoints[1] != "e2:2379" {
		t.Fatalf("unexpected endpoints: %v", etcdCfg.Endpoints)
	}
	if etcdCfg.Prefix != "brokerd/prod" || etcdCfg.Username != "user" || etcdCfg.Password != "pw" {
		t.Fatalf("unexpected etcd config: %+v", etcdCfg)
	}
	if _, err := BuildEtcdConfig(Config{Store: "etcd:///prefix"}); err == nil {
		t.Fatalf("expected error for missing endpoint")
	}
}

func TestBuildRedisConfig(t *testing.T) {
	redisCfg, err := BuildRedisConfig(Config{Store: "redis://localhost:6379/2?namespace=prod&dial_timeout=3s"})
	if err != nil {
		t.Fatalf("BuildRedisConfig: %v", err)
	}
	if redisCfg.Namespace != "prod" {
		t.Fatalf("unexpected namespace: %q", redisCfg.Namespace)
	}
	if redisCfg.URL != "redis://localhost:6379/2?dial_timeout=3s" {
		t.Fatalf("namespace not stripped: %s", redisCfg.URL)
	}
}

func TestOpenStoreEncryptsWithKeyFile(t *testing.T) {
	ctx := context.Background()
	bundle, err := crypt.EnsureKeyBundle(nil)
	if err != nil {
		t.Fatalf("key bundle: %v", err)
	}
	keyFile := filepath.Join(t.TempDir(), "storage.pem")
	if err := os.WriteFile(keyFile, bundle, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	cfg := Config{Store: "disk://" + filepath.Join(t.TempDir(), "data"), StorageKeyFile: keyFile, StorageSnappy: true}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	sealed, err := openStore(cfg, clock.Real{}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	payload := []byte(`{"status":{"state":"IN_QUEUE"}}`)
	if _, err := sealed.PutObject(ctx, "resources/db/1", bytes.NewReader(payload), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := sealed.GetObject(ctx, "resources/db/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if !bytes.Equal(got, payload) {
		t.Fatalf("unexpected payload %q", got)
	}
	sealed.Close()

	raw, err := openBackend(cfg, clock.Real{}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer raw.Close()
	res, err = raw.GetObject(ctx, "resources/db/1")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	stored, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if bytes.Contains(stored, []byte("IN_QUEUE")) {
		t.Fatalf("object stored in the clear: %q", stored)
	}

	cfg.StorageKeyFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := openStore(cfg, clock.Real{}, pslog.NoopLogger()); err == nil {
		t.Fatalf("expected a missing key file to fail")
	}
}
