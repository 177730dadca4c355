package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/brokerd"
	"pkt.systems/brokerd/internal/lockmgr"
	"pkt.systems/brokerd/internal/storage/crypt"
	"pkt.systems/brokerd/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("BROKERD_CONFIG_DIR", t.TempDir())
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--store", "mem://"}, want: true},
		{name: "root flag with equals", args: []string{"--store=mem://"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "bool flag", args: []string{"--enable-profiling-metrics", "--metrics-listen", ":1"}, want: true},
		{name: "subcommand", args: []string{"lock", "status", "db-1"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "unknown positional", args: []string{"bogus"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestConfigGenRoundTripsThroughViper(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &parsed); err != nil {
		t.Fatalf("generated yaml invalid: %v", err)
	}
	if parsed["store"] != brokerd.DefaultStore {
		t.Fatalf("unexpected store %v", parsed["store"])
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(stdout), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	v := viper.New()
	v.Set("config", path)
	if _, err := loadConfigFile(v); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := bindConfig(v)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.OperationPollInterval != brokerd.DefaultOperationPollInterval {
		t.Fatalf("unexpected operation poll interval %s", cfg.OperationPollInterval)
	}
	if got := cfg.Policy().GetLockTTL(lockmgr.OpBackup); got != 24*time.Hour {
		t.Fatalf("unexpected backup ttl %s", got)
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokerd.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err != nil {
		t.Fatalf("first gen: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err == nil {
		t.Fatalf("expected second gen without --force to fail")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced gen: %v", err)
	}
}

func TestBindConfigParsesPolicyOverrides(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	if err := root.ParseFlags([]string{"--lock-ttl", "backup=45m", "--abort-timeout", "backup=5m"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	v := viper.New()
	if err := v.BindPFlags(root.PersistentFlags()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := v.BindPFlags(root.Flags()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	cfg, err := bindConfig(v)
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	policy := cfg.Policy()
	if policy.GetLockTTL(lockmgr.OpBackup) != 45*time.Minute || policy.GetAbortTimeout(lockmgr.OpBackup) != 5*time.Minute {
		t.Fatalf("overrides not applied: ttl=%s abort=%s", policy.GetLockTTL(lockmgr.OpBackup), policy.GetAbortTimeout(lockmgr.OpBackup))
	}

	bad := viper.New()
	bad.Set("lock-ttl", map[string]string{"backup": "soon"})
	if _, err := bindConfig(bad); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}

func TestLockStatusAndRelease(t *testing.T) {
	store := "disk://" + filepath.Join(t.TempDir(), "data")
	srv, err := brokerd.NewServer(brokerd.Config{Store: store, Identity: "writer"})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ctx := context.Background()
	if err := srv.Locks().RegisterSchema(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	handle, err := srv.Locks().Lock(ctx, "db-1", lockmgr.Details{ResourceID: "db-1"}, lockmgr.OpRestore)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stdout, _, err := executeRootCommand(t, "lock", "status", "db-1", "--store", store, "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status lockStatusOutput
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, stdout)
	}
	if !status.WriteLocked || status.Handle != handle || status.Lock.Owner != "writer" {
		t.Fatalf("unexpected status %+v", status)
	}

	if _, _, err := executeRootCommand(t, "lock", "release", "db-1", "--store", store, "--handle", "stale"); err == nil {
		t.Fatalf("expected release with a stale handle to fail")
	}
	stdout, _, err = executeRootCommand(t, "lock", "release", "db-1", "--store", store, "--handle", handle)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !strings.Contains(stdout, "released db-1") {
		t.Fatalf("unexpected release output %q", stdout)
	}
	stdout, _, err = executeRootCommand(t, "lock", "status", "db-1", "--store", store)
	if err != nil {
		t.Fatalf("status after release: %v", err)
	}
	if stdout != "db-1: unlocked\n" {
		t.Fatalf("unexpected status output %q", stdout)
	}
}

func TestKeygenAndEncryptedLockStatus(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "storage.pem")
	if _, _, err := executeRootCommand(t, "config", "keygen"); err == nil {
		t.Fatalf("expected keygen without --out to fail")
	}
	if _, _, err := executeRootCommand(t, "config", "keygen", "--out", keyFile); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	first, err := crypt.LoadRootKey(keyFile)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "keygen", "--out", keyFile); err != nil {
		t.Fatalf("second keygen: %v", err)
	}
	second, err := crypt.LoadRootKey(keyFile)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if first != second {
		t.Fatalf("keygen replaced an existing root key")
	}

	store := "disk://" + filepath.Join(t.TempDir(), "data")
	srv, err := brokerd.NewServer(brokerd.Config{Store: store, Identity: "writer", StorageKeyFile: keyFile})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ctx := context.Background()
	if err := srv.Locks().RegisterSchema(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := srv.Locks().Lock(ctx, "db-1", lockmgr.Details{ResourceID: "db-1"}, lockmgr.OpBackup); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	stdout, _, err := executeRootCommand(t, "lock", "status", "db-1", "--store", store, "--storage-key-file", keyFile, "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status lockStatusOutput
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, stdout)
	}
	if status.Lock == nil || status.Lock.Owner != "writer" {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, _, err := executeRootCommand(t, "lock", "status", "db-1", "--store", store); err == nil {
		t.Fatalf("expected reading an encrypted store without the key to fail")
	}
}
