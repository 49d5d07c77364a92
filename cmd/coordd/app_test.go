package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"pkt.systems/pslog"

	coordd "github.com/WilliamAGH/williamcallahan.com-sub008"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsModuleAndVersion(t *testing.T) {
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

func TestBindConfigReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "coordd.yaml")
	body := []byte(`
store: disk:///var/lib/coordd
rate-window: 2m
datasets:
  - name: bookmarks
    origin-url: https://example.com/api/bookmarks
    interval: 5m
  - name: github-activity
    origin-url: https://example.com/api/github
`)
	if err := os.WriteFile(cfgPath, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	viper.Reset()
	newRootCommand(pslog.NewStructured(io.Discard))
	viper.Set("config", cfgPath)
	if err := loadConfigFile(); err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bindConfig: %v", err)
	}

	if cfg.Store != "disk:///var/lib/coordd" {
		t.Fatalf("store=%q", cfg.Store)
	}
	if cfg.RateWindow != 2*time.Minute {
		t.Fatalf("rate window=%s", cfg.RateWindow)
	}
	if len(cfg.Datasets) != 2 {
		t.Fatalf("datasets=%d want 2", len(cfg.Datasets))
	}
	if cfg.Datasets[0].Name != "bookmarks" || cfg.Datasets[0].Interval != 5*time.Minute {
		t.Fatalf("unexpected first dataset: %+v", cfg.Datasets[0])
	}
	if cfg.Datasets[1].Interval != coordd.DefaultRefreshInterval {
		t.Fatalf("second dataset interval=%s want default %s", cfg.Datasets[1].Interval, coordd.DefaultRefreshInterval)
	}
	if cfg.LockTTL != coordd.DefaultLockTTL {
		t.Fatalf("lock ttl=%s want default %s", cfg.LockTTL, coordd.DefaultLockTTL)
	}
}

func TestBindConfigEnvOverride(t *testing.T) {
	viper.Reset()
	t.Setenv("COORDD_STORE", "mem://")
	t.Setenv("COORDD_LOCK_MAX_RETRIES", "7")
	newRootCommand(pslog.NewStructured(io.Discard))

	cfg, err := bindConfig()
	if err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Store != "mem://" {
		t.Fatalf("store=%q", cfg.Store)
	}
	if cfg.LockMaxRetries != 7 {
		t.Fatalf("lock max retries=%d want 7", cfg.LockMaxRetries)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	viper.Reset()
	newRootCommand(pslog.NewStructured(io.Discard))
	viper.Set("config", filepath.Join(t.TempDir(), "absent.yaml"))
	if err := loadConfigFile(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestRefreshCommandRequiresDatasets(t *testing.T) {
	t.Setenv("COORDD_STORE", "mem://")
	_, _, err := executeRootCommand(t, "refresh")
	if err == nil {
		t.Fatal("expected error when no datasets are configured")
	}
}
