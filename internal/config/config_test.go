package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eventcore/eventserver/internal/config"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, "port: 8080\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.IdleTimeoutSeconds != 60 {
		t.Errorf("idle timeout = %d, want 60", cfg.IdleTimeoutSeconds)
	}
	if cfg.MaxFrameBytes != 2*1024*1024 {
		t.Errorf("max frame bytes = %d, want 2MiB", cfg.MaxFrameBytes)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics path = %q, want /metrics", cfg.Metrics.Path)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadConfigRejectsMissingPort(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, "host: 127.0.0.1\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected a validation error for missing port")
	}
	if !strings.Contains(err.Error(), "port") {
		t.Errorf("error %q does not mention port", err)
	}
}

func TestLoadConfigJoinsMultipleErrors(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, "port: 0\nlog_level: noisy\n")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "port") || !strings.Contains(msg, "log_level") {
		t.Errorf("expected both port and log_level failures in %q", msg)
	}
}

func TestLoadConfigQueueRequiresFile(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, "port: 8080\nqueue:\n  enabled: true\n")
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "queue.file") {
		t.Fatalf("expected queue.file validation error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
