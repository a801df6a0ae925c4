package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultProvidesProdSettings(t *testing.T) {
	cfg := Default()
	if cfg.Environment != EnvProd {
		t.Fatalf("expected default environment prod, got %s", cfg.Environment)
	}
	if cfg.Application != "MetaApi" {
		t.Fatalf("expected default application MetaApi, got %s", cfg.Application)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Fatalf("expected 60s request timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.SynchronizationRetry.Initial != time.Second || cfg.SynchronizationRetry.Max != 300*time.Second {
		t.Fatalf("unexpected synchronization retry bounds: %+v", cfg.SynchronizationRetry)
	}
	if cfg.HealthMonitor.SamplePeriod != time.Second {
		t.Fatalf("expected 1s health sample period, got %s", cfg.HealthMonitor.SamplePeriod)
	}
	if cfg.PacketOrderingMaxBuffer != 1000 {
		t.Fatalf("expected default packet ordering buffer of 1000, got %d", cfg.PacketOrderingMaxBuffer)
	}
}

func TestFromEnvOverridesValues(t *testing.T) {
	t.Setenv("TERMCONNECT_ENV", "STAGING")
	t.Setenv("TERMCONNECT_APPLICATION", "CopyFactory")
	t.Setenv("TERMCONNECT_REQUEST_TIMEOUT_SECONDS", "15")
	t.Setenv("TERMCONNECT_CONNECT_TIMEOUT_SECONDS", "20")
	t.Setenv("TERMCONNECT_PACKET_ORDERING_TIMEOUT_SECONDS", "30")
	t.Setenv("TERMCONNECT_STATUS_TIMER_TIMEOUT_MS", "45000")
	t.Setenv("TERMCONNECT_SYNC_RETRY_INITIAL_SECONDS", "2")
	t.Setenv("TERMCONNECT_SYNC_RETRY_MAX_SECONDS", "120")
	t.Setenv("TERMCONNECT_HEALTH_SAMPLE_PERIOD_MS", "500")
	t.Setenv("TERMCONNECT_PACKET_ORDERING_MAX_BUFFER", "2000")

	cfg := FromEnv()
	if cfg.Environment != Environment("staging") {
		t.Fatalf("expected staging environment, got %s", cfg.Environment)
	}
	if cfg.Application != "CopyFactory" {
		t.Fatalf("expected CopyFactory application, got %s", cfg.Application)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("expected 15s request timeout, got %s", cfg.RequestTimeout)
	}
	if cfg.ConnectTimeout != 20*time.Second {
		t.Fatalf("expected 20s connect timeout, got %s", cfg.ConnectTimeout)
	}
	if cfg.PacketOrderingTimeout != 30*time.Second {
		t.Fatalf("expected 30s packet ordering timeout, got %s", cfg.PacketOrderingTimeout)
	}
	if cfg.StatusTimerTimeout != 45*time.Second {
		t.Fatalf("expected 45s status timer timeout, got %s", cfg.StatusTimerTimeout)
	}
	if cfg.SynchronizationRetry.Initial != 2*time.Second || cfg.SynchronizationRetry.Max != 120*time.Second {
		t.Fatalf("unexpected synchronization retry override: %+v", cfg.SynchronizationRetry)
	}
	if cfg.HealthMonitor.SamplePeriod != 500*time.Millisecond {
		t.Fatalf("expected 500ms health sample period, got %s", cfg.HealthMonitor.SamplePeriod)
	}
	if cfg.PacketOrderingMaxBuffer != 2000 {
		t.Fatalf("expected packet ordering buffer override of 2000, got %d", cfg.PacketOrderingMaxBuffer)
	}
}

func TestApplyOptionsCloneAndMutate(t *testing.T) {
	base := Default()

	applied := Apply(base,
		WithApplication("CopyFactory"),
		WithRequestTimeout(10*time.Second),
		WithConnectTimeout(11*time.Second),
		WithPacketOrderingTimeout(12*time.Second),
		WithStatusTimerTimeout(13*time.Second),
		WithSynchronizationRetry(3*time.Second, 90*time.Second),
		WithHealthMonitorSamplePeriod(2*time.Second),
		WithApplication(""),
		WithRequestTimeout(0),
	)

	if applied.Application != "CopyFactory" {
		t.Fatalf("expected application override to stick, got %s", applied.Application)
	}
	if applied.RequestTimeout != 10*time.Second {
		t.Fatalf("expected zero-value option to be ignored, got %s", applied.RequestTimeout)
	}
	if applied.ConnectTimeout != 11*time.Second {
		t.Fatalf("expected connect timeout override, got %s", applied.ConnectTimeout)
	}
	if applied.PacketOrderingTimeout != 12*time.Second {
		t.Fatalf("expected packet ordering timeout override, got %s", applied.PacketOrderingTimeout)
	}
	if applied.StatusTimerTimeout != 13*time.Second {
		t.Fatalf("expected status timer timeout override, got %s", applied.StatusTimerTimeout)
	}
	if applied.SynchronizationRetry.Initial != 3*time.Second || applied.SynchronizationRetry.Max != 90*time.Second {
		t.Fatalf("expected synchronization retry override, got %+v", applied.SynchronizationRetry)
	}
	if applied.HealthMonitor.SamplePeriod != 2*time.Second {
		t.Fatalf("expected health sample period override, got %s", applied.HealthMonitor.SamplePeriod)
	}

	if base.Application == "CopyFactory" {
		t.Fatalf("expected base settings to remain unchanged")
	}
	if base.RequestTimeout == 10*time.Second {
		t.Fatalf("expected base request timeout to remain unchanged")
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "termconnect.yaml")
	doc := "application: CopyFactory\nrequestTimeout: 15s\nsynchronizationRetry:\n  initial: 2s\n  max: 90s\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load config file: %v", err)
	}
	if cfg.Application != "CopyFactory" {
		t.Fatalf("expected application override, got %s", cfg.Application)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("expected request timeout override, got %s", cfg.RequestTimeout)
	}
	if cfg.SynchronizationRetry.Initial != 2*time.Second || cfg.SynchronizationRetry.Max != 90*time.Second {
		t.Fatalf("unexpected synchronization retry override: %+v", cfg.SynchronizationRetry)
	}
	if cfg.PacketOrderingMaxBuffer != 1000 {
		t.Fatalf("expected unset fields to keep their default, got %d", cfg.PacketOrderingMaxBuffer)
	}
}

func TestLoadFileMissingPath(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestApplicationPattern(t *testing.T) {
	cfg := Default()
	if got := cfg.ApplicationPattern(false); got != "RPC" {
		t.Fatalf("expected RPC pattern for non-copyfactory accounts, got %s", got)
	}
	if got := cfg.ApplicationPattern(true); got != "CopyFactory.*|RPC" {
		t.Fatalf("expected CopyFactory pattern for copyfactory accounts, got %s", got)
	}
}
