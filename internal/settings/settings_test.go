package settings

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FISCAL_TYPE", "umka")
	t.Setenv("FISCAL_HOST", "192.168.1.50")
	t.Setenv("FISCAL_PORT", "8088")
	t.Setenv("BACKEND_URL", "https://app.ecomkassa.ru")
	t.Setenv("CCM_IDS", "17, 18")
	t.Setenv("POLL_INTERVAL", "3s")
}

func TestLoad(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Fiscal.Kind != "umka" {
		t.Errorf("Expected umka, got %q", cfg.Fiscal.Kind)
	}
	if cfg.Fiscal.Host != "192.168.1.50" {
		t.Errorf("Unexpected host %q", cfg.Fiscal.Host)
	}
	if len(cfg.Poll.CcmIDs) != 2 || cfg.Poll.CcmIDs[0] != "17" || cfg.Poll.CcmIDs[1] != "18" {
		t.Errorf("CCM list should be parsed and trimmed, got %v", cfg.Poll.CcmIDs)
	}
	if cfg.Poll.Interval != 3*time.Second {
		t.Errorf("Unexpected poll interval %v", cfg.Poll.Interval)
	}
	if cfg.Fiscal.Encoding != "utf-8" {
		t.Errorf("Encoding should default to utf-8, got %q", cfg.Fiscal.Encoding)
	}
}

func TestLoadRejectsUnknownDevice(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FISCAL_TYPE", "atol")

	if _, err := Load(); err == nil {
		t.Fatal("Expected an error for an unknown device kind")
	}
}

func TestLoadRejectsMissingHost(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FISCAL_HOST", "")

	if _, err := Load(); err == nil {
		t.Fatal("Expected an error for a missing device host")
	}
}

func TestLoadRejectsMissingMachines(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CCM_IDS", "")

	if _, err := Load(); err == nil {
		t.Fatal("Expected an error when no machines are configured")
	}
}

func TestLoadRejectsShortInterval(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("POLL_INTERVAL", "100ms")

	if _, err := Load(); err == nil {
		t.Fatal("Expected an error for a sub-second poll interval")
	}
}

func TestMockNeedsNoHost(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("FISCAL_TYPE", "mock")
	t.Setenv("FISCAL_HOST", "")

	if _, err := Load(); err != nil {
		t.Fatalf("Mock device should not require a host: %v", err)
	}
}
