package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadHwConfig(t *testing.T) {
	path := writeTemp(t, `
# interfaces
INTERFACE.i2c0=SDA=4,SCL=5
PERIPH.accelerometer.enabled=true
PERIPH.accelerometer.conn=i2c0
PERIPH.accelerometer.address=0x19
PERIPH.accelerometer.type=lis3dh
PERIPH.accelerometer.range=4
`)
	cfg, err := LoadHwConfig(path)
	if err != nil {
		t.Fatalf("LoadHwConfig: %v", err)
	}
	if cfg.Interfaces["i2c0"] != "SDA=4,SCL=5" {
		t.Fatalf("unexpected interface: %v", cfg.Interfaces)
	}
	p := cfg.Peripherals["accelerometer"]
	if !p.Enabled || p.Conn != "i2c0" || p.Address != 0x19 || p.Type != "lis3dh" {
		t.Fatalf("unexpected peripheral block: %+v", p)
	}
	if p.Params["range"] != "4" {
		t.Fatalf("expected range param to land in Params, got %+v", p.Params)
	}
}

func TestLoadHwConfig_RejectsUnknownKey(t *testing.T) {
	path := writeTemp(t, "BOGUS.key=value\n")
	if _, err := LoadHwConfig(path); err == nil {
		t.Fatal("expected error for unrecognized key")
	}
}

func TestLoadAppConfig_Defaults(t *testing.T) {
	path := writeTemp(t, "LOG_FORMAT=binary\nTELEMETRY_RATE_HZ=20\n")
	cfg, err := LoadAppConfig(path)
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	if cfg.GForceEventThreshold != 3.0 {
		t.Fatalf("expected default threshold 3.0, got %v", cfg.GForceEventThreshold)
	}
	if cfg.EventRateLimitS != 1.0 {
		t.Fatalf("expected default rate limit 1.0, got %v", cfg.EventRateLimitS)
	}
	if cfg.TelemetryRateHz != 20 {
		t.Fatalf("expected overridden telemetry rate 20, got %v", cfg.TelemetryRateHz)
	}
}

func TestLoadAppConfig_RejectsBadLogFormat(t *testing.T) {
	path := writeTemp(t, "LOG_FORMAT=xml\n")
	if _, err := LoadAppConfig(path); err == nil {
		t.Fatal("expected error for invalid LOG_FORMAT")
	}
}

func TestLoadAppConfig_RejectsNonPositiveTelemetryRate(t *testing.T) {
	path := writeTemp(t, "LOG_FORMAT=binary\nTELEMETRY_RATE_HZ=0\n")
	if _, err := LoadAppConfig(path); err == nil {
		t.Fatal("expected error for zero telemetry rate")
	}
}
