// Package config loads two declarative configuration tables: HwConfig
// (interface pin-sets and per-peripheral blocks) and AppConfig
// (logging/session/telemetry policy). Both share the same flat
// KEY=VALUE file format, loaded into caller-owned structs rather than
// a package-level singleton.
package config

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"openponylogger/x/mathx"
)

// PeripheralBlock is one `accelerometer`/`gyroscope`/`magnetometer`/
// `gps`/`oled`/`sdcard`/`rtc` entry of HwConfig.
type PeripheralBlock struct {
	Enabled bool
	Conn    string // interface name this peripheral is wired to, e.g. "i2c0"
	Address uint16 // 0 if not applicable (UART peripherals)
	Type    string // explicit driver hint, e.g. "lis3dh"; empty triggers autodetect
	Params  map[string]string
}

// HwConfig is the declarative interface/peripheral map HAL and the
// sensor registry resolve hardware from.
type HwConfig struct {
	Interfaces  map[string]string // interface name -> pin-set spec, e.g. "i2c0" -> "SDA=4,SCL=5"
	Peripherals map[string]PeripheralBlock
}

// AppConfig is the runtime/session policy table.
type AppConfig struct {
	LogFormat      string // "binary" | "csv"
	Driver         string
	Vehicle        string
	Weather        string
	AmbientTempC10 int16

	GForceEventThreshold      float64
	EventRateLimitS           float64
	TelemetryRateHz           float64
	SatelliteDetailsIntervalS float64

	WiFiMode    string
	WiFiSSID    string
	WiFiPass    string
	WiFiAddress string
	WiFiNetmask string
	WiFiGateway string
}

// defaults mirror defaults (event_rate_limit_s=1.0,
// gforce_event_threshold=3.0).
func defaultAppConfig() AppConfig {
	return AppConfig{
		LogFormat:            "binary",
		GForceEventThreshold: 3.0,
		EventRateLimitS:      1.0,
		TelemetryRateHz:      10,
	}
}

// LoadHwConfig reads a HwConfig KEY=VALUE file. Peripheral keys use the
// form `PERIPH.<name>.<field>`, interface keys `INTERFACE.<name>`.
func LoadHwConfig(path string) (*HwConfig, error) {
	cfg := &HwConfig{
		Interfaces:  map[string]string{},
		Peripherals: map[string]PeripheralBlock{},
	}
	err := scanKV(path, func(lineNum int, key, value string) error {
		switch {
		case strings.HasPrefix(key, "INTERFACE."):
			name := strings.TrimPrefix(key, "INTERFACE.")
			cfg.Interfaces[name] = value

		case strings.HasPrefix(key, "PERIPH."):
			rest := strings.TrimPrefix(key, "PERIPH.")
			parts := strings.SplitN(rest, ".", 2)
			if len(parts) != 2 {
				return fmt.Errorf("invalid peripheral key %q", key)
			}
			name, field := parts[0], parts[1]
			blk := cfg.Peripherals[name]
			if blk.Params == nil {
				blk.Params = map[string]string{}
			}
			switch field {
			case "enabled":
				b, err := strconv.ParseBool(value)
				if err != nil {
					return fmt.Errorf("invalid %s: %w", key, err)
				}
				blk.Enabled = b
			case "conn":
				blk.Conn = value
			case "address":
				addr, err := strconv.ParseUint(value, 0, 16)
				if err != nil {
					return fmt.Errorf("invalid %s: %w", key, err)
				}
				blk.Address = uint16(addr)
			case "type":
				blk.Type = value
			default:
				blk.Params[field] = value
			}
			cfg.Peripherals[name] = blk

		default:
			return fmt.Errorf("unrecognized HwConfig key %q", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAppConfig reads an AppConfig KEY=VALUE file.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := defaultAppConfig()
	err := scanKV(path, func(lineNum int, key, value string) error {
		return cfg.setValue(key, value)
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) setValue(key, value string) error {
	switch key {
	case "LOG_FORMAT":
		if value != "binary" && value != "csv" {
			return fmt.Errorf("LOG_FORMAT must be binary or csv, got %q", value)
		}
		c.LogFormat = value
	case "DRIVER":
		c.Driver = value
	case "VEHICLE":
		c.Vehicle = value
	case "WEATHER":
		c.Weather = value
	case "AMBIENT_TEMP_C10":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid AMBIENT_TEMP_C10 %q: %w", value, err)
		}
		// ambient_temp_dC covers -3276.8..+3276.7 C; out-of-range inputs
		// clamp rather than reject.
		c.AmbientTempC10 = int16(mathx.Clamp(v, math.MinInt16, math.MaxInt16))
	case "GFORCE_EVENT_THRESHOLD":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid GFORCE_EVENT_THRESHOLD %q: %w", value, err)
		}
		c.GForceEventThreshold = v
	case "EVENT_RATE_LIMIT_S":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid EVENT_RATE_LIMIT_S %q: %w", value, err)
		}
		c.EventRateLimitS = v
	case "TELEMETRY_RATE_HZ":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEMETRY_RATE_HZ %q: %w", value, err)
		}
		c.TelemetryRateHz = v
	case "SATELLITE_DETAILS_INTERVAL_S":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid SATELLITE_DETAILS_INTERVAL_S %q: %w", value, err)
		}
		c.SatelliteDetailsIntervalS = v
	case "WIFI_MODE":
		c.WiFiMode = value
	case "WIFI_SSID":
		c.WiFiSSID = value
	case "WIFI_PASSWORD":
		c.WiFiPass = value
	case "WIFI_ADDRESS":
		c.WiFiAddress = value
	case "WIFI_NETMASK":
		c.WiFiNetmask = value
	case "WIFI_GATEWAY":
		c.WiFiGateway = value
	default:
		return fmt.Errorf("unrecognized AppConfig key %q", key)
	}
	return nil
}

func (c *AppConfig) validate() error {
	if c.LogFormat == "" {
		return fmt.Errorf("LOG_FORMAT is required")
	}
	if c.TelemetryRateHz <= 0 {
		return fmt.Errorf("TELEMETRY_RATE_HZ must be positive")
	}
	if c.EventRateLimitS <= 0 {
		return fmt.Errorf("EVENT_RATE_LIMIT_S must be positive")
	}
	return nil
}

// scanKV is the shared KEY=VALUE line scanner both loaders use.
func scanKV(path string, set func(lineNum int, key, value string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("config: %s:%d: invalid line %q", path, lineNum, line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := set(lineNum, key, value); err != nil {
			return fmt.Errorf("config: %s:%d: %w", path, lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}
