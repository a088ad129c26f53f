package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration from an optional YAML file plus environment
// variable overrides. Tests can override Lookup and ReadFile to inject
// deterministic maps instead of touching the real environment.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load builds the satellite configuration: defaults, then the YAML file
// named by SATELLITE_CONFIG (if set), then individual env overrides.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	cfg := Config{
		SelectedModel:       DefaultSelectedModel,
		ServerPort:          DefaultServerPort,
		DeviceID:            defaultDeviceID(),
		DeviceName:          defaultDeviceName(),
		Threshold:           DefaultThreshold,
		StreamingTimeoutMs:  DefaultStreamingTimeoutMs,
		RMSSilenceThreshold: DefaultRMSSilenceThreshold,
		VADMode:             DefaultVADMode,
		BuiltinModelDir:     DefaultBuiltinModelDir,
		UserModelDir:        DefaultUserModelDir,
		DebugTapSeconds:     DefaultDebugTapSeconds,
	}

	if path, ok := l.Lookup("SATELLITE_CONFIG"); ok && strings.TrimSpace(path) != "" {
		raw, err := l.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	overrideString(l.Lookup, "SATELLITE_MODEL", &cfg.SelectedModel)
	overrideString(l.Lookup, "SATELLITE_DEVICE_ID", &cfg.DeviceID)
	overrideString(l.Lookup, "SATELLITE_DEVICE_NAME", &cfg.DeviceName)
	overrideString(l.Lookup, "SATELLITE_VAD_MODE", &cfg.VADMode)
	overrideString(l.Lookup, "SATELLITE_LOG_LEVEL", &cfg.LogLevel)
	overrideString(l.Lookup, "SATELLITE_BUILTIN_MODEL_DIR", &cfg.BuiltinModelDir)
	overrideString(l.Lookup, "SATELLITE_USER_MODEL_DIR", &cfg.UserModelDir)
	overrideString(l.Lookup, "SATELLITE_ORT_LIBRARY", &cfg.OrtLibrary)
	if err := overrideInt(l.Lookup, "SATELLITE_PORT", &cfg.ServerPort); err != nil {
		return Config{}, err
	}
	if err := overrideInt(l.Lookup, "SATELLITE_STREAMING_TIMEOUT_MS", &cfg.StreamingTimeoutMs); err != nil {
		return Config{}, err
	}
	if err := overrideFloat32(l.Lookup, "SATELLITE_THRESHOLD", &cfg.Threshold); err != nil {
		return Config{}, err
	}
	if err := overrideFloat(l.Lookup, "SATELLITE_RMS_SILENCE_THRESHOLD", &cfg.RMSSilenceThreshold); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working satellite.
// Any error here is fatal at startup; there is no partial start.
func (c Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("config: server_port %d out of range [1, 65535]", c.ServerPort)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("config: threshold %v out of range [0, 1]", c.Threshold)
	}
	if c.StreamingTimeoutMs <= 0 {
		return fmt.Errorf("config: streaming_timeout_ms must be positive, got %d", c.StreamingTimeoutMs)
	}
	if c.RMSSilenceThreshold < 0 {
		return fmt.Errorf("config: rms_silence_threshold must be non-negative, got %v", c.RMSSilenceThreshold)
	}
	switch c.VADMode {
	case "energy", "frame":
	default:
		return fmt.Errorf("config: vad_mode %q, want \"energy\" or \"frame\"", c.VADMode)
	}
	if strings.TrimSpace(c.SelectedModel) == "" {
		return fmt.Errorf("config: selected_model must not be empty")
	}
	if c.DebugTapSeconds <= 0 {
		return fmt.Errorf("config: debug_tap_seconds must be positive, got %d", c.DebugTapSeconds)
	}
	return nil
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "satellite"
	}
	return "satellite-" + strings.ToLower(host)
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "Wyoming satellite"
	}
	return host + " satellite"
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float64) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideFloat32(lookup func(string) (string, bool), key string, target *float32) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = float32(parsed)
	}
	return nil
}
