package config

const (
	DefaultSelectedModel       = "builtin:hey_nabu.onnx"
	DefaultServerPort          = 10700
	DefaultThreshold           = 0.05
	DefaultStreamingTimeoutMs  = 60000
	DefaultRMSSilenceThreshold = 0.01
	DefaultVADMode             = "frame"
	DefaultBuiltinModelDir     = "models"
	DefaultUserModelDir        = "user_models"
	DefaultDebugTapSeconds     = 30
)

// Config holds the satellite configuration.
type Config struct {
	SelectedModel       string  `yaml:"selected_model"`
	ServerPort          int     `yaml:"server_port"`
	DeviceID            string  `yaml:"device_id"`
	DeviceName          string  `yaml:"device_name"`
	Threshold           float32 `yaml:"threshold"`
	StreamingTimeoutMs  int     `yaml:"streaming_timeout_ms"`
	RMSSilenceThreshold float64 `yaml:"rms_silence_threshold"`
	VADMode             string  `yaml:"vad_mode"`
	LogLevel            string  `yaml:"log_level"`
	BuiltinModelDir     string  `yaml:"builtin_model_dir"`
	UserModelDir        string  `yaml:"user_model_dir"`
	OrtLibrary          string  `yaml:"ort_library"`
	DebugTapSeconds     int     `yaml:"debug_tap_seconds"`
}
