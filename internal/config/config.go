package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Client contains the settings of the mina CLI.
type Client struct {
	APIBaseURL  string
	HTTPTimeout time.Duration
	Voice       string
	ChatStream  bool

	UserID   string
	UserName string

	SessionDuration time.Duration
	StatePath       string
	QuotaTTL        time.Duration

	MicCommand    string
	PlayerCommand string

	RenderAddr       string
	AllowAnyOrigin   bool
	PreloadModel     bool
	LipSyncSpeed     float64
	LipSyncIntensity float64
	VisualizerMin    float64
	VisualizerMax    float64

	MetricsNamespace string
	LogLevel         string
	LogFile          string
}

// Backend contains the settings of the development backend.
type Backend struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	DatabaseURL  string
	RedisURL     string
	DefaultQuota int

	MockTranscript string
	MockVoiceWPM   int

	LogLevel string
	LogFile  string
}

var clientEnv = map[string]string{
	"api_base_url":      "MINA_API_BASE_URL",
	"http_timeout":      "MINA_HTTP_TIMEOUT",
	"tts_voice":         "MINA_TTS_VOICE",
	"chat_stream":       "MINA_CHAT_STREAM",
	"user_id":           "MINA_USER_ID",
	"user_name":         "MINA_USER_NAME",
	"session_duration":  "MINA_SESSION_DURATION",
	"state_path":        "MINA_STATE_PATH",
	"quota_ttl":         "MINA_QUOTA_TTL",
	"mic_command":       "MINA_MIC_COMMAND",
	"player_command":    "MINA_PLAYER_COMMAND",
	"render_addr":       "MINA_RENDER_ADDR",
	"render_any_origin": "MINA_RENDER_ALLOW_ANY_ORIGIN",
	"render_preload":    "MINA_RENDER_PRELOAD",
	"lipsync_speed":     "MINA_LIPSYNC_SPEED",
	"lipsync_intensity": "MINA_LIPSYNC_INTENSITY",
	"visualizer_min":    "MINA_VISUALIZER_MIN_SCALE",
	"visualizer_max":    "MINA_VISUALIZER_MAX_SCALE",
	"metrics_namespace": "MINA_METRICS_NAMESPACE",
	"log_level":         "MINA_LOG_LEVEL",
	"log_file":          "MINA_LOG_FILE",
}

var backendEnv = map[string]string{
	"bind_addr":                  "APP_BIND_ADDR",
	"shutdown_timeout":           "APP_SHUTDOWN_TIMEOUT",
	"session_inactivity_timeout": "APP_SESSION_INACTIVITY_TIMEOUT",
	"metrics_namespace":          "APP_METRICS_NAMESPACE",
	"allow_any_origin":           "APP_ALLOW_ANY_ORIGIN",
	"database_url":               "DATABASE_URL",
	"redis_url":                  "REDIS_URL",
	"default_quota":              "APP_DEFAULT_QUOTA",
	"mock_transcript":            "APP_MOCK_TRANSCRIPT",
	"mock_voice_wpm":             "APP_MOCK_VOICE_WPM",
	"log_level":                  "APP_LOG_LEVEL",
	"log_file":                   "APP_LOG_FILE",
}

// LoadDotEnv loads KEY=VALUE files into the environment. Missing files are
// skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func newViper(file string, env map[string]string) (*viper.Viper, error) {
	v := viper.New()
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(file) == "" {
		return v, nil
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", file, err)
	}
	return v, nil
}

// LoadClient reads the optional YAML file, then environment variables, and
// applies defaults.
func LoadClient(file string) (Client, error) {
	v, err := newViper(file, clientEnv)
	if err != nil {
		return Client{}, err
	}
	v.SetDefault("api_base_url", "http://localhost:8000")
	v.SetDefault("tts_voice", "mina")
	v.SetDefault("user_name", "friend")
	v.SetDefault("mic_command", "arecord -q -f S16_LE -r 16000 -c 1 -t raw")
	v.SetDefault("render_addr", "127.0.0.1:8765")
	v.SetDefault("metrics_namespace", "mina")
	v.SetDefault("log_level", "info")

	cfg := Client{
		APIBaseURL:       str(v, "api_base_url"),
		Voice:            str(v, "tts_voice"),
		UserID:           str(v, "user_id"),
		UserName:         str(v, "user_name"),
		StatePath:        str(v, "state_path"),
		MicCommand:       str(v, "mic_command"),
		PlayerCommand:    str(v, "player_command"),
		RenderAddr:       str(v, "render_addr"),
		MetricsNamespace: str(v, "metrics_namespace"),
		LogLevel:         str(v, "log_level"),
		LogFile:          str(v, "log_file"),
	}
	if cfg.HTTPTimeout, err = duration(v, "http_timeout", 60*time.Second); err != nil {
		return Client{}, err
	}
	if cfg.SessionDuration, err = duration(v, "session_duration", 15*time.Minute); err != nil {
		return Client{}, err
	}
	if cfg.QuotaTTL, err = duration(v, "quota_ttl", 5*time.Minute); err != nil {
		return Client{}, err
	}
	if cfg.ChatStream, err = boolean(v, "chat_stream", true); err != nil {
		return Client{}, err
	}
	if cfg.AllowAnyOrigin, err = boolean(v, "render_any_origin", false); err != nil {
		return Client{}, err
	}
	if cfg.PreloadModel, err = boolean(v, "render_preload", false); err != nil {
		return Client{}, err
	}
	if cfg.LipSyncSpeed, err = float(v, "lipsync_speed", 1.0); err != nil {
		return Client{}, err
	}
	if cfg.LipSyncIntensity, err = float(v, "lipsync_intensity", 1.0); err != nil {
		return Client{}, err
	}
	if cfg.VisualizerMin, err = float(v, "visualizer_min", 1.0); err != nil {
		return Client{}, err
	}
	if cfg.VisualizerMax, err = float(v, "visualizer_max", 1.5); err != nil {
		return Client{}, err
	}

	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		return Client{}, fmt.Errorf("MINA_API_BASE_URL must be an http(s) URL")
	}
	if cfg.SessionDuration < time.Second {
		return Client{}, fmt.Errorf("MINA_SESSION_DURATION must be at least 1s")
	}
	if cfg.HTTPTimeout <= 0 {
		return Client{}, fmt.Errorf("MINA_HTTP_TIMEOUT must be positive")
	}
	if cfg.LipSyncSpeed <= 0 || cfg.LipSyncIntensity <= 0 {
		return Client{}, fmt.Errorf("MINA_LIPSYNC_SPEED and MINA_LIPSYNC_INTENSITY must be positive")
	}
	if cfg.VisualizerMin <= 0 || cfg.VisualizerMax <= cfg.VisualizerMin {
		return Client{}, fmt.Errorf("MINA_VISUALIZER_MAX_SCALE must exceed MINA_VISUALIZER_MIN_SCALE")
	}
	return cfg, nil
}

// LoadBackend reads the development backend settings.
func LoadBackend(file string) (Backend, error) {
	v, err := newViper(file, backendEnv)
	if err != nil {
		return Backend{}, err
	}
	v.SetDefault("bind_addr", ":8000")
	v.SetDefault("metrics_namespace", "minabackend")
	v.SetDefault("mock_transcript", "I feel anxious today")
	v.SetDefault("log_level", "info")

	cfg := Backend{
		BindAddr:         str(v, "bind_addr"),
		MetricsNamespace: str(v, "metrics_namespace"),
		DatabaseURL:      str(v, "database_url"),
		RedisURL:         str(v, "redis_url"),
		MockTranscript:   str(v, "mock_transcript"),
		LogLevel:         str(v, "log_level"),
		LogFile:          str(v, "log_file"),
	}
	if cfg.ShutdownTimeout, err = duration(v, "shutdown_timeout", 15*time.Second); err != nil {
		return Backend{}, err
	}
	if cfg.SessionInactivityTimeout, err = duration(v, "session_inactivity_timeout", 30*time.Minute); err != nil {
		return Backend{}, err
	}
	if cfg.AllowAnyOrigin, err = boolean(v, "allow_any_origin", false); err != nil {
		return Backend{}, err
	}
	if cfg.DefaultQuota, err = integer(v, "default_quota", 10); err != nil {
		return Backend{}, err
	}
	if cfg.MockVoiceWPM, err = integer(v, "mock_voice_wpm", 160); err != nil {
		return Backend{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Backend{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.DefaultQuota < 0 {
		return Backend{}, fmt.Errorf("APP_DEFAULT_QUOTA must be >= 0")
	}
	if cfg.MockVoiceWPM <= 0 {
		return Backend{}, fmt.Errorf("APP_MOCK_VOICE_WPM must be positive")
	}
	return cfg, nil
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func duration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	s := str(v, key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func integer(v *viper.Viper, key string, fallback int) (int, error) {
	s := str(v, key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func float(v *viper.Viper, key string, fallback float64) (float64, error) {
	s := str(v, key)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolean(v *viper.Viper, key string, fallback bool) (bool, error) {
	s := strings.ToLower(str(v, key))
	if s == "" {
		return fallback, nil
	}
	switch s {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
