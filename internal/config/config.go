package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores runtime configuration for the interview client.
type Config struct {
	Mirage     MirageConfig
	Capture    CaptureConfig
	Levels     LevelsConfig
	Compositor CompositorConfig
	Diag       DiagConfig
}

type MirageConfig struct {
	APIKey      string
	APIBaseURL  string
	DisplayName string
	JoinTimeout time.Duration
}

type CaptureConfig struct {
	FFmpegCommand    string
	VideoInputFormat string
	VideoDevice      string
	VideoWidth       int
	VideoHeight      int
	VideoFrameRate   int
	AudioInputFormat string
	AudioDevice      string
	SampleRate       int
	Channels         int
	RecordingDir     string
	RecordingLimit   time.Duration
}

type LevelsConfig struct {
	Bands   int
	FFTSize int
	TickHz  int
}

type CompositorConfig struct {
	KeyColorHex  string
	KeyThreshold float64
	MaxFPS       int
	TickHz       int
}

type DiagConfig struct {
	MetricsAddr string
}

// Load resolves configuration from environment variables and sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Mirage: MirageConfig{
			APIKey:      strings.TrimSpace(os.Getenv("MIRAGE_API_KEY")),
			APIBaseURL:  envOrDefault("MIRAGE_API_BASE", "https://api.mirage.dev/v1"),
			DisplayName: envOrDefault("GREENROOM_DISPLAY_NAME", "Candidate"),
			JoinTimeout: time.Duration(envOrDefaultInt("MIRAGE_JOIN_TIMEOUT_MS", 15000)) * time.Millisecond,
		},
		Capture: CaptureConfig{
			FFmpegCommand:    envOrDefault("GREENROOM_FFMPEG_COMMAND", "ffmpeg"),
			VideoInputFormat: envOrDefault("GREENROOM_VIDEO_INPUT_FORMAT", "v4l2"),
			VideoDevice:      envOrDefault("GREENROOM_VIDEO_INPUT_DEVICE", "/dev/video0"),
			VideoWidth:       envOrDefaultInt("GREENROOM_VIDEO_WIDTH", 1280),
			VideoHeight:      envOrDefaultInt("GREENROOM_VIDEO_HEIGHT", 720),
			VideoFrameRate:   envOrDefaultInt("GREENROOM_VIDEO_FRAMERATE", 30),
			AudioInputFormat: envOrDefault("GREENROOM_AUDIO_INPUT_FORMAT", "pulse"),
			AudioDevice: firstNonEmpty(
				os.Getenv("GREENROOM_AUDIO_INPUT_DEVICE"),
				os.Getenv("GREENROOM_PULSE_SOURCE"),
				"default",
			),
			SampleRate:     envOrDefaultInt("GREENROOM_SAMPLE_RATE", 48000),
			Channels:       envOrDefaultInt("GREENROOM_CHANNELS", 1),
			RecordingDir:   strings.TrimSpace(os.Getenv("GREENROOM_RECORDING_DIR")),
			RecordingLimit: time.Duration(envOrDefaultInt("GREENROOM_RECORDING_LIMIT_S", 600)) * time.Second,
		},
		Levels: LevelsConfig{
			Bands:   envOrDefaultInt("GREENROOM_LEVEL_BANDS", 20),
			FFTSize: envOrDefaultInt("GREENROOM_LEVEL_FFT_SIZE", 1024),
			TickHz:  envOrDefaultInt("GREENROOM_LEVEL_TICK_HZ", 30),
		},
		Compositor: CompositorConfig{
			KeyColorHex:  envOrDefault("GREENROOM_KEY_COLOR", "#00d100"),
			KeyThreshold: envOrDefaultFloat("GREENROOM_KEY_THRESHOLD", 0.3),
			MaxFPS:       envOrDefaultInt("GREENROOM_MAX_FPS", 30),
			TickHz:       envOrDefaultInt("GREENROOM_RENDER_TICK_HZ", 60),
		},
		Diag: DiagConfig{
			MetricsAddr: strings.TrimSpace(os.Getenv("GREENROOM_METRICS_ADDR")),
		},
	}

	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = 48000
	}
	if cfg.Capture.Channels <= 0 {
		cfg.Capture.Channels = 1
	}
	if cfg.Capture.VideoWidth <= 0 || cfg.Capture.VideoHeight <= 0 {
		cfg.Capture.VideoWidth = 1280
		cfg.Capture.VideoHeight = 720
	}
	if cfg.Capture.VideoFrameRate <= 0 {
		cfg.Capture.VideoFrameRate = 30
	}
	if cfg.Capture.RecordingLimit <= 0 {
		cfg.Capture.RecordingLimit = 10 * time.Minute
	}
	if cfg.Levels.Bands <= 0 || cfg.Levels.Bands > 64 {
		cfg.Levels.Bands = 20
	}
	if !isPowerOfTwo(cfg.Levels.FFTSize) || cfg.Levels.FFTSize < 256 || cfg.Levels.FFTSize > 8192 {
		cfg.Levels.FFTSize = 1024
	}
	if cfg.Levels.TickHz <= 0 {
		cfg.Levels.TickHz = 30
	}
	if cfg.Compositor.KeyThreshold < 0 || cfg.Compositor.KeyThreshold > 1 {
		cfg.Compositor.KeyThreshold = 0.3
	}
	if cfg.Compositor.MaxFPS <= 0 || cfg.Compositor.MaxFPS > 240 {
		cfg.Compositor.MaxFPS = 30
	}
	if cfg.Compositor.TickHz < cfg.Compositor.MaxFPS {
		cfg.Compositor.TickHz = cfg.Compositor.MaxFPS * 2
	}
	if cfg.Mirage.JoinTimeout <= 0 {
		cfg.Mirage.JoinTimeout = 15 * time.Second
	}

	return cfg, nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
