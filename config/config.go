package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebRTC    WebRTCConfig
	AWS       AWSConfig
	Recording RecordingConfig
	Encoding  EncodingConfig
	Agent     AgentConfig
}

// RecordingConfig holds compositor and chunked encoder settings.
type RecordingConfig struct {
	OutputDir       string // spool directory for finished artifacts; empty = os.TempDir()
	FrameRate       int
	TimesliceMS     int
	ReadyTimeoutMS  int
	ReadyIntervalMS int
	WatchdogMS      int
	MinWidth        int
	MinHeight       int
	ScreenAudioGain float64
	ThumbnailWidth  int
	ThumbnailHeight int
	ThumbnailRadius int
}

// Timeslice returns the chunk flush interval.
func (c RecordingConfig) Timeslice() time.Duration { return ms(c.TimesliceMS) }

// ReadyTimeout returns the per-source readiness bound.
func (c RecordingConfig) ReadyTimeout() time.Duration { return ms(c.ReadyTimeoutMS) }

// ReadyInterval returns the readiness poll interval.
func (c RecordingConfig) ReadyInterval() time.Duration { return ms(c.ReadyIntervalMS) }

// Watchdog returns the draw loop watchdog interval.
func (c RecordingConfig) Watchdog() time.Duration { return ms(c.WatchdogMS) }

// EncodingConfig holds outbound sender caps applied once the peer connection is connected.
type EncodingConfig struct {
	VideoMaxBitrate    int // bits per second
	VideoMaxFramerate  int
	ScreenMaxBitrate   int
	ScreenMaxFramerate int
	AudioMaxBitrate    int
}

// WebRTCConfig holds STUN/TURN ICE server URLs and the local UDP port range.
type WebRTCConfig struct {
	ICEUrls    []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	UDPPortMin int
	UDPPortMax int
}

// AgentConfig is used by the call agent (headless participant).
type AgentConfig struct {
	SignalingURL         string
	APIURL               string
	Token                string
	MediaBackend         string // "ffmpeg" or "test"
	VideoDevice          string
	AudioDevice          string
	AudioFormat          string
	Display              string
	CaptureWidth         int
	CaptureHeight        int
	CaptureFPS           int
	AutoStartDelayMS     int
	FallbackOfferDelayMS int
}

// AutoStartDelay is the debounce applied to recording auto-start triggers.
func (c AgentConfig) AutoStartDelay() time.Duration { return ms(c.AutoStartDelayMS) }

// FallbackOfferDelay is the grace delay before a lone joiner broadcasts an offer anyway.
func (c AgentConfig) FallbackOfferDelay() time.Duration { return ms(c.FallbackOfferDelayMS) }

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
	MaxUploadMB        int
	WSMessagesPerSec   int
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/coachcall?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. An empty Addr disables the cross-instance relay bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// fileConfig mirrors the optional agent TOML file. Zero values mean "not set".
type fileConfig struct {
	Agent struct {
		SignalingURL string `toml:"signaling_url"`
		APIURL       string `toml:"api_url"`
		Token        string `toml:"token"`
		MediaBackend string `toml:"media_backend"`
		VideoDevice  string `toml:"video_device"`
		AudioDevice  string `toml:"audio_device"`
		AudioFormat  string `toml:"audio_format"`
		Display      string `toml:"display"`
	} `toml:"agent"`
	WebRTC struct {
		ICEUrls []string `toml:"ice_urls"`
	} `toml:"webrtc"`
	Recording struct {
		OutputDir       string  `toml:"output_dir"`
		FrameRate       int     `toml:"frame_rate"`
		ScreenAudioGain float64 `toml:"screen_audio_gain"`
		ThumbnailWidth  int     `toml:"thumbnail_width"`
		ThumbnailHeight int     `toml:"thumbnail_height"`
	} `toml:"recording"`
}

// Load reads configuration from environment, with optional .env file and agent TOML file.
// Environment variables take precedence over the TOML file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	var fc fileConfig
	if path := configFilePath(); path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	iceURLs := splitTrim(getEnv("WEBRTC_ICE_URLS", ""), ",")
	if len(iceURLs) == 0 {
		iceURLs = fc.WebRTC.ICEUrls
	}
	if len(iceURLs) == 0 {
		iceURLs = []string{"stun:stun.l.google.com:19302"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			MaxUploadMB:        getEnvInt("MAX_UPLOAD_MB", 2048),
			WSMessagesPerSec:   getEnvInt("WS_MESSAGES_PER_SEC", 50),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "coachcall"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		WebRTC: WebRTCConfig{
			ICEUrls:    iceURLs,
			UDPPortMin: getEnvInt("WEBRTC_UDP_PORT_MIN", 0),
			UDPPortMax: getEnvInt("WEBRTC_UDP_PORT_MAX", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "coachcall-recordings"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			OutputDir:       getEnv("RECORDING_OUTPUT_DIR", fc.Recording.OutputDir),
			FrameRate:       getEnvInt("RECORDING_FPS", orInt(fc.Recording.FrameRate, 30)),
			TimesliceMS:     getEnvInt("RECORDING_TIMESLICE_MS", 100),
			ReadyTimeoutMS:  getEnvInt("RECORDING_READY_TIMEOUT_MS", 2000),
			ReadyIntervalMS: getEnvInt("RECORDING_READY_INTERVAL_MS", 100),
			WatchdogMS:      getEnvInt("RECORDING_WATCHDOG_MS", 2000),
			MinWidth:        getEnvInt("RECORDING_MIN_WIDTH", 1920),
			MinHeight:       getEnvInt("RECORDING_MIN_HEIGHT", 1080),
			ScreenAudioGain: getEnvFloat("RECORDING_SCREEN_AUDIO_GAIN", orFloat(fc.Recording.ScreenAudioGain, 0.8)),
			ThumbnailWidth:  getEnvInt("RECORDING_THUMB_WIDTH", orInt(fc.Recording.ThumbnailWidth, 320)),
			ThumbnailHeight: getEnvInt("RECORDING_THUMB_HEIGHT", orInt(fc.Recording.ThumbnailHeight, 180)),
			ThumbnailRadius: getEnvInt("RECORDING_THUMB_RADIUS", 12),
		},
		Encoding: EncodingConfig{
			VideoMaxBitrate:    getEnvInt("ENCODING_VIDEO_MAX_BITRATE", 2_500_000),
			VideoMaxFramerate:  getEnvInt("ENCODING_VIDEO_MAX_FPS", 30),
			ScreenMaxBitrate:   getEnvInt("ENCODING_SCREEN_MAX_BITRATE", 4_000_000),
			ScreenMaxFramerate: getEnvInt("ENCODING_SCREEN_MAX_FPS", 15),
			AudioMaxBitrate:    getEnvInt("ENCODING_AUDIO_MAX_BITRATE", 128_000),
		},
		Agent: AgentConfig{
			SignalingURL:         getEnv("SIGNALING_URL", or(fc.Agent.SignalingURL, "ws://localhost:8080/ws")),
			APIURL:               getEnv("API_URL", or(fc.Agent.APIURL, "http://localhost:8080")),
			Token:                getEnv("AGENT_TOKEN", fc.Agent.Token),
			MediaBackend:         getEnv("MEDIA_BACKEND", or(fc.Agent.MediaBackend, "ffmpeg")),
			VideoDevice:          getEnv("VIDEO_DEVICE", or(fc.Agent.VideoDevice, "/dev/video0")),
			AudioDevice:          getEnv("AUDIO_DEVICE", or(fc.Agent.AudioDevice, "default")),
			AudioFormat:          getEnv("AUDIO_FORMAT", or(fc.Agent.AudioFormat, "pulse")),
			Display:              getEnv("DISPLAY_SOURCE", or(fc.Agent.Display, ":0.0")),
			CaptureWidth:         getEnvInt("CAPTURE_WIDTH", 1280),
			CaptureHeight:        getEnvInt("CAPTURE_HEIGHT", 720),
			CaptureFPS:           getEnvInt("CAPTURE_FPS", 30),
			AutoStartDelayMS:     getEnvInt("RECORDING_AUTOSTART_DELAY_MS", 1000),
			FallbackOfferDelayMS: getEnvInt("FALLBACK_OFFER_DELAY_MS", 3000),
		},
	}
	return cfg, nil
}

func configFilePath() string {
	if p := os.Getenv("COACHCALL_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "coachcall", "agent.toml")
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func orInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func orFloat(v, fallback float64) float64 {
	if v != 0 {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
