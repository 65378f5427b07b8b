package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	BotToken string `envconfig:"BOT_TOKEN" required:"true"`

	DownloadEngine string `envconfig:"DOWNLOAD_ENGINE" default:"torrent"`

	TorrentListenPort int `envconfig:"TORRENT_LISTEN_PORT" default:"6881"`

	DelugeBaseURL  string `envconfig:"DELUGE_BASE_URL"`
	DelugeAPIPath  string `envconfig:"DELUGE_API_URL_PATH" default:"/json"`
	DelugePassword string `envconfig:"DELUGE_PASSWORD"`

	PutioToken string `envconfig:"PUTIO_TOKEN"`

	DownloadDir       string        `envconfig:"DOWNLOAD_DIR" default:"./downloads"`
	MaxFileSize       int64         `envconfig:"MAX_FILE_SIZE" default:"4294967296"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	ProgressThreshold float64       `envconfig:"PROGRESS_THRESHOLD" default:"5"`
	SubmitTimeout     time.Duration `envconfig:"SUBMIT_TIMEOUT" default:"5m"`
	UploadTimeout     time.Duration `envconfig:"UPLOAD_TIMEOUT" default:"10m"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	OrphanGrace       time.Duration `envconfig:"ORPHAN_GRACE" default:"1h"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"5"`
	// MaxConcurrentJobs caps live jobs across all owners; 0 disables the cap.
	MaxConcurrentJobs int           `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"3"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	// LogFile, when set, also writes logs to a size-rotated file.
	LogFile           string        `envconfig:"LOG_FILE"`
	LogMaxSizeMB      int           `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	LogMaxBackups     int           `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"magnet_relay"`
		OTLPEndpoint string `split_words:"true"`
	}

	Status struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings the job manager cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}

	if c.ProgressThreshold <= 0 || c.ProgressThreshold > 100 {
		errs = append(errs, errors.New("PROGRESS_THRESHOLD must be in (0, 100]"))
	}

	if c.SubmitTimeout <= 0 || c.UploadTimeout <= 0 {
		errs = append(errs, errors.New("SUBMIT_TIMEOUT and UPLOAD_TIMEOUT must be positive"))
	}

	if c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("CLEANUP_INTERVAL must be positive"))
	}

	if c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("MAX_FILE_SIZE must be positive"))
	}

	if c.MaxParallel <= 0 {
		errs = append(errs, errors.New("MAX_PARALLEL must be positive"))
	}

	if c.MaxConcurrentJobs < 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_DOWNLOADS must not be negative"))
	}

	switch c.DownloadEngine {
	case "torrent":
	case "deluge":
		if c.DelugeBaseURL == "" {
			errs = append(errs, errors.New("DELUGE_BASE_URL is required for the deluge engine"))
		}
	case "putio":
		if c.PutioToken == "" {
			errs = append(errs, errors.New("PUTIO_TOKEN is required for the putio engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DOWNLOAD_ENGINE %q", c.DownloadEngine))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
