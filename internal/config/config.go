package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	UpstreamURL      string `env:"UPSTREAM_URL,required"`
	UpstreamUsername string `env:"UPSTREAM_USERNAME"`
	UpstreamPassword string `env:"UPSTREAM_PASSWORD"`

	ConfigDir string `env:"CONFIG_DIR" envDefault:"./config"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	HTTPSPort       int  `env:"ECM_HTTPS_PORT" envDefault:"8443"`
	HTTPSSubprocess bool `env:"ECM_HTTPS_SUBPROCESS"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Stream probing.
	FFprobePath             string        `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	MaxConcurrentProbes     int           `env:"MAX_CONCURRENT_PROBES" envDefault:"4"`
	StreamProbeTimeout      time.Duration `env:"STREAM_PROBE_TIMEOUT" envDefault:"30s"`
	BitrateSampleDuration   time.Duration `env:"BITRATE_SAMPLE_DURATION" envDefault:"4s"`
	ProbeRetryCount         int           `env:"PROBE_RETRY_COUNT" envDefault:"1"`
	ProbeRetryDelay         time.Duration `env:"PROBE_RETRY_DELAY" envDefault:"2s"`
	SkipRecentlyProbedHours int           `env:"SKIP_RECENTLY_PROBED_HOURS" envDefault:"24"`
	StrikeThreshold         int           `env:"STRIKE_THRESHOLD" envDefault:"3"`

	// Smart sort.
	DeprioritizeFailedStreams bool     `env:"DEPRIORITIZE_FAILED_STREAMS" envDefault:"true"`
	CodecPreference           []string `env:"CODEC_PREFERENCE" envSeparator:"," envDefault:"hevc,h264,mpeg2video"`

	// Change detection / digests. Sampled stream names per group are capped
	// at this many entries in snapshots and change logs.
	StreamNameSampleCap int `env:"STREAM_NAME_SAMPLE_CAP" envDefault:"500"`

	// Auto-creation global exclusions.
	AutoCreateExcludedTerms  []string `env:"AUTOCREATE_EXCLUDED_TERMS" envSeparator:","`
	AutoCreateExcludedGroups []string `env:"AUTOCREATE_EXCLUDED_GROUPS" envSeparator:","`

	// Outbound alert channels.
	SMTPHost          string        `env:"SMTP_HOST"`
	SMTPPort          string        `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser          string        `env:"SMTP_USER"`
	SMTPPassword      string        `env:"SMTP_PASSWORD"`
	SMTPFrom          string        `env:"SMTP_FROM"`
	DiscordWebhookURL string        `env:"DISCORD_WEBHOOK_URL"`
	TelegramBotToken  string        `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID    string        `env:"TELEGRAM_CHAT_ID"`
	AlertTimeout      time.Duration `env:"ALERT_DISPATCH_TIMEOUT" envDefault:"10s"`

	// Retention for the cleanup task.
	TaskRunRetention      time.Duration `env:"TASK_RUN_RETENTION" envDefault:"720h"`
	ChangeLogRetention    time.Duration `env:"CHANGELOG_RETENTION" envDefault:"2160h"`
	SnapshotRetention     time.Duration `env:"SNAPSHOT_RETENTION" envDefault:"720h"`
	NotificationRetention time.Duration `env:"NOTIFICATION_RETENTION" envDefault:"720h"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	UpstreamURL string
	ConfigDir   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.UpstreamURL != "" {
		cfg.UpstreamURL = overrides.UpstreamURL
	}
	if overrides.ConfigDir != "" {
		cfg.ConfigDir = overrides.ConfigDir
	}

	return cfg, nil
}
