// Package config loads CheckinPipe's application configuration and team file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Messaging MessagingConfig `yaml:"messaging"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	GenAI     GenAIConfig     `yaml:"genai"`
	Checkin   CheckinConfig   `yaml:"checkin"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"API_ADDR"                env-default:":8080"`
	PublicBaseURL   string        `yaml:"public_base_url"  env:"PUBLIC_BASE_URL"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// DatabaseConfig selects the persistent backend. An empty DSN means SQLite in StateDir.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"       env:"DATABASE_URL"`
	StateDir string `yaml:"state_dir" env:"CHECKINPIPE_STATE_DIR" env-default:"/var/lib/checkinpipe"`
}

// MessagingConfig selects and configures the messaging platform.
type MessagingConfig struct {
	Provider string         `yaml:"provider" env:"MESSAGING_PROVIDER" env-default:"whatsapp"`
	Twilio   TwilioConfig   `yaml:"twilio"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// TwilioConfig holds Twilio WhatsApp credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid" env:"TWILIO_ACCOUNT_SID"`
	AuthToken  string `yaml:"auth_token"  env:"TWILIO_AUTH_TOKEN"`
	From       string `yaml:"from"        env:"TWILIO_FROM_NUMBER"`
	WebhookURL string `yaml:"webhook_url" env:"TWILIO_WEBHOOK_URL"`
}

// WhatsAppConfig holds whatsmeow device store and login settings.
type WhatsAppConfig struct {
	DSN         string `yaml:"dsn"          env:"WHATSAPP_DB_DSN"`
	QRPath      string `yaml:"qr_path"      env:"WHATSAPP_QR_PATH"`
	NumericCode bool   `yaml:"numeric_code" env:"WHATSAPP_NUMERIC_CODE" env-default:"false"`
}

// TrackerConfig configures the task tracker client.
type TrackerConfig struct {
	BaseURL       string        `yaml:"base_url"        env:"TRACKER_BASE_URL"`
	Token         string        `yaml:"token"           env:"TRACKER_TOKEN"`
	Timeout       time.Duration `yaml:"timeout"         env:"TRACKER_TIMEOUT"          env-default:"15s"`
	MaxRetryAfter time.Duration `yaml:"max_retry_after" env:"TRACKER_MAX_RETRY_AFTER"  env-default:"30s"`
}

// GenAIConfig configures the completion client used for report parsing.
type GenAIConfig struct {
	APIKey string `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model  string `yaml:"model"   env:"OPENAI_MODEL" env-default:"gpt-4o-mini"`
}

// CheckinConfig holds the workflow engine settings.
type CheckinConfig struct {
	TeamFile         string        `yaml:"team_file"          env:"TEAM_FILE"          env-default:"./team.yaml"`
	Timezone         string        `yaml:"timezone"           env:"CHECKIN_TIMEZONE"   env-default:"UTC"`
	StateTTL         time.Duration `yaml:"state_ttl"          env:"STATE_TTL"          env-default:"12h"`
	DraftTTL         time.Duration `yaml:"draft_ttl"          env:"DRAFT_TTL"          env-default:"6h"`
	DispatchCron     string        `yaml:"dispatch_cron"      env:"DISPATCH_CRON"      env-default:"*/30 * * * *"`
	// The four fixed-time crons are derived from the team defaults when empty.
	StatusCron       string        `yaml:"status_cron"        env:"STATUS_CRON"`
	StatusFollowCron string        `yaml:"status_follow_cron" env:"STATUS_FOLLOW_CRON"`
	EODCron          string        `yaml:"eod_cron"           env:"EOD_CRON"`
	EODFollowCron    string        `yaml:"eod_follow_cron"    env:"EOD_FOLLOW_CRON"`
	DisableCron      bool          `yaml:"disable_cron"       env:"DISABLE_CRON"       env-default:"false"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// Location resolves the configured org timezone.
func (c CheckinConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if _, err := c.Checkin.Location(); err != nil {
		return err
	}
	switch strings.ToLower(c.Messaging.Provider) {
	case "whatsapp":
	case "twilio":
		if c.Messaging.Twilio.AccountSID == "" || c.Messaging.Twilio.AuthToken == "" || c.Messaging.Twilio.From == "" {
			return fmt.Errorf("twilio provider requires account sid, auth token and from number")
		}
	default:
		return fmt.Errorf("unknown messaging provider %q", c.Messaging.Provider)
	}
	if c.Checkin.StateTTL <= 0 {
		return fmt.Errorf("state_ttl must be positive")
	}
	if c.Checkin.DraftTTL <= 0 {
		return fmt.Errorf("draft_ttl must be positive")
	}
	return nil
}
