package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	RedisAddr        string        `mapstructure:"REDIS_ADDR"`
	JWTSecret        string        `mapstructure:"JWT_SECRET"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	HoldTTL          time.Duration `mapstructure:"HOLD_TTL"`
	CancelNotice     time.Duration `mapstructure:"CANCEL_NOTICE"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`
	DispatchInterval time.Duration `mapstructure:"DISPATCH_INTERVAL"`
	DispatchBatch    int           `mapstructure:"DISPATCH_BATCH"`
	ReminderLead     time.Duration `mapstructure:"REMINDER_LEAD"`
	SendTimeout      time.Duration `mapstructure:"SEND_TIMEOUT"`
	MaxRetries       int           `mapstructure:"MAX_RETRIES"`
	SMTPHost         string        `mapstructure:"SMTP_HOST"`
	SMTPPort         int           `mapstructure:"SMTP_PORT"`
	SMTPUsername     string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword     string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom         string        `mapstructure:"SMTP_FROM"`
	SMSGatewayURL    string        `mapstructure:"SMS_GATEWAY_URL"`
	PushGatewayURL   string        `mapstructure:"PUSH_GATEWAY_URL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("HOLD_TTL", "5m")
	v.SetDefault("CANCEL_NOTICE", "24h")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("DISPATCH_INTERVAL", "5s")
	v.SetDefault("DISPATCH_BATCH", 50)
	v.SetDefault("REMINDER_LEAD", "24h")
	v.SetDefault("SEND_TIMEOUT", "10s")
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("SMTP_PORT", 587)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_ADDR")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("HOLD_TTL")
	v.BindEnv("CANCEL_NOTICE")
	v.BindEnv("SWEEP_INTERVAL")
	v.BindEnv("DISPATCH_INTERVAL")
	v.BindEnv("DISPATCH_BATCH")
	v.BindEnv("REMINDER_LEAD")
	v.BindEnv("SEND_TIMEOUT")
	v.BindEnv("MAX_RETRIES")
	v.BindEnv("SMTP_HOST")
	v.BindEnv("SMTP_PORT")
	v.BindEnv("SMTP_USERNAME")
	v.BindEnv("SMTP_PASSWORD")
	v.BindEnv("SMTP_FROM")
	v.BindEnv("SMS_GATEWAY_URL")
	v.BindEnv("PUSH_GATEWAY_URL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In non-development
// modes JWT_SECRET must be set so that real authentication is enforced, and
// the scheduling windows must be sane.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q. "+
			"Refusing to start an unauthenticated API outside development", c.Env)
	}
	if c.HoldTTL <= 0 {
		return fmt.Errorf("HOLD_TTL must be positive, got %s", c.HoldTTL)
	}
	if c.CancelNotice < 0 {
		return fmt.Errorf("CANCEL_NOTICE must not be negative, got %s", c.CancelNotice)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("DISPATCH_INTERVAL must be positive, got %s", c.DispatchInterval)
	}
	if c.DispatchBatch <= 0 {
		return fmt.Errorf("DISPATCH_BATCH must be positive, got %d", c.DispatchBatch)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout)
	}
	return nil
}
