package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig captures runtime settings for the render service.
type ServiceConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	RedisURL    string `mapstructure:"redis_url"`
	PostgresDSN string `mapstructure:"postgres_dsn"`

	APSBaseURL      string `mapstructure:"aps_base_url"`
	APSClientID     string `mapstructure:"aps_client_id"`
	APSClientSecret string `mapstructure:"aps_client_secret"`
	APSRegion       string `mapstructure:"aps_region"`
	APSNickname     string `mapstructure:"aps_nickname"`
	APSEngine       string `mapstructure:"aps_engine"`
	APSActivity     string `mapstructure:"aps_activity"`

	PollIntervalSeconds      int `mapstructure:"poll_interval_seconds"`
	MaxPollAttempts          int `mapstructure:"max_poll_attempts"`
	ProcessingTimeoutMinutes int `mapstructure:"processing_timeout_minutes"`
	OutputURLTTLMinutes      int `mapstructure:"output_url_ttl_minutes"`
}

// PollInterval returns the polling interval as a duration.
func (c ServiceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// OutputTTL returns the signed output URL validity window.
func (c ServiceConfig) OutputTTL() time.Duration {
	return time.Duration(c.OutputURLTTLMinutes) * time.Minute
}

// ProcessingTimeout returns the overall per-job deadline.
func (c ServiceConfig) ProcessingTimeout() time.Duration {
	return time.Duration(c.ProcessingTimeoutMinutes) * time.Minute
}

// Validate rejects configurations where the attempt cap and the advertised
// processing timeout have silently drifted apart.
func (c ServiceConfig) Validate() error {
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive, got %d", c.PollIntervalSeconds)
	}
	if c.MaxPollAttempts <= 0 {
		return fmt.Errorf("max_poll_attempts must be positive, got %d", c.MaxPollAttempts)
	}
	budget := c.MaxPollAttempts * c.PollIntervalSeconds
	if budget != c.ProcessingTimeoutMinutes*60 {
		return fmt.Errorf("max_poll_attempts (%d) x poll_interval_seconds (%d) = %ds does not match processing_timeout_minutes (%d)",
			c.MaxPollAttempts, c.PollIntervalSeconds, budget, c.ProcessingTimeoutMinutes)
	}
	return nil
}

// LoadService loads service configuration from defaults, files, and env vars.
func LoadService() (ServiceConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("TILES")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis_url", "redis://localhost:6379")
	v.SetDefault("postgres_dsn", "")

	v.SetDefault("aps_base_url", "https://developer.api.autodesk.com")
	v.SetDefault("aps_client_id", "")
	v.SetDefault("aps_client_secret", "")
	v.SetDefault("aps_region", "us-east")
	v.SetDefault("aps_nickname", "planhaus")
	v.SetDefault("aps_engine", "Autodesk.AutoCAD+24_2")
	v.SetDefault("aps_activity", "PlanTiles")

	v.SetDefault("poll_interval_seconds", 2)
	v.SetDefault("max_poll_attempts", 240)
	v.SetDefault("processing_timeout_minutes", 8)
	v.SetDefault("output_url_ttl_minutes", 60)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ServiceConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg ServiceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServiceConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
