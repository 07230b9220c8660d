package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Sites     []SiteConfig    `mapstructure:"sites"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig carries the upstream endpoints and credentials.
type APIConfig struct {
	BaseURL      string  `mapstructure:"base_url"`
	TokenURL     string  `mapstructure:"token_url"`
	Key          string  `mapstructure:"key"`
	ClientID     string  `mapstructure:"client_id"`
	ClientSecret string  `mapstructure:"client_secret"`
	RefreshToken string  `mapstructure:"refresh_token"`
	RateLimit    float64 `mapstructure:"rate_limit"`
	RateBurst    int     `mapstructure:"rate_burst"`
}

// SiteConfig identifies one monitored system. Order matters: sites are
// fetched in configuration order.
type SiteConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type SchedulerConfig struct {
	Cron string `mapstructure:"cron"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from a YAML file, expanding environment
// variables referenced in it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	expanded := os.ExpandEnv(string(data))
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Sites) == 0 {
		return nil, fmt.Errorf("no sites configured")
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.rate_limit", 5.0)
	v.SetDefault("api.rate_burst", 5)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("scheduler.cron", "*/5 * * * *")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
