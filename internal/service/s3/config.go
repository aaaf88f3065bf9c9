package s3

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultRegion         = "us-east-1"
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 200 * time.Millisecond
	defaultAttemptTimeout = 30 * time.Second
)

type Config struct {
	Endpoint        string        `mapstructure:"Endpoint"`
	Region          string        `mapstructure:"Region"`
	AccessKeyID     string        `mapstructure:"AccessKeyID"`
	SecretAccessKey string        `mapstructure:"SecretAccessKey"`
	Bucket          string        `mapstructure:"Bucket"`
	UsePathStyle    bool          `mapstructure:"UsePathStyle"`
	MaxAttempts     int           `mapstructure:"MaxAttempts"`
	BaseDelay       time.Duration `mapstructure:"BaseDelay"`
	AttemptTimeout  time.Duration `mapstructure:"AttemptTimeout"`
}

func NewConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.BindEnv("Endpoint", "S3_ENDPOINT")
	v.BindEnv("Region", "S3_REGION")
	v.BindEnv("AccessKeyID", "S3_ACCESS_KEY_ID")
	v.BindEnv("SecretAccessKey", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("Bucket", "S3_BUCKET")
	v.BindEnv("UsePathStyle", "S3_USE_PATH_STYLE")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cannot read config from %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = defaultRegion
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
}

// Validate checks that every required field is set
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("Endpoint is required")
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("AccessKeyID is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("SecretAccessKey is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("Bucket is required")
	}
	return nil
}
